// countswatch is a terminal live view of the polserver counts feed. It polls
// the admin HTTP interface and renders the latest snapshot, recent history,
// and stream consumer health.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/rivo/tview"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type countsResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		AliceSingles    int64   `json:"alice_singles"`
		AliceEfficiency float64 `json:"alice_efficiency"`
		BobSingles      int64   `json:"bob_singles"`
		BobEfficiency   float64 `json:"bob_efficiency"`
		Coincidences    int64   `json:"coincidences"`
		JointEfficiency float64 `json:"joint_efficiency"`
		At              string  `json:"at"`
	} `json:"data"`
}

type streamStatsResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
}

type watcher struct {
	base   string
	client *http.Client

	app        *tview.Application
	countsView *tview.TextView
	statsView  *tview.TextView
}

func newWatcher(base string) *watcher {
	countsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	countsView.SetTitle("Counts").SetTitleAlign(tview.AlignLeft).SetBorder(true)
	countsView.SetTextColor(tcell.ColorYellow)

	statsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statsView.SetTitle("Stream").SetTitleAlign(tview.AlignLeft).SetBorder(true)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(countsView, 10, 0, false).
		AddItem(statsView, 0, 1, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' || event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyCtrlC {
			app.Stop()
			return nil
		}
		return event
	})

	return &watcher{
		base:       strings.TrimRight(base, "/"),
		client:     &http.Client{Timeout: 3 * time.Second},
		app:        app,
		countsView: countsView,
		statsView:  statsView,
	}
}

func (w *watcher) fetch(path string, v any) error {
	resp, err := w.client.Get(w.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (w *watcher) renderCounts() string {
	var counts countsResponse
	if err := w.fetch("/counts", &counts); err != nil {
		return fmt.Sprintf("[red]unreachable: %v", err)
	}
	if !counts.Success || counts.Data == nil {
		return "[orange]no recent counts data"
	}
	d := counts.Data
	var b strings.Builder
	fmt.Fprintf(&b, "Alice singles  %12s   eff %5.1f%%\n", humanize.Comma(d.AliceSingles), d.AliceEfficiency)
	fmt.Fprintf(&b, "Bob singles    %12s   eff %5.1f%%\n", humanize.Comma(d.BobSingles), d.BobEfficiency)
	fmt.Fprintf(&b, "Coincidences   %12s   eff %5.1f%%\n", humanize.Comma(d.Coincidences), d.JointEfficiency)
	if d.At != "" {
		if at, err := time.Parse(time.RFC3339Nano, d.At); err == nil {
			fmt.Fprintf(&b, "\nupdated %s", humanize.Time(at))
		}
	}
	return b.String()
}

func (w *watcher) renderStats() string {
	var stats streamStatsResponse
	if err := w.fetch("/stream/stats", &stats); err != nil {
		return fmt.Sprintf("[red]unreachable: %v", err)
	}
	if !stats.Success || stats.Data == nil {
		return "[orange]no stream stats"
	}
	keys := make([]string, 0, len(stats.Data))
	for k := range stats.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-28s %v\n", k, stats.Data[k])
	}
	return b.String()
}

func (w *watcher) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		counts := w.renderCounts()
		streamStats := w.renderStats()
		w.app.QueueUpdateDraw(func() {
			w.countsView.SetText(counts)
			w.statsView.SetText(streamStats)
		})
		<-ticker.C
	}
}

func main() {
	server := flag.String("server", "http://localhost:8080", "polserver admin HTTP base URL")
	interval := flag.Duration("interval", 500*time.Millisecond, "poll interval")
	flag.Parse()

	w := newWatcher(*server)
	go w.poll(*interval)

	if err := w.app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "countswatch error: %v\n", err)
		os.Exit(1)
	}
}
