// polserver is the control plane for the polarization lab bench: it accepts
// waveplate and power-source commands over HTTP, runs them against the
// hardware control server on an isolated worker pool, and continuously
// derives detection efficiencies from the photon-count monitor feed.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"polserver/config"
	"polserver/countlog"
	"polserver/hardware"
	"polserver/history"
	"polserver/monitor"
	"polserver/operation"
	"polserver/stats"
	"polserver/telemetry"
)

const (
	defaultConfigPath = "data/config.yaml"
	envConfigPath     = "POLSERVER_CONFIG_PATH"

	// Watchdog headroom over the transport timeout so the socket deadline
	// fires first and produces the more specific timeout error.
	watchdogSlack = 5 * time.Second

	executorCloseGrace = 5 * time.Second
	httpShutdownGrace  = 10 * time.Second
)

var Version = "dev"

// Purpose: Report whether stdout is a TTY for console output gating.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: main startup.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from env/default locations.
// Key aspects: Tries env override first, then the default path; a missing
// default file falls back to built-in defaults.
// Upstream: main startup.
// Downstream: config.Load and os.IsNotExist.
func loadServerConfig() (*config.Config, string, error) {
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		cfg, err := config.Load(envPath)
		if err != nil {
			return nil, envPath, err
		}
		return cfg, envPath, nil
	}
	cfg, err := config.Load(defaultConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), "defaults", nil
		}
		return nil, defaultConfigPath, err
	}
	return cfg, defaultConfigPath, nil
}

// Purpose: Program entrypoint; wires configuration, hardware, and telemetry.
// Key aspects: Initializes clients/stores and manages graceful shutdown.
// Upstream: OS process start.
// Downstream: Startup helpers, goroutines, and network services.
func main() {
	cfg, configSource, err := loadServerConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging unavailable: %v", logErr)
	}

	log.Printf("Polarization Control Server v%s starting...", Version)
	log.Printf("Loaded configuration from %s", configSource)
	if isStdoutTTY() {
		cfg.Print()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hardware command path.
	factory := func() *hardware.Client {
		return hardware.NewClient(cfg.Hardware.Host, cfg.Hardware.Port, cfg.HardwareTimeout())
	}
	executor := hardware.NewExecutor(cfg.Executor.Workers, cfg.HardwareTimeout()+watchdogSlack, factory)
	registry := operation.NewRegistry()
	tracker := stats.NewTracker()

	var historySink operation.HistorySink
	historyStore, err := history.NewStore(cfg.History.DBPath, cfg.History.MaxEntries, cfg.History.QueueSize)
	if err != nil {
		log.Printf("Warning: command history unavailable: %v", err)
	} else {
		historyStore.Start()
		historySink = historyStore
	}

	orchestrator := operation.NewOrchestrator(registry, executor, historySink, tracker, fanout)

	// Telemetry path. The journal exists even when the monitor feed is
	// disabled so the consumer and its endpoints stay functional.
	journal := monitor.NewJournal(cfg.Monitor.JournalSize)
	var bridge *monitor.Bridge
	if cfg.Monitor.Enabled {
		bridge = monitor.NewBridge(cfg.Monitor.Broker, cfg.Monitor.Port, cfg.Monitor.Topic, journal)
		if err := bridge.Connect(); err != nil {
			log.Printf("Warning: %v; continuing without live counts", err)
		}
	} else {
		log.Println("Monitor feed disabled; counts endpoints will report no data")
	}

	var countLog *countlog.Log
	var snapshotSink telemetry.SnapshotSink
	if cfg.CountLog.Enabled {
		countLog, err = countlog.Open(cfg.CountLog.Dir, cfg.CountLog.Keep)
		if err != nil {
			log.Printf("Warning: count archive unavailable: %v", err)
			countLog = nil
		} else {
			snapshotSink = countLog
			log.Printf("Count archive at %s (keep %d)", cfg.CountLog.Dir, cfg.CountLog.Keep)
		}
	}

	consumer := telemetry.NewConsumer(journal, telemetry.Config{
		ChannelPrefix:          cfg.Telemetry.ChannelPrefix,
		PollInterval:           time.Duration(cfg.Telemetry.PollIntervalMS) * time.Millisecond,
		ErrorBackoff:           time.Duration(cfg.Telemetry.ErrorBackoffMS) * time.Millisecond,
		ReadBlock:              time.Duration(cfg.Telemetry.ReadBlockMS) * time.Millisecond,
		ReadBudget:             time.Duration(cfg.Telemetry.ReadBudgetSeconds) * time.Second,
		Freshness:              time.Duration(cfg.Telemetry.FreshnessSeconds * float64(time.Second)),
		MaxConsecutiveFailures: cfg.Telemetry.MaxConsecutiveFailures,
		ResetCooldown:          time.Duration(cfg.Telemetry.ResetCooldownSeconds) * time.Second,
	}, snapshotSink, fanout)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	// Admin HTTP interface.
	server := newAPIServer(&apiServer{
		cfg:          cfg,
		orchestrator: orchestrator,
		registry:     registry,
		consumer:     consumer,
		bridge:       bridge,
		historyStore: historyStore,
		counts:       countLog,
		tracker:      tracker,
		newClient:    factory,
	})
	go func() {
		log.Printf("Admin HTTP listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Admin HTTP server failed: %v", err)
		}
	}()

	sources := []healthSource{
		executorHealthSource("executor", executor),
		consumerHealthSource("stream", consumer),
	}
	if bridge != nil {
		sources = append(sources, bridgeHealthSource("monitor", bridge))
	}
	startHealthMonitor(ctx, sources, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("Server is running. Press Ctrl+C to stop.")
	log.Printf("Hardware control server: %s:%d (%d workers)", cfg.Hardware.Host, cfg.Hardware.Port, cfg.Executor.Workers)
	if cfg.Monitor.Enabled {
		log.Printf("Receiving counts from %s:%d (topic: %s)...", cfg.Monitor.Broker, cfg.Monitor.Port, cfg.Monitor.Topic)
	}
	log.Println("---")

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Admin HTTP shutdown: %v", err)
	}
	shutdownCancel()

	// Stop the consumer loop and wait for it to exit before closing the
	// stores it publishes into.
	cancel()
	<-consumerDone

	if bridge != nil {
		bridge.Stop()
	}
	executor.Close(executorCloseGrace)
	if historyStore != nil {
		if err := historyStore.Close(); err != nil {
			log.Printf("History close: %v", err)
		}
	}
	if countLog != nil {
		if err := countLog.Close(); err != nil {
			log.Printf("Count archive close: %v", err)
		}
	}
	log.Println("Shutdown complete")
}

func init() {
	// The fanout adds its own timestamps; keep log lines unprefixed.
	log.SetFlags(0)
}
