package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"polserver/config"
)

func loggingConfigForDir(dir string) config.LoggingConfig {
	return config.LoggingConfig{
		Enabled:       dir != "",
		Dir:           dir,
		RetentionDays: 7,
	}
}

func TestLogFileName(t *testing.T) {
	when := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if got := logFileName(serviceLogPrefix, when); got != "polserver-22-Jan-2026.log" {
		t.Fatalf("expected log filename to be polserver-22-Jan-2026.log, got %q", got)
	}
	if got := logFileName(streamLogPrefix, when); got != "stream-22-Jan-2026.log" {
		t.Fatalf("expected log filename to be stream-22-Jan-2026.log, got %q", got)
	}
}

func TestParseLogFileDate(t *testing.T) {
	parsed, ok := parseLogFileDate(serviceLogPrefix, "polserver-22-Jan-2026.log")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if parsed.Year() != 2026 || parsed.Month() != time.January || parsed.Day() != 22 {
		t.Fatalf("unexpected parsed date: %s", parsed.Format(time.RFC3339))
	}
	if _, ok := parseLogFileDate(serviceLogPrefix, "notes.txt"); ok {
		t.Fatalf("expected non-log file to be rejected")
	}
	if _, ok := parseLogFileDate(serviceLogPrefix, "stream-22-Jan-2026.log"); ok {
		t.Fatalf("expected other channel's file to be rejected")
	}
}

func TestCleanupOldLogsIsPrefixScoped(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"polserver-20-Jan-2026.log",
		"polserver-21-Jan-2026.log",
		"polserver-22-Jan-2026.log",
		"stream-20-Jan-2026.log",
		"notes.txt",
	}
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, serviceLogPrefix, now, 2); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "polserver-20-Jan-2026.log")); err == nil {
		t.Fatalf("expected expired service log to be removed")
	} else if !os.IsNotExist(err) {
		t.Fatalf("stat: %v", err)
	}
	expectPresent := []string{
		"polserver-21-Jan-2026.log",
		"polserver-22-Jan-2026.log",
		"stream-20-Jan-2026.log",
		"notes.txt",
	}
	for _, name := range expectPresent {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkRotatesOnDayChange(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, serviceLogPrefix, 7)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	day1 := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	sink.WriteLine("first", day1)
	sink.WriteLine("second", day2)

	for _, name := range []string{"polserver-22-Jan-2026.log", "polserver-23-Jan-2026.log"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Fatalf("expected %s to contain a line", name)
		}
	}
}

func TestOperationsAndStreamLinesRouteToOwnFiles(t *testing.T) {
	dir := t.TempDir()
	fanout, err := setupLogging(loggingConfigForDir(dir), nil)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()

	fanout.WriteOperationsLine("operation abc completed")
	fanout.WriteStreamLine("read position 12")
	if _, err := fanout.Write([]byte("service line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	checks := []struct {
		prefix string
		want   string
	}{
		{operationsLogPrefix, "operation abc completed"},
		{streamLogPrefix, "read position 12"},
		{serviceLogPrefix, "service line"},
	}
	for _, check := range checks {
		path := filepath.Join(dir, logFileName(check.prefix, time.Now().UTC()))
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !strings.Contains(string(data), check.want) {
			t.Fatalf("expected %s to contain %q, got %q", path, check.want, string(data))
		}
	}
}

func TestSetupLoggingDisabledStillWritesConsole(t *testing.T) {
	var console strings.Builder
	fanout, err := setupLogging(loggingConfigForDir(""), &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()

	if _, err := fanout.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(console.String(), "hello") {
		t.Fatalf("expected console output, got %q", console.String())
	}
	// File-only channels are silent no-ops when file logging is off.
	fanout.WriteOperationsLine("ignored")
	fanout.WriteStreamLine("ignored")
}
