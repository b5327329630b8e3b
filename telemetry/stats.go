package telemetry

import "time"

// ClientStats is the diagnostics view of the consumer's health counters.
type ClientStats struct {
	TotalReads             uint64   `json:"total_reads"`
	FailedReads            uint64   `json:"failed_reads"`
	FilteredReads          uint64   `json:"filtered_reads"`
	ConsecutiveFailures    int64    `json:"consecutive_failures"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures"`
	LastSuccessfulRead     string   `json:"last_successful_read,omitempty"`
	TimeSinceLastReadSecs  *float64 `json:"time_since_last_read_seconds,omitempty"`
	LastResetTime          string   `json:"last_reset_time,omitempty"`
	Resets                 uint64   `json:"resets"`
	CurrentPosition        string   `json:"current_position"`
	HealthStatus           string   `json:"health_status"`
	Started                bool     `json:"started"`
}

// Stats snapshots the health counters. Values may lag the loop by an
// iteration but are never torn.
func (c *Consumer) Stats() ClientStats {
	now := time.Now()
	stats := ClientStats{
		TotalReads:             c.totalReads.Load(),
		FailedReads:            c.failedReads.Load(),
		FilteredReads:          c.filteredReads.Load(),
		ConsecutiveFailures:    c.consecutiveFailures.Load(),
		MaxConsecutiveFailures: c.cfg.MaxConsecutiveFailures,
		Resets:                 c.resets.Load(),
		CurrentPosition:        cursorLabel(c.Cursor()),
		Started:                c.started.Load(),
	}
	if last := c.lastSuccess.Load(); last != 0 {
		at := time.Unix(0, last)
		stats.LastSuccessfulRead = at.UTC().Format(time.RFC3339Nano)
		secs := now.Sub(at).Seconds()
		stats.TimeSinceLastReadSecs = &secs
	}
	if reset := c.lastReset.Load(); reset != 0 {
		stats.LastResetTime = time.Unix(0, reset).UTC().Format(time.RFC3339Nano)
	}
	stats.HealthStatus = c.healthStatus(now)
	return stats
}

// healthStatus classifies the consumer: not_started, failing, no_data_yet,
// stale (>60s silent), warning (>10s), or healthy.
func (c *Consumer) healthStatus(now time.Time) string {
	switch {
	case !c.started.Load():
		return "not_started"
	case c.consecutiveFailures.Load() >= int64(c.cfg.MaxConsecutiveFailures):
		return "failing"
	case c.lastSuccess.Load() == 0:
		return "no_data_yet"
	}
	silent := now.Sub(time.Unix(0, c.lastSuccess.Load()))
	switch {
	case silent > time.Minute:
		return "stale"
	case silent > 10*time.Second:
		return "warning"
	default:
		return "healthy"
	}
}
