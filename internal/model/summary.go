package model

import "time"

// SourceSummary is the per-source line of a SyncSummary.
type SourceSummary struct {
	Source     string    `json:"source"`
	Status     RunStatus `json:"status"`
	Fetched    int       `json:"fetched"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Errors     []string  `json:"errors"`
	DurationMS int64     `json:"duration_ms"`
}

type SyncTotals struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// SyncSummary is returned by a run and published to the sinks. Sources
// are sorted by name.
type SyncSummary struct {
	RunID         string          `json:"run_id"`
	Mode          Mode            `json:"mode"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	DurationMS    int64           `json:"duration_ms"`
	OverallStatus RunStatus       `json:"overall_status"` // success | partial | error
	Totals        SyncTotals      `json:"totals"`
	Sources       []SourceSummary `json:"sources"`
}
