package model

import (
	"encoding/json"
	"time"
)

// Alert is the normalized representation shared by all sources.
type Alert struct {
	ID              string // uuid, assigned on insert
	ExternalID      string // stable per-source id; empty when the source has none
	SourceName      string // e.g. "FDA"
	Title           string
	Summary         string
	Agency          string
	PublishedAt     time.Time // UTC
	ExternalURL     string
	RawPayload      map[string]any    // original item, kept for audit
	UrgencyScore    *float64          // owned by downstream enrichment
	NormalizedTitle string            // dedup fallback key component
	Labels          map[string]string // added by post-process rules
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasExternalID reports whether the primary dedup key is usable.
func (a Alert) HasExternalID() bool { return a.ExternalID != "" }

// PublishedDate is the calendar day used by the fallback dedup key.
func (a Alert) PublishedDate() string { return a.PublishedAt.UTC().Format("2006-01-02") }

// PayloadJSON marshals RawPayload, falling back to an empty object.
func (a Alert) PayloadJSON() []byte {
	if len(a.RawPayload) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(a.RawPayload)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// RawItem is one as-fetched record. Only the producing adapter knows what
// the native strings mean; the normalizer turns them into an Alert.
type RawItem struct {
	Source      string
	ExternalID  string
	Title       string
	Summary     string
	Agency      string
	URL         string
	Published   string   // native date string
	DateLayouts []string // layouts the source is documented to use
	Payload     map[string]any
	FetchedAt   time.Time
}

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeBackfill    Mode = "backfill"
)

func (m Mode) Valid() bool { return m == ModeIncremental || m == ModeBackfill }

type RunStatus string

const (
	RunRunning            RunStatus = "running"
	RunSuccess            RunStatus = "success"
	RunPartial            RunStatus = "partial"
	RunError              RunStatus = "error"
	RunSkippedRateLimited RunStatus = "skipped_rate_limited"
)

// SyncRunRecord is one row per source per orchestrator run.
type SyncRunRecord struct {
	ID            string
	RunID         string
	SourceName    string
	Mode          Mode
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        RunStatus
	ItemsFetched  int
	ItemsInserted int
	ItemsUpdated  int
	ItemsSkipped  int
	Errors        []string
	FailedBatch   []byte // JSON of alerts that could not be persisted
}

type HealthStatus string

const (
	HealthUnknown           HealthStatus = "unknown"
	HealthHealthy           HealthStatus = "healthy"
	HealthStale             HealthStatus = "stale"
	HealthAuthError         HealthStatus = "auth_error"
	HealthConnectivityError HealthStatus = "connectivity_error"
	HealthNoData            HealthStatus = "no_data"
)

// Failing reports whether the status reflects a failed fetch rather than
// the passage of time.
func (s HealthStatus) Failing() bool {
	return s == HealthAuthError || s == HealthConnectivityError
}

type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
	OverallCritical OverallStatus = "critical"
)

// SourceHealthState is overwritten after every adapter invocation.
type SourceHealthState struct {
	SourceName            string
	Status                HealthStatus
	LastAttemptAt         *time.Time
	LastSuccessAt         *time.Time
	LastErrorMessage      string
	LastErrorKind         string // "auth", "connectivity", "parse" or empty
	RecordsFetchedLastRun int
	TotalRecords          int
}

// SourceCursor remembers how far an incremental sync has read.
type SourceCursor struct {
	SourceName      string
	LastPublishedAt time.Time
}
