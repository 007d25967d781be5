package model

import "time"

// RateLimits are the documented (or observed) request ceilings of a source.
type RateLimits struct {
	PerMinute         int
	PerHour           int
	RequestsPerSecond float64 // request spacing; 0 disables pacing
	Burst             int
}

// SourceDescriptor is the static configuration of one external source.
type SourceDescriptor struct {
	Name               string
	Kind               string // adapter kind: openfda, fsis, federal_register, regulations_gov, rss
	Agency             string
	Endpoints          []string
	Format             string // json, xml, rss
	FreshnessThreshold time.Duration
	UrgencyWeight      float64
	Credential         string // resolved from the environment; may be empty
	Timeout            time.Duration
	UserAgent          string
	Rate               RateLimits
	ItemCap            int
	BackfillItemCap    int
	Params             map[string]string
}

// Endpoint returns the primary endpoint or def when none is configured.
func (d SourceDescriptor) Endpoint(def string) string {
	if len(d.Endpoints) > 0 && d.Endpoints[0] != "" {
		return d.Endpoints[0]
	}
	return def
}

// Param returns an adapter-specific parameter or def.
func (d SourceDescriptor) Param(key, def string) string {
	if v, ok := d.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Cap returns the item cap for the given mode.
func (d SourceDescriptor) Cap(mode Mode) int {
	if mode == ModeBackfill && d.BackfillItemCap > 0 {
		return d.BackfillItemCap
	}
	if d.ItemCap > 0 {
		return d.ItemCap
	}
	return 100
}
