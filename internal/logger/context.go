package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every log record emitted with the context.
type LogFields struct {
	RunID     string // sync run id
	Source    string // source name, e.g. "FDA"
	Mode      string // incremental | backfill
	Component string // e.g. "regiq.orchestrator"
}

// WithLogFields merges fields into ctx; non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.RunID != "" {
		merged.RunID = fields.RunID
	}
	if fields.Source != "" {
		merged.Source = fields.Source
	}
	if fields.Mode != "" {
		merged.Mode = fields.Mode
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// Truncate cuts s to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
