package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestContextFieldsReachBothOutputs(t *testing.T) {
	var text, js bytes.Buffer
	l := NewWithWriters(&text, &js, slog.LevelInfo)

	ctx := WithLogFields(context.Background(), LogFields{RunID: "run-1", Source: "FDA"})
	ctx = WithLogFields(ctx, LogFields{Component: "regiq.test"})
	l.InfoContext(ctx, "fetched", "items", 3)

	if !strings.Contains(text.String(), "source=FDA") || !strings.Contains(text.String(), "run_id=run-1") {
		t.Fatalf("text output missing fields: %s", text.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(js.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if rec["component"] != "regiq.test" || rec["source"] != "FDA" {
		t.Fatalf("json record = %v", rec)
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	if got := Truncate("héllo wörld", 5); got != "héllo..." {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("Truncate = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "": slog.LevelInfo, "error": slog.LevelError}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
