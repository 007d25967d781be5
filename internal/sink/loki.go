package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/util"
)

type lokiSink struct {
	cfg    config.LokiConfig
	client *http.Client
}

func NewLoki(cfg config.LokiConfig) Sink {
	return &lokiSink{cfg: cfg, client: util.NewHTTPClient(cfg.Timeout)}
}

func (l *lokiSink) Name() string { return "loki" }

func (l *lokiSink) Close() error { return nil }

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Push writes one log line per source, labelled by source and status so
// failing sources can be queried directly.
func (l *lokiSink) Push(ctx context.Context, s model.SyncSummary) error {
	if len(s.Sources) == 0 {
		return nil
	}
	payload := struct {
		Streams []lokiStream `json:"streams"`
	}{}
	// Loki expects ns timestamps as decimal strings
	ts := strconv.FormatInt(s.FinishedAt.UnixNano(), 10)
	for _, src := range s.Sources {
		line, err := json.Marshal(map[string]any{
			"run_id":      s.RunID,
			"mode":        s.Mode,
			"source":      src.Source,
			"status":      src.Status,
			"fetched":     src.Fetched,
			"inserted":    src.Inserted,
			"updated":     src.Updated,
			"skipped":     src.Skipped,
			"errors":      src.Errors,
			"duration_ms": src.DurationMS,
		})
		if err != nil {
			return fmt.Errorf("encode loki line: %w", err)
		}
		payload.Streams = append(payload.Streams, lokiStream{
			Stream: map[string]string{
				"job":    l.cfg.Job,
				"source": src.Source,
				"status": string(src.Status),
			},
			Values: [][2]string{{ts, string(line)}},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode loki push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.cfg.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.cfg.TenantID)
	}
	if ua := l.cfg.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("loki push failed http %d", resp.StatusCode)
	}
	return nil
}
