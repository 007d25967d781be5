package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/model"
)

const defaultStreamMaxLen = 10000

type redisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedis(ctx context.Context, cfg config.RedisConfig) (Sink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg config.RedisConfig) *redisSink {
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &redisSink{client: client, stream: cfg.Stream, maxLen: maxLen}
}

func (r *redisSink) Name() string { return "redis" }

// Push appends the summary to the stream, trimmed approximately to maxLen.
func (r *redisSink) Push(ctx context.Context, s model.SyncSummary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"run_id":         s.RunID,
			"mode":           string(s.Mode),
			"overall_status": string(s.OverallStatus),
			"summary":        string(body),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *redisSink) Close() error { return r.client.Close() }
