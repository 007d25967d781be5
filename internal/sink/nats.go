package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/model"
)

const natsFlushTimeout = 5 * time.Second

type natsSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(cfg config.NATSConfig) (Sink, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("regiq-ingester"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &natsSink{conn: conn, subject: cfg.Subject}, nil
}

func (n *natsSink) Name() string { return "nats" }

func (n *natsSink) Push(ctx context.Context, s model.SyncSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	// FlushWithContext rejects contexts without a deadline
	if _, ok := ctx.Deadline(); ok {
		return n.conn.FlushWithContext(ctx)
	}
	return n.conn.FlushTimeout(natsFlushTimeout)
}

func (n *natsSink) Close() error {
	if n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
