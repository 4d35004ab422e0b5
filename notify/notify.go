// Package notify publishes fire-and-forget pipeline events. Nothing in the
// orchestrator reads them back; a failed publish is logged, never fatal.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Kind string

const (
	StageFinished      Kind = "stage.finished"
	DeploymentFinished Kind = "deployment.finished"
	PipelineFinished   Kind = "pipeline.finished"
)

type Event struct {
	Kind        Kind      `json:"kind"`
	ExecutionID string    `json:"execution_id"`
	Pipeline    string    `json:"pipeline"`
	Subject     string    `json:"subject"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	Time        time.Time `json:"time"`
}

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// PGNotifier publishes events with pg_notify on Channel.
type PGNotifier struct {
	DB      *gorm.DB
	Channel string
}

func (n *PGNotifier) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.DB.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", n.Channel, string(payload)).Error; err != nil {
		return fmt.Errorf("pg_notify %s: %w", n.Channel, err)
	}
	return nil
}

type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Publish(_ context.Context, ev Event) error {
	n.Logger.Info("pipeline event",
		zap.String("kind", string(ev.Kind)),
		zap.String("execution_id", ev.ExecutionID),
		zap.String("pipeline", ev.Pipeline),
		zap.String("subject", ev.Subject),
		zap.String("status", ev.Status),
		zap.String("detail", ev.Detail),
	)
	return nil
}

// ChanNotifier delivers events to C without blocking; events are dropped
// when the buffer is full.
type ChanNotifier struct {
	C chan Event
}

func NewChanNotifier(size int) *ChanNotifier {
	return &ChanNotifier{C: make(chan Event, size)}
}

func (n *ChanNotifier) Publish(_ context.Context, ev Event) error {
	select {
	case n.C <- ev:
	default:
	}
	return nil
}
