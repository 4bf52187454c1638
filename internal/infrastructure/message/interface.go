// Package message defines how per-step training reports leave the worker.
package message

import (
	"context"
	"time"
)

// StepReport is the outcome of one UpdatePolicy call on one rank
type StepReport struct {
	RunID     string
	Rank      int
	Step      int
	Mode      string
	Timestamp time.Time
	Duration  time.Duration

	// Metrics holds one value per mini-batch for every diagnostic
	Metrics map[string][]float64
}

// Publisher delivers step reports to telemetry consumers
type Publisher interface {
	Publish(ctx context.Context, report *StepReport) error
	Close() error
}

// NoopPublisher discards every report
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *StepReport) error { return nil }
func (NoopPublisher) Close() error                               { return nil }

//Personal.AI order the ending
