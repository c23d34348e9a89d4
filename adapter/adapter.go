// Package adapter defines the alert boundary of the harvester.
//
// Adapters publish a run_completed event to a downstream system when a run
// finishes. The runtime decides whether to publish (policy verdict Alert,
// or always when notify is configured) and owns the adapter lifecycle.
package adapter

import (
	"context"

	"github.com/pithecene-io/oaiharvest/metrics"
)

// ContractVersion is the version of the RunCompletedEvent payload shape.
const ContractVersion = "1.0.0"

// EventTypeRunCompleted is the only event type published.
const EventTypeRunCompleted = "run_completed"

// Run outcomes carried in RunCompletedEvent.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeStopped = "stopped"
)

// SourceSummary is the per-source part of the event.
type SourceSummary struct {
	Name      string   `json:"name"`
	Level     string   `json:"level"`
	Harvested int      `json:"harvested"`
	Uploaded  int      `json:"uploaded"`
	JobIDs    []string `json:"job_ids,omitempty"`
	Messages  []string `json:"messages,omitempty"`
}

// RunCompletedEvent is the payload published when a run finishes.
type RunCompletedEvent struct {
	ContractVersion string            `json:"contract_version"`
	EventType       string            `json:"event_type"` // always "run_completed"
	RunID           string            `json:"run_id"`
	Attempt         int               `json:"attempt"`
	Outcome         string            `json:"outcome"` // success, failure, stopped
	Alert           bool              `json:"alert"`
	Level           int               `json:"level"`
	Policy          string            `json:"policy"`
	Reason          string            `json:"reason,omitempty"`
	Timestamp       string            `json:"timestamp"` // ISO 8601
	DurationMs      int64             `json:"duration_ms"`
	Sources         []SourceSummary   `json:"sources,omitempty"`
	Metrics         *metrics.Snapshot `json:"metrics,omitempty"`
}

// Adapter publishes run completion events to a downstream system.
// Implementations must be safe for single-use per run.
type Adapter interface {
	// Publish sends a run completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Nop discards every event. Used when no adapter is configured.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, *RunCompletedEvent) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

var _ Adapter = Nop{}
