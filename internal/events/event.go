// Package events carries run progress to observers in and out of process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Kind names what happened to a run
type Kind string

const (
	KindCreated   Kind = "run.created"
	KindPhase     Kind = "run.phase"
	KindIteration Kind = "run.iteration"
	KindFix       Kind = "run.fix"
	KindCI        Kind = "run.ci"
	KindFinished  Kind = "run.finished"
)

// Event is one progress notification. IDs sort by creation time.
type Event struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	RunID     string           `json:"run_id"`
	Status    domain.RunStatus `json:"status,omitempty"`
	Phase     domain.Phase     `json:"phase,omitempty"`
	Message   string           `json:"message,omitempty"`
	Iteration int              `json:"iteration,omitempty"`
	At        time.Time        `json:"at"`
}

// New stamps an event with a fresh id and time
func New(kind Kind, run *domain.RunSession) Event {
	return Event{
		ID:        ulid.Make().String(),
		Kind:      kind,
		RunID:     run.ID,
		Status:    run.Status,
		Phase:     run.Phase,
		Message:   run.Message,
		Iteration: len(run.Iterations),
		At:        time.Now().UTC(),
	}
}

// Parse decodes an event published by another process
func Parse(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Kind == "" || e.RunID == "" {
		return Event{}, fmt.Errorf("decode event: missing kind or run_id")
	}
	return e, nil
}

// Bus publishes events and hands them to subscribers. Slow subscribers lose
// events rather than block publishers.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe returns a channel closed by the returned cancel func or when ctx ends
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
	Close() error
}

const subscriberBuffer = 64
