// Package events carries mitigation outcomes from the engine to durable and
// live sinks: the decision log, text logs, message buses, websocket clients
// and enforcement webhooks.
//
// The engine never waits on a sink. Outcomes are queued on a bounded channel
// and written in batches by a Dispatcher; a failing sink is retried, then
// skipped by its circuit breaker, and never affects a decision.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/mitigator/internal/idgen"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/pagination"
)

// DefaultListLimit is the page size when none is requested.
const DefaultListLimit = 50

// ErrNotFound is returned when a decision event does not exist.
var ErrNotFound = errors.New("events: not found")

// Event is one logged mitigation outcome.
type Event struct {
	ID string `json:"id"`
	mitigation.Outcome
}

// New wraps an outcome in an event with a fresh time-ordered ID.
func New(o mitigation.Outcome) *Event {
	if o.DecidedAt.IsZero() {
		o.DecidedAt = time.Now()
	}
	return &Event{ID: idgen.Ordered("evt_"), Outcome: o}
}

// Sink receives batches of events. Write should be safe to retry with the
// same batch.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []*Event) error
}

// Lister reads back the decision log, newest first.
type Lister interface {
	List(ctx context.Context, source string, limit int, opts ...ListOption) ([]*Event, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
	action mitigation.Action
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to events older than the cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// WithAction filters results to one action.
func WithAction(action mitigation.Action) ListOption {
	return func(o *listOpts) {
		o.action = action
	}
}

// before reports whether e sorts strictly after the cursor in newest-first
// order.
func (o listOpts) before(e *Event) bool {
	return o.cursor.Older(e.DecidedAt, e.ID)
}

func (o listOpts) match(e *Event, source string) bool {
	if source != "" && e.Source != source {
		return false
	}
	if o.action != "" && e.Action != o.action {
		return false
	}
	return o.before(e)
}

// pageKey extracts the cursor key of an event.
func pageKey(e *Event) (time.Time, string) {
	return e.DecidedAt, e.ID
}
