package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/mitigator/internal/circuitbreaker"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []*Event
	fail error
	hits int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, batch []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, batch...)
	return nil
}

func (s *recordingSink) events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.got))
	copy(out, s.got)
	return out
}

func (s *recordingSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

type panicSink struct{}

func (panicSink) Name() string                          { return "panics" }
func (panicSink) Write(context.Context, []*Event) error { panic("boom") }

func outcome(source string, label int, action mitigation.Action) mitigation.Outcome {
	return mitigation.Outcome{
		Detection:  mitigation.Detection{Source: source, Label: label},
		Decision:   mitigation.Decision{Action: action},
		AttackType: mitigation.LabelName(label),
		DecidedAt:  time.Now(),
	}
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := NewDispatcher(slog.Default(), 100)
	d.AddSink(a)
	d.AddSink(b)
	assert.Equal(t, []string{"a", "b"}, d.Sinks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	for i := 0; i < 5; i++ {
		d.Send(outcome("10.0.0.1", 1, mitigation.ActionRateLimited))
	}

	require.Eventually(t, func() bool {
		return len(a.events()) == 5 && len(b.events()) == 5
	}, 3*time.Second, 20*time.Millisecond)

	ev := a.events()[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "10.0.0.1", ev.Source)
	assert.Equal(t, "DoS", ev.AttackType)
}

func TestDispatcher_StopFlushesQueued(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(slog.Default(), 100)
	d.AddSink(s)

	for i := 0; i < 7; i++ {
		d.Send(outcome("10.0.0.2", 2, mitigation.ActionBlocked))
	}

	go d.Start(context.Background())
	require.Eventually(t, d.Running, time.Second, 5*time.Millisecond)
	d.Stop()

	assert.False(t, d.Running())
	assert.Len(t, s.events(), 7)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(slog.Default(), 2)

	d.Send(outcome("a", 1, mitigation.ActionRateLimited))
	d.Send(outcome("b", 1, mitigation.ActionRateLimited))
	d.Send(outcome("c", 1, mitigation.ActionRateLimited))

	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcher_FailingSinkIsIsolated(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", fail: errors.New("unavailable")}
	d := NewDispatcher(slog.Default(), 100,
		WithRetry(2, time.Millisecond),
		WithBreaker(circuitbreaker.New(1, time.Hour)),
	)
	d.AddSink(bad)
	d.AddSink(panicSink{})
	d.AddSink(good)

	d.flush([]*Event{New(outcome("x", 2, mitigation.ActionBlocked))})
	assert.Len(t, good.events(), 1)
	assert.Equal(t, 2, bad.calls(), "retried up to the attempt limit")

	// Breaker is open now; the bad sink is skipped entirely.
	d.flush([]*Event{New(outcome("y", 2, mitigation.ActionBlocked))})
	assert.Len(t, good.events(), 2)
	assert.Equal(t, 2, bad.calls())
	assert.Contains(t, d.TrippedSinks(), "bad")
	assert.NotContains(t, d.TrippedSinks(), "good")
}

func TestDispatcher_SplitsLargeBatches(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(slog.Default(), 10)
	d.AddSink(s)

	buf := make([]*Event, 250)
	for i := range buf {
		buf[i] = New(outcome("z", 1, mitigation.ActionRateLimited))
	}
	d.flush(buf)

	assert.Len(t, s.events(), 250)
	assert.Equal(t, 3, s.calls())
}

func TestDispatcher_StopWithoutStart(t *testing.T) {
	d := NewDispatcher(nil, 0)
	d.Stop()
	d.Stop()
	assert.False(t, d.Running())
}

func TestNew_FillsTimestamp(t *testing.T) {
	ev := New(mitigation.Outcome{})
	assert.False(t, ev.DecidedAt.IsZero())
	assert.Contains(t, ev.ID, "evt_")
}
