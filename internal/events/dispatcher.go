package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/mitigator/internal/circuitbreaker"
	"github.com/mbd888/mitigator/internal/metrics"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/retry"
)

const (
	DefaultBufferSize = 10000
	batchSize         = 100
	flushInterval     = 500 * time.Millisecond
	flushTimeout      = 10 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetry sets how many times a sink write is attempted per batch.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.retry.Attempts = attempts
		d.retry.BaseDelay = baseDelay
	}
}

// WithBreaker replaces the per-sink circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(d *Dispatcher) {
		d.breaker = b
	}
}

// Dispatcher asynchronously batches outcomes to every registered sink.
type Dispatcher struct {
	logger   *slog.Logger
	ch       chan *Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	dropped  atomic.Int64
	breaker  *circuitbreaker.Breaker
	retry    retry.Policy

	mu    sync.RWMutex
	sinks []Sink
}

// NewDispatcher creates a dispatcher with a queue of bufferSize events.
func NewDispatcher(logger *slog.Logger, bufferSize int, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	d := &Dispatcher{
		logger:  logger,
		ch:      make(chan *Event, bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		breaker: circuitbreaker.New(5, 30*time.Second),
		retry: retry.Policy{
			Attempts:  3,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  2 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker.OnChange(d.circuitChanged)
	return d
}

func (d *Dispatcher) circuitChanged(sink string, from, to circuitbreaker.State) {
	open := 0.0
	if to != circuitbreaker.StateClosed {
		open = 1
	}
	metrics.SinkCircuitOpen.WithLabelValues(sink).Set(open)
	d.logger.Warn("event sink circuit changed", "sink", sink, "from", from.String(), "to", to.String())
}

// TrippedSinks returns the sinks currently skipped by the circuit breaker.
func (d *Dispatcher) TrippedSinks() []string {
	return d.breaker.Tripped()
}

// AddSink registers a sink. Sinks added after Start see only later batches.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Sinks returns the names of the registered sinks.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Send enqueues an outcome. Non-blocking: drops and increments a counter
// if the queue is full.
func (d *Dispatcher) Send(o mitigation.Outcome) {
	select {
	case d.ch <- New(o):
	default:
		d.dropped.Add(1)
		metrics.EventsDroppedTotal.Inc()
	}
}

// Dropped returns the number of events dropped due to a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Start drains the queue and flushes batches until ctx is cancelled or Stop
// is called. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer close(d.done)
	defer d.running.Store(false)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var buf []*Event

	for {
		select {
		case <-ctx.Done():
			d.flush(d.drain(buf))
			return
		case <-d.stop:
			d.flush(d.drain(buf))
			return
		case ev := <-d.ch:
			buf = append(buf, ev)
			if len(buf) >= batchSize {
				d.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				d.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop signals the loop to flush what is queued and exit, and waits for it.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.running.Load() {
		<-d.done
	}
}

// Running reports whether the dispatch loop is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

func (d *Dispatcher) drain(buf []*Event) []*Event {
	for {
		select {
		case ev := <-d.ch:
			buf = append(buf, ev)
		default:
			return buf
		}
	}
}

func (d *Dispatcher) flush(buf []*Event) {
	if len(buf) == 0 {
		return
	}
	d.mu.RLock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	for start := 0; start < len(buf); start += batchSize {
		end := min(start+batchSize, len(buf))
		for _, s := range sinks {
			d.safeWrite(s, buf[start:end])
		}
	}
}

func (d *Dispatcher) safeWrite(s Sink, batch []*Event) {
	name := s.Name()
	defer func() {
		if r := recover(); r != nil {
			d.breaker.Failure(name)
			metrics.SinkWritesTotal.WithLabelValues(name, "panic").Inc()
			d.logger.Error("panic in event sink", "sink", name, "panic", fmt.Sprint(r))
		}
	}()

	if !d.breaker.Allow(name) {
		metrics.SinkWritesTotal.WithLabelValues(name, "skipped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	policy := d.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.SinkWritesTotal.WithLabelValues(name, "retry").Inc()
		d.logger.Warn("event sink write failed, retrying",
			"sink", name, "attempt", attempt, "wait", wait, "error", err)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return s.Write(ctx, batch)
	})
	if err != nil {
		d.breaker.Failure(name)
		metrics.SinkWritesTotal.WithLabelValues(name, "error").Inc()
		d.logger.Error("event sink write failed", "sink", name, "error", err, "count", len(batch))
		return
	}
	d.breaker.Success(name)
	metrics.SinkWritesTotal.WithLabelValues(name, "ok").Inc()
}
