// Package circuitbreaker trips a per-sink circuit after consecutive write
// failures and retries it once a cooldown has passed.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// State is the circuit state of one sink.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ChangeFunc observes a state change. It runs after the breaker lock is
// released, so it may call back into the breaker.
type ChangeFunc func(sink string, from, to State)

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per sink name.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  ChangeFunc
}

// New returns a breaker that opens a sink's circuit after threshold
// consecutive failures and lets one trial write through after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnChange installs fn as the state change observer.
func (b *Breaker) OnChange(fn ChangeFunc) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a write to sink may proceed. An open circuit whose
// cooldown has passed moves to half-open and admits a single trial write.
func (b *Breaker) Allow(sink string) bool {
	b.mu.Lock()
	c, ok := b.circuits[sink]
	if !ok || c.state == StateClosed {
		b.mu.Unlock()
		return true
	}
	if c.state == StateHalfOpen || b.now().Sub(c.openedAt) < b.cooldown {
		b.mu.Unlock()
		return false
	}
	notify := b.set(c, sink, StateHalfOpen)
	b.mu.Unlock()
	notify()
	return true
}

// Success closes the sink's circuit and clears its failure count.
func (b *Breaker) Success(sink string) {
	b.mu.Lock()
	c, ok := b.circuits[sink]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	notify := b.set(c, sink, StateClosed)
	b.mu.Unlock()
	notify()
}

// Failure counts a failed write. A failed trial write reopens the circuit at once.
func (b *Breaker) Failure(sink string) {
	b.mu.Lock()
	c, ok := b.circuits[sink]
	if !ok {
		c = &circuit{}
		b.circuits[sink] = c
	}
	c.failures++

	notify := func() {}
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		notify = b.set(c, sink, StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// State returns the circuit state of sink. Unknown sinks are closed.
func (b *Breaker) State(sink string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[sink]; ok {
		return c.state
	}
	return StateClosed
}

// Tripped returns the sorted names of sinks whose circuit is not closed.
func (b *Breaker) Tripped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, c := range b.circuits {
		if c.state != StateClosed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// set changes state and returns the deferred notification. Caller holds b.mu.
func (b *Breaker) set(c *circuit, sink string, to State) func() {
	from := c.state
	if from == to || b.onChange == nil {
		c.state = to
		return func() {}
	}
	c.state = to
	fn := b.onChange
	return func() { fn(sink, from, to) }
}
