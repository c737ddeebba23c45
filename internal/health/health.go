// Package health provides a registry of named subsystem health checkers.
//
// Critical checks (the decision log database, the event dispatcher) decide
// readiness. Optional checks (brokers, the websocket hub) are reported but
// only degrade the status.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	optional bool
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a critical health checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterOptional adds a checker whose failure degrades but does not fail
// the aggregate.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, optional: true})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently, each under the registry timeout.
// healthy is false when any critical checker fails; degraded is true when
// any checker at all fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy, degraded bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.Optional = nc.optional
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		degraded = true
		if !st.Optional {
			healthy = false
		}
	}
	return healthy, degraded, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping reports healthy when p answers a ping.
func Ping(p Pinger) Checker {
	return FromError(p.PingContext)
}

// FromError adapts an error-returning check function.
func FromError(check func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := check(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Runner is any background component with a Running flag.
type Runner interface {
	Running() bool
}

// Running reports healthy while r is running.
func Running(r Runner) Checker {
	return func(_ context.Context) Status {
		if !r.Running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}
