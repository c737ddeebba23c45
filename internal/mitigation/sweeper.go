package mitigation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every 30 seconds.
const DefaultSweepSchedule = "*/30 * * * * *"

// Sweeper periodically reclaims expired blocks and rate limits. Expired
// entries already read as absent; the sweep frees their memory and keeps the
// tracked-source gauges current.
type Sweeper struct {
	engine  *Engine
	cron    *cron.Cron
	logger  *slog.Logger
	running atomic.Bool
}

// NewSweeper creates a sweeper on a six-field (seconds-precision) cron
// schedule. An empty schedule selects DefaultSweepSchedule.
func NewSweeper(engine *Engine, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		engine: engine,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.safeSweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Running reports whether the schedule is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the schedule until ctx is done. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	s.cron.Start()
	s.logger.Info("expiry sweeper started")

	<-ctx.Done()
	s.Stop()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("expiry sweeper stopped")
}

// SweepNow runs one sweep synchronously.
func (s *Sweeper) SweepNow() (blocks, rateLimits int) {
	return s.engine.Sweep()
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	blocks, rateLimits := s.engine.Sweep()
	if blocks > 0 || rateLimits > 0 {
		s.logger.Info("expired mitigation entries", "blocks", blocks, "rate_limits", rateLimits)
	}
}
