package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mbd888/mitigator/internal/metrics"
	"github.com/mbd888/mitigator/internal/mitigation"
)

const reloadDebounce = 500 * time.Millisecond

// Applier installs a policy. *mitigation.Engine satisfies it.
type Applier interface {
	SetPolicy(*mitigation.Policy) error
}

// Status describes the last reload attempt.
type Status struct {
	Path       string    `json:"path"`
	Hash       string    `json:"hash"`
	LoadedAt   time.Time `json:"loadedAt"`
	LastError  string    `json:"lastError,omitempty"`
	ReloadedBy string    `json:"reloadedBy,omitempty"`
}

// Reloader keeps an engine's policy in sync with a YAML file. A file that
// fails to parse or validate is rejected and the running policy kept.
type Reloader struct {
	path   string
	base   *mitigation.Policy
	target Applier
	logger *slog.Logger

	mu     sync.Mutex
	status Status
}

// NewReloader creates a reloader for path. base supplies every value the
// file does not set.
func NewReloader(path string, base *mitigation.Policy, target Applier, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	if base == nil {
		base = mitigation.DefaultPolicy()
	}
	return &Reloader{
		path:   path,
		base:   base.Clone(),
		target: target,
		logger: logger,
		status: Status{Path: path},
	}
}

// Reload reads the file and installs it. trigger is recorded in Status.
func (r *Reloader) Reload(trigger string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, hash, err := Load(r.path, r.base)
	if err == nil {
		err = r.target.SetPolicy(p)
	}
	if err != nil {
		r.status.LastError = err.Error()
		metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("policy reload rejected, keeping current policy", "path", r.path, "error", err)
		return err
	}

	changed := hash != r.status.Hash
	r.status = Status{
		Path:       r.path,
		Hash:       hash,
		LoadedAt:   time.Now(),
		ReloadedBy: trigger,
	}
	metrics.PolicyReloadsTotal.WithLabelValues("ok").Inc()
	if changed {
		r.logger.Info("policy loaded",
			"path", r.path,
			"hash", hash,
			"dos_block_threshold", p.DosBlockThreshold,
			"block_ttl", p.BlockTTL,
			"rate_limit_ttl", p.RateLimitTTL,
			"trigger", trigger,
		)
	}
	return nil
}

// Status returns the outcome of the most recent reload.
func (r *Reloader) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run watches the policy file's directory and reloads after writes settle.
// The directory is watched rather than the file so editors that save by
// rename are still seen. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					_ = r.Reload("watch")
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("policy watcher error", "error", err)
		}
	}
}
