package mitigation

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/mbd888/mitigator/internal/syncutil"
)

// ThreatState is the escalation state of one source.
type ThreatState struct {
	ViolationCount   int       `json:"violationCount"`
	RateLimitedSince time.Time `json:"rateLimitedSince,omitempty"`
	LastViolation    time.Time `json:"lastViolation,omitempty"`
	Blocked          bool      `json:"blocked"`
	BlockedAt        time.Time `json:"blockedAt,omitempty"`
}

// Expiry configures optional aging of entries. Zero durations never expire.
// Block is measured from BlockedAt, RateLimit from the last violation.
type Expiry struct {
	Block     time.Duration
	RateLimit time.Duration
}

func (e Expiry) expired(ts *ThreatState, now time.Time) bool {
	if ts.Blocked {
		return e.Block > 0 && now.Sub(ts.BlockedAt) >= e.Block
	}
	return e.RateLimit > 0 && now.Sub(ts.LastViolation) >= e.RateLimit
}

// entry is everything tracked for one source. Values are copied in and out
// of the map, so the ThreatState pointer is never shared across goroutines
// without the shard lock.
type entry struct {
	threat      *ThreatState
	blacklisted bool
}

func (e entry) empty() bool { return e.threat == nil && !e.blacklisted }

// Stats is a snapshot of the store.
type Stats struct {
	BlockedCount     int      `json:"blockedCount"`
	RateLimitedCount int      `json:"rateLimitedCount"`
	BlacklistedCount int      `json:"blacklistedCount"`
	BlockedList      []string `json:"blockedList"`
	RateLimitedList  []string `json:"rateLimitedList"`
}

// SourceStatus is the full view of one source.
type SourceStatus struct {
	Source      string       `json:"source"`
	Blocked     bool         `json:"blocked"`
	RateLimited bool         `json:"rateLimited"`
	Blacklisted bool         `json:"blacklisted"`
	Threat      *ThreatState `json:"threat,omitempty"`
}

// StateStore holds per-source mitigation state in memory. Operations on one
// source are linearizable; operations on sources in different shards never
// block each other. ResetAll is the only whole-store exclusive operation.
type StateStore struct {
	entries *syncutil.ShardedMap[entry]
	expiry  atomic.Pointer[Expiry]
	now     func() time.Time
}

// StoreOption configures a StateStore.
type StoreOption func(*StateStore)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *StateStore) {
		s.now = now
	}
}

// NewStateStore creates an empty store with no expiry.
func NewStateStore(opts ...StoreOption) *StateStore {
	s := &StateStore{
		entries: syncutil.NewShardedMap[entry](),
		now:     time.Now,
	}
	s.expiry.Store(&Expiry{})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetExpiry replaces the expiry policy. Existing entries are judged against
// the new policy from the next access on.
func (s *StateStore) SetExpiry(e Expiry) {
	s.expiry.Store(&e)
}

// live drops an expired threat state. Caller holds the shard lock.
func (s *StateStore) live(e entry, now time.Time) entry {
	if e.threat != nil && s.expiry.Load().expired(e.threat, now) {
		e.threat = nil
	}
	return e
}

// RecordDosViolation increments the source's violation count, creating its
// ThreatState on first use, and returns the new count.
func (s *StateStore) RecordDosViolation(source string) int {
	count, _ := s.recordDos(source, 0)
	return count
}

// EscalateDos records a violation and, when the new count reaches threshold,
// marks the source blocked, both under one lock. blocked reports whether the
// source is blocked after the call.
func (s *StateStore) EscalateDos(source string, threshold int) (count int, blocked bool) {
	return s.recordDos(source, threshold)
}

func (s *StateStore) recordDos(source string, threshold int) (count int, blocked bool) {
	now := s.now()
	s.entries.Update(source, func(e entry, _ bool) (entry, bool) {
		e = s.live(e, now)
		ts := ThreatState{RateLimitedSince: now}
		if e.threat != nil {
			ts = *e.threat
		}
		ts.ViolationCount++
		ts.LastViolation = now
		if threshold > 0 && ts.ViolationCount >= threshold && !ts.Blocked {
			ts.Blocked = true
			ts.BlockedAt = now
		}
		e.threat = &ts
		count, blocked = ts.ViolationCount, ts.Blocked
		return e, true
	})
	return count, blocked
}

// MarkBlocked blocks the source. Blocking an already blocked source is a no-op.
func (s *StateStore) MarkBlocked(source string) {
	now := s.now()
	s.entries.Update(source, func(e entry, _ bool) (entry, bool) {
		e = s.live(e, now)
		var ts ThreatState
		if e.threat != nil {
			ts = *e.threat
		}
		if !ts.Blocked {
			ts.Blocked = true
			ts.BlockedAt = now
		}
		e.threat = &ts
		return e, true
	})
}

// AddToBlacklist flags the source for session termination. Idempotent.
func (s *StateStore) AddToBlacklist(source string) {
	s.entries.Update(source, func(e entry, _ bool) (entry, bool) {
		e.blacklisted = true
		return e, true
	})
}

// Status returns everything known about a source.
func (s *StateStore) Status(source string) SourceStatus {
	now := s.now()
	st := SourceStatus{Source: source}
	s.entries.View(source, func(e entry, ok bool) {
		if !ok {
			return
		}
		e = s.live(e, now)
		st.Blacklisted = e.blacklisted
		if e.threat != nil {
			ts := *e.threat
			st.Threat = &ts
			st.Blocked = ts.Blocked
			st.RateLimited = !ts.Blocked
		}
	})
	return st
}

// IsBlocked reports whether the source is blocked.
func (s *StateStore) IsBlocked(source string) bool {
	return s.Status(source).Blocked
}

// IsRateLimited reports whether the source has a ThreatState that is not blocked.
func (s *StateStore) IsRateLimited(source string) bool {
	return s.Status(source).RateLimited
}

// IsBlacklisted reports whether the source's session is marked for termination.
func (s *StateStore) IsBlacklisted(source string) bool {
	return s.Status(source).Blacklisted
}

// SnapshotStats counts blocked, rate-limited and blacklisted sources. Each
// shard is read under its own lock; the result is consistent per source but
// not a global point-in-time view. Lists are sorted.
func (s *StateStore) SnapshotStats() Stats {
	now := s.now()
	stats := Stats{
		BlockedList:     []string{},
		RateLimitedList: []string{},
	}
	s.entries.Range(func(source string, e entry) bool {
		e = s.live(e, now)
		if e.blacklisted {
			stats.BlacklistedCount++
		}
		if e.threat != nil {
			if e.threat.Blocked {
				stats.BlockedList = append(stats.BlockedList, source)
			} else {
				stats.RateLimitedList = append(stats.RateLimitedList, source)
			}
		}
		return true
	})
	sort.Strings(stats.BlockedList)
	sort.Strings(stats.RateLimitedList)
	stats.BlockedCount = len(stats.BlockedList)
	stats.RateLimitedCount = len(stats.RateLimitedList)
	return stats
}

// Sweep removes expired threat states and drops entries left empty. It
// returns how many blocks and rate limits expired.
func (s *StateStore) Sweep() (blocks, rateLimits int) {
	now := s.now()
	exp := *s.expiry.Load()
	if exp.Block == 0 && exp.RateLimit == 0 {
		return 0, 0
	}
	s.entries.Sweep(func(_ string, e entry) (entry, bool) {
		if e.threat != nil && exp.expired(e.threat, now) {
			if e.threat.Blocked {
				blocks++
			} else {
				rateLimits++
			}
			e.threat = nil
		}
		return e, !e.empty()
	})
	return blocks, rateLimits
}

// Len returns the number of tracked sources.
func (s *StateStore) Len() int {
	return s.entries.Len()
}

// ResetAll clears every ThreatState and the session blacklist. It holds every
// shard lock for the duration of the reset.
func (s *StateStore) ResetAll() {
	s.entries.Clear()
}
