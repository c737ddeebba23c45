package mitigation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestStateStore_RecordDosViolation(t *testing.T) {
	s := NewStateStore()

	assert.False(t, s.IsRateLimited("a"))
	assert.Equal(t, 1, s.RecordDosViolation("a"))
	assert.Equal(t, 2, s.RecordDosViolation("a"))
	assert.Equal(t, 1, s.RecordDosViolation("b"))

	assert.True(t, s.IsRateLimited("a"))
	assert.False(t, s.IsBlocked("a"))

	st := s.Status("a")
	require.NotNil(t, st.Threat)
	assert.Equal(t, 2, st.Threat.ViolationCount)
	assert.False(t, st.Threat.RateLimitedSince.IsZero())
}

func TestStateStore_MarkBlockedIdempotent(t *testing.T) {
	clock := newFakeClock()
	s := NewStateStore(WithClock(clock.Now))

	s.MarkBlocked("a")
	first := s.Status("a").Threat.BlockedAt

	clock.Advance(time.Minute)
	s.MarkBlocked("a")

	st := s.Status("a")
	assert.True(t, st.Blocked)
	assert.False(t, st.RateLimited)
	assert.Equal(t, first, st.Threat.BlockedAt, "second block keeps original timestamp")
	assert.Equal(t, 0, st.Threat.ViolationCount)
}

func TestStateStore_EscalateDos(t *testing.T) {
	s := NewStateStore()

	for i := 1; i <= 2; i++ {
		count, blocked := s.EscalateDos("a", 3)
		assert.Equal(t, i, count)
		assert.False(t, blocked)
	}
	count, blocked := s.EscalateDos("a", 3)
	assert.Equal(t, 3, count)
	assert.True(t, blocked)

	count, blocked = s.EscalateDos("a", 3)
	assert.Equal(t, 4, count)
	assert.True(t, blocked)
}

func TestStateStore_Blacklist(t *testing.T) {
	s := NewStateStore()

	s.AddToBlacklist("a")
	s.AddToBlacklist("a")

	assert.True(t, s.IsBlacklisted("a"))
	assert.False(t, s.IsBlocked("a"))
	assert.False(t, s.IsRateLimited("a"))
	assert.Equal(t, 1, s.SnapshotStats().BlacklistedCount)
}

func TestStateStore_SnapshotStats(t *testing.T) {
	s := NewStateStore()

	empty := s.SnapshotStats()
	assert.NotNil(t, empty.BlockedList)
	assert.NotNil(t, empty.RateLimitedList)

	s.RecordDosViolation("10.0.0.3")
	s.RecordDosViolation("10.0.0.1")
	s.MarkBlocked("10.0.0.9")
	s.MarkBlocked("10.0.0.2")
	s.AddToBlacklist("10.0.0.5")

	stats := s.SnapshotStats()
	assert.Equal(t, 2, stats.BlockedCount)
	assert.Equal(t, 2, stats.RateLimitedCount)
	assert.Equal(t, 1, stats.BlacklistedCount)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.9"}, stats.BlockedList)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, stats.RateLimitedList)
}

func TestStateStore_ResetAll(t *testing.T) {
	s := NewStateStore()
	s.RecordDosViolation("a")
	s.MarkBlocked("b")
	s.AddToBlacklist("c")

	s.ResetAll()

	stats := s.SnapshotStats()
	assert.Zero(t, stats.BlockedCount)
	assert.Zero(t, stats.RateLimitedCount)
	assert.Zero(t, stats.BlacklistedCount)
	assert.Empty(t, stats.BlockedList)
	assert.Empty(t, stats.RateLimitedList)
	assert.Zero(t, s.Len())

	// A reset source starts the ladder over.
	assert.Equal(t, 1, s.RecordDosViolation("a"))
}

func TestStateStore_NoExpiryByDefault(t *testing.T) {
	clock := newFakeClock()
	s := NewStateStore(WithClock(clock.Now))
	s.MarkBlocked("a")
	s.RecordDosViolation("b")

	clock.Advance(365 * 24 * time.Hour)

	assert.True(t, s.IsBlocked("a"))
	assert.True(t, s.IsRateLimited("b"))
	blocks, rl := s.Sweep()
	assert.Zero(t, blocks)
	assert.Zero(t, rl)
}

func TestStateStore_BlockTTL(t *testing.T) {
	clock := newFakeClock()
	s := NewStateStore(WithClock(clock.Now))
	s.SetExpiry(Expiry{Block: time.Hour})

	s.MarkBlocked("a")
	clock.Advance(59 * time.Minute)
	assert.True(t, s.IsBlocked("a"))

	clock.Advance(time.Minute)
	assert.False(t, s.IsBlocked("a"), "expired block reads as absent before any sweep")
	assert.False(t, s.IsRateLimited("a"))

	// Expired state is discarded on the next write.
	count, blocked := s.EscalateDos("a", 3)
	assert.Equal(t, 1, count)
	assert.False(t, blocked)
}

func TestStateStore_RateLimitTTLMeasuredFromLastViolation(t *testing.T) {
	clock := newFakeClock()
	s := NewStateStore(WithClock(clock.Now))
	s.SetExpiry(Expiry{RateLimit: 10 * time.Minute})

	s.RecordDosViolation("a")
	clock.Advance(9 * time.Minute)
	assert.Equal(t, 2, s.RecordDosViolation("a"))

	clock.Advance(9 * time.Minute)
	assert.True(t, s.IsRateLimited("a"), "second violation refreshed the window")

	clock.Advance(time.Minute)
	assert.False(t, s.IsRateLimited("a"))
}

func TestStateStore_RateLimitTTLDoesNotExpireBlocks(t *testing.T) {
	clock := newFakeClock()
	s := NewStateStore(WithClock(clock.Now))
	s.SetExpiry(Expiry{RateLimit: time.Minute})

	s.MarkBlocked("a")
	clock.Advance(time.Hour)
	assert.True(t, s.IsBlocked("a"))
}

func TestStateStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	s := NewStateStore(WithClock(clock.Now))
	s.SetExpiry(Expiry{Block: time.Hour, RateLimit: time.Minute})

	s.MarkBlocked("blocked")
	s.RecordDosViolation("limited")
	s.RecordDosViolation("both")
	s.AddToBlacklist("both")
	s.AddToBlacklist("listed")

	clock.Advance(2 * time.Hour)
	blocks, rl := s.Sweep()
	assert.Equal(t, 1, blocks)
	assert.Equal(t, 2, rl)

	// Blacklist entries survive; their expired threat state is gone.
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.IsBlacklisted("both"))
	assert.False(t, s.IsRateLimited("both"))

	blocks, rl = s.Sweep()
	assert.Zero(t, blocks)
	assert.Zero(t, rl)
}

func TestStateStore_ConcurrentDistinctSources(t *testing.T) {
	s := NewStateStore()
	const sources, perSource = 64, 50

	var wg sync.WaitGroup
	for i := 0; i < sources; i++ {
		src := fmt.Sprintf("10.1.0.%d", i)
		for j := 0; j < perSource; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.RecordDosViolation(src)
				_ = s.SnapshotStats()
			}()
		}
	}
	wg.Wait()

	for i := 0; i < sources; i++ {
		st := s.Status(fmt.Sprintf("10.1.0.%d", i))
		require.NotNil(t, st.Threat)
		assert.Equal(t, perSource, st.Threat.ViolationCount)
	}
}
