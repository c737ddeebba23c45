package mitigation

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// DefaultDosBlockThreshold is the number of DoS violations that escalates a
// rate-limited source to blocked.
const DefaultDosBlockThreshold = 3

// ErrInvalidPolicy is wrapped by Policy.Validate failures.
var ErrInvalidPolicy = errors.New("invalid mitigation policy")

// Policy holds the tunable parts of the engine: the escalation threshold, the
// label-to-category table and optional expiry for blocks and rate limits.
// A zero TTL means entries never expire.
type Policy struct {
	DosBlockThreshold int              `json:"dosBlockThreshold"`
	BlockTTL          time.Duration    `json:"blockTtl"`
	RateLimitTTL      time.Duration    `json:"rateLimitTtl"`
	Labels            map[int]Category `json:"labels"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		DosBlockThreshold: DefaultDosBlockThreshold,
		Labels:            DefaultLabels(),
	}
}

// DefaultLabels returns a fresh copy of the default label table. Labels 0, 8
// and 9 (Normal, Worms, Generic) are intentionally absent and fall through to
// CategoryOther.
func DefaultLabels() map[int]Category {
	return map[int]Category{
		1: CategoryDos,
		2: CategoryExploit,
		6: CategoryExploit,
		7: CategoryExploit,
		4: CategoryRecon,
		3: CategoryFuzzingAnalysis,
		5: CategoryFuzzingAnalysis,
	}
}

// CategoryOf maps an attack label to its category. It is total: any label not
// in the table, including negative numbers, is CategoryOther.
func (p *Policy) CategoryOf(label int) Category {
	if c, ok := p.Labels[label]; ok {
		return c
	}
	return CategoryOther
}

// Validate checks the policy for values the engine cannot act on.
func (p *Policy) Validate() error {
	if p.DosBlockThreshold < 1 {
		return fmt.Errorf("%w: dos block threshold must be at least 1, got %d", ErrInvalidPolicy, p.DosBlockThreshold)
	}
	if p.BlockTTL < 0 {
		return fmt.Errorf("%w: block ttl must not be negative", ErrInvalidPolicy)
	}
	if p.RateLimitTTL < 0 {
		return fmt.Errorf("%w: rate limit ttl must not be negative", ErrInvalidPolicy)
	}
	for label, c := range p.Labels {
		if c < CategoryOther || c > CategoryFuzzingAnalysis {
			return fmt.Errorf("%w: label %d maps to unknown category %d", ErrInvalidPolicy, label, int(c))
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.Labels = maps.Clone(p.Labels)
	return &cp
}

// WithLabels returns a copy of p with overrides merged over its label table.
func (p *Policy) WithLabels(overrides map[int]Category) *Policy {
	cp := p.Clone()
	if cp.Labels == nil {
		cp.Labels = make(map[int]Category, len(overrides))
	}
	maps.Copy(cp.Labels, overrides)
	return cp
}

func (p *Policy) expiry() Expiry {
	return Expiry{Block: p.BlockTTL, RateLimit: p.RateLimitTTL}
}
