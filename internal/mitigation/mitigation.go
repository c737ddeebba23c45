// Package mitigation decides, per traffic source, which defensive action to
// take for a classified detection and tracks how that action escalates.
//
// A detection carries the source identity and an attack label produced by an
// upstream classifier. The label maps to a Category through the Policy, and
// each category has one response:
//
//   - Dos: rate limit, escalating to a block after DosBlockThreshold violations
//   - Exploit: block immediately
//   - Recon: monitor only
//   - FuzzingAnalysis: terminate the session (blacklist the source)
//   - Other: raise an alert
//
// Blocked is absorbing: only ResetAll (or an optional TTL) clears it.
// State lives in an injected StateStore and is never persisted.
package mitigation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotAuthorized is returned by privileged operations when the caller's
// context carries no admin principal.
var ErrNotAuthorized = errors.New("mitigation: caller is not authorized for this operation")

// Category is the coarse attack grouping that selects a mitigation response.
type Category int

const (
	CategoryOther Category = iota
	CategoryDos
	CategoryExploit
	CategoryRecon
	CategoryFuzzingAnalysis
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryDos:
		return "Dos"
	case CategoryExploit:
		return "Exploit"
	case CategoryRecon:
		return "Recon"
	case CategoryFuzzingAnalysis:
		return "FuzzingAnalysis"
	case CategoryOther:
		return "Other"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts any spelling understood by ParseCategory.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory parses a category name. Matching ignores case, dashes and
// underscores, so "fuzzing_analysis", "FuzzingAnalysis" and "fuzzing" all work.
func ParseCategory(s string) (Category, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch norm {
	case "dos":
		return CategoryDos, nil
	case "exploit", "exploits":
		return CategoryExploit, nil
	case "recon", "reconnaissance":
		return CategoryRecon, nil
	case "fuzzinganalysis", "fuzzing", "analysis":
		return CategoryFuzzingAnalysis, nil
	case "other":
		return CategoryOther, nil
	default:
		return CategoryOther, fmt.Errorf("unknown attack category %q", s)
	}
}

// Action is the defensive response chosen for a detection.
type Action string

const (
	ActionBlocked           Action = "blocked"
	ActionRateLimited       Action = "rate_limited"
	ActionMonitored         Action = "monitored"
	ActionSessionTerminated Action = "session_terminated"
	ActionAlert             Action = "alert"
)

// Title returns the action in display form, e.g. "Session Terminated".
func (a Action) Title() string {
	switch a {
	case ActionBlocked:
		return "Blocked"
	case ActionRateLimited:
		return "Rate Limited"
	case ActionMonitored:
		return "Monitored"
	case ActionSessionTerminated:
		return "Session Terminated"
	case ActionAlert:
		return "Alert"
	default:
		return string(a)
	}
}

// Decision reasons.
const (
	ReasonPersistentDos  = "Persistent DoS"
	ReasonDosDetected    = "DoS detected"
	ReasonExploitation   = "Exploitation attempt"
	ReasonReconnaissance = "Reconnaissance activity"
	ReasonFuzzing        = "Fuzzing attempt"
)

// Decision is the engine's verdict for one detection.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Detection is one classified observation handed to the engine.
type Detection struct {
	Source    string  `json:"source"`
	Label     int     `json:"label"`
	SessionID string  `json:"sessionId,omitempty"`
	Score     float64 `json:"score,omitempty"`    // anomaly score from the classifier, informational
	Requests  int     `json:"requests,omitempty"` // packets/requests in the sample, informational
}

// Outcome is a Decision together with the detection that produced it. It is
// what the engine hands to event sinks.
type Outcome struct {
	Detection
	Decision
	Category       Category  `json:"category"`
	AttackType     string    `json:"attackType"`
	ViolationCount int       `json:"violationCount,omitempty"`
	DecidedAt      time.Time `json:"decidedAt"`
}

// labelNames is the default ten-label taxonomy of the upstream classifier.
var labelNames = map[int]string{
	0: "Normal",
	1: "DoS",
	2: "Exploits",
	3: "Fuzzers",
	4: "Reconnaissance",
	5: "Analysis",
	6: "Backdoor",
	7: "Shellcode",
	8: "Worms",
	9: "Generic",
}

// LabelNormal is the classifier label for benign traffic.
const LabelNormal = 0

// LabelName returns the taxonomy name for an attack label, or "Unknown".
func LabelName(label int) string {
	if name, ok := labelNames[label]; ok {
		return name
	}
	return "Unknown"
}
