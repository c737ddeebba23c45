package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mbd888/mitigator/internal/mitigation"
)

// Log kinds served by TextLog.Recent.
const (
	LogActivity   = "activity"
	LogThreat     = "threat"
	LogMitigation = "mitigation"
)

var logFiles = map[string]string{
	LogActivity:   "activity_log.txt",
	LogThreat:     "threat_log.txt",
	LogMitigation: "mitigation_log.txt",
}

// LogKinds lists the text log kinds in display order.
func LogKinds() []string {
	return []string{LogActivity, LogThreat, LogMitigation}
}

// TextLog appends human-readable lines to three files under a directory:
//
//	activity_log.txt    [15:04:05] IP:10.0.0.1 | Requests: 12 | Status: Normal
//	threat_log.txt      [15:04:05] Anomaly Detected | IP:10.0.0.1 | Attack: DoS | Score:0.97
//	mitigation_log.txt  [15:04:05] DoS Attack | IP: 10.0.0.1 | Action: Rate Limited
//
// Normal traffic (label 0) goes to the activity log only; every other
// outcome writes a threat line and a mitigation line.
type TextLog struct {
	dir string
	mu  sync.Mutex
}

// NewTextLog creates the log directory if needed.
func NewTextLog(dir string) (*TextLog, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	return &TextLog{dir: dir}, nil
}

// Name implements Sink.
func (l *TextLog) Name() string { return "textlog" }

// Dir returns the directory holding the log files.
func (l *TextLog) Dir() string { return l.dir }

// Write implements Sink.
func (l *TextLog) Write(_ context.Context, batch []*Event) error {
	var activity, threat, mitigated strings.Builder
	for _, ev := range batch {
		if ev.Label == mitigation.LabelNormal {
			activity.WriteString(ActivityLine(ev))
			continue
		}
		threat.WriteString(ThreatLine(ev))
		mitigated.WriteString(MitigationLine(ev))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(LogActivity, activity.String()); err != nil {
		return err
	}
	if err := l.append(LogThreat, threat.String()); err != nil {
		return err
	}
	return l.append(LogMitigation, mitigated.String())
}

func (l *TextLog) append(kind, text string) error {
	if text == "" {
		return nil
	}
	f, err := os.OpenFile(l.path(kind), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open %s log: %w", kind, err)
	}
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s log: %w", kind, err)
	}
	return f.Close()
}

func (l *TextLog) path(kind string) string {
	name, ok := logFiles[kind]
	if !ok {
		name = logFiles[LogActivity]
	}
	return filepath.Join(l.dir, name)
}

// Recent returns the last n lines of a log, oldest first. An unknown kind
// reads the activity log; a missing file yields no lines.
func (l *TextLog) Recent(kind string, n int) ([]string, error) {
	if n <= 0 {
		n = 10
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path(kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

// Clear removes all three log files.
func (l *TextLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, kind := range LogKinds() {
		if err := os.Remove(l.path(kind)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func stamp(ev *Event) string {
	return ev.DecidedAt.Format("[15:04:05]")
}

// ActivityLine formats a normal-traffic line.
func ActivityLine(ev *Event) string {
	requests := ev.Requests
	if requests <= 0 {
		requests = 1
	}
	return fmt.Sprintf("%s IP:%s | Requests: %d | Status: Normal\n", stamp(ev), ev.Source, requests)
}

// ThreatLine formats a detection line. The score is omitted when zero.
func ThreatLine(ev *Event) string {
	score := ""
	if ev.Score != 0 {
		score = fmt.Sprintf(" | Score:%.2f", ev.Score)
	}
	return fmt.Sprintf("%s Anomaly Detected | IP:%s | Attack: %s%s\n", stamp(ev), ev.Source, ev.AttackType, score)
}

// MitigationLine formats the action taken for a detection.
func MitigationLine(ev *Event) string {
	return fmt.Sprintf("%s %s Attack | IP: %s | Action: %s\n", stamp(ev), ev.AttackType, ev.Source, ev.Action.Title())
}
