// Package webhooks pushes mitigation decisions to enforcement points.
//
// A firewall, gateway or SOAR endpoint registers a URL and, optionally, the
// actions it cares about (a firewall usually wants only "blocked"). Every
// matching decision is POSTed as JSON, signed with the subscription secret:
//
//	X-Mitigator-Event:     mitigation.decision
//	X-Mitigator-Delivery:  evt_...
//	X-Mitigator-Timestamp: unix seconds
//	X-Mitigator-Signature: hex(HMAC-SHA256(body, secret))
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/metrics"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/retry"
	"github.com/mbd888/mitigator/internal/security"
)

// EventDecision is the only event type delivered today.
const EventDecision = "mitigation.decision"

// EventTest is sent by the test endpoint.
const EventTest = "webhook.test"

// maxConsecutiveFailures disables a subscription that keeps failing.
const maxConsecutiveFailures = 10

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Delivery is the JSON body of one webhook request.
type Delivery struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *events.Event `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string              `json:"id"`
	URL                 string              `json:"url"`
	Secret              string              `json:"-"` // Used for HMAC signing
	Actions             []mitigation.Action `json:"actions"`
	Description         string              `json:"description,omitempty"`
	Active              bool                `json:"active"`
	CreatedAt           time.Time           `json:"createdAt"`
	LastSuccess         *time.Time          `json:"lastSuccess,omitempty"`
	LastError           string              `json:"lastError,omitempty"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives action. An empty action
// list receives everything.
func (s *Subscription) Wants(action mitigation.Action) bool {
	if len(s.Actions) == 0 {
		return true
	}
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers decisions to subscribers. It is an events.Sink: each
// subscription gets its own bounded retry, so one slow endpoint does not
// cause the others to be re-sent a batch.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(string) error
	retry        retry.Policy
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		retry: retry.Policy{
			Attempts:  3,
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
	}
}

// AllowPrivateTargets permits delivery to private and loopback addresses.
// Enforcement points usually live on internal networks.
func (d *Dispatcher) AllowPrivateTargets() {
	d.urlValidator = security.ValidateEndpointURLFormat
}

// Name implements events.Sink.
func (d *Dispatcher) Name() string { return "webhooks" }

// Write implements events.Sink. Only a failure to read subscriptions is
// returned; delivery failures are recorded on the subscription.
func (d *Dispatcher) Write(ctx context.Context, batch []*events.Event) error {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		var matched []*events.Event
		for _, ev := range batch {
			if sub.Wants(ev.Action) {
				matched = append(matched, ev)
			}
		}
		if len(matched) == 0 {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription, matched []*events.Event) {
			defer wg.Done()
			for _, ev := range matched {
				if !d.deliver(ctx, sub, &Delivery{ID: ev.ID, Type: EventDecision, Timestamp: time.Now(), Data: ev}) {
					// Keep per-subscription order: stop at the first failure.
					return
				}
			}
		}(sub, matched)
	}
	wg.Wait()
	return nil
}

// SendTest delivers a synthetic event to one subscription and returns the
// delivery error, if any.
func (d *Dispatcher) SendTest(ctx context.Context, sub *Subscription) error {
	ev := events.New(mitigation.Outcome{
		Detection:  mitigation.Detection{Source: "192.0.2.1", Label: 2},
		Decision:   mitigation.Decision{Action: mitigation.ActionBlocked, Reason: mitigation.ReasonExploitation},
		Category:   mitigation.CategoryExploit,
		AttackType: mitigation.LabelName(2),
	})
	return d.send(ctx, sub, &Delivery{ID: ev.ID, Type: EventTest, Timestamp: time.Now(), Data: ev})
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, delivery *Delivery) bool {
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.send(ctx, sub, delivery)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.updateError(ctx, sub, err.Error())
		return false
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	d.updateSuccess(ctx, sub)
	return true
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, delivery *Delivery) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("blocked URL: %w", err))
	}

	payload, err := json.Marshal(delivery)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mitigator-webhooks/1")
	req.Header.Set("X-Mitigator-Event", delivery.Type)
	req.Header.Set("X-Mitigator-Delivery", delivery.ID)
	req.Header.Set("X-Mitigator-Timestamp", strconv.FormatInt(delivery.Timestamp.Unix(), 10))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Mitigator-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		err := fmt.Errorf("status %d", resp.StatusCode)
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return retry.After(wait, err)
		}
		return err
	}
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook error", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	return m.list(false), nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return m.list(true), nil
}

func (m *MemoryStore) list(activeOnly bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if activeOnly && !sub.Active {
			continue
		}
		cp := *sub
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
