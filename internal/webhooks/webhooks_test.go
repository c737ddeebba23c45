package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/mitigation"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, slog.Default())
	d.urlValidator = noopValidator
	d.retry.BaseDelay = time.Millisecond
	return d
}

func decision(id, source string, action mitigation.Action) *events.Event {
	return &events.Event{ID: id, Outcome: mitigation.Outcome{
		Detection: mitigation.Detection{Source: source, Label: 2},
		Decision:  mitigation.Decision{Action: action},
		DecidedAt: time.Now(),
	}}
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Actions:   []mitigation.Action{mitigation.ActionBlocked},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	active, _ := store.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("Expected no active subs after update, got %d", len(active))
	}
	all, _ := store.List(ctx)
	if len(all) != 1 {
		t.Errorf("Expected 1 sub, got %d", len(all))
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh_test1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestSubscription_Wants(t *testing.T) {
	all := &Subscription{}
	if !all.Wants(mitigation.ActionAlert) {
		t.Error("Empty action list should receive everything")
	}

	blocks := &Subscription{Actions: []mitigation.Action{mitigation.ActionBlocked}}
	if !blocks.Wants(mitigation.ActionBlocked) {
		t.Error("Expected blocked to match")
	}
	if blocks.Wants(mitigation.ActionRateLimited) {
		t.Error("Expected rate_limited to be filtered out")
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"type":"mitigation.decision","data":{}}`)

	sig := Sign(payload, "secret1")
	if !Verify(payload, "secret1", sig) {
		t.Error("Expected signature to verify")
	}
	if Verify(payload, "secret2", sig) {
		t.Error("Different secrets should not verify")
	}
	if Verify([]byte(`{}`), "secret1", sig) {
		t.Error("Tampered payload should not verify")
	}
}

// ---------------------------------------------------------------------------
// Delivery tests
// ---------------------------------------------------------------------------

func TestWrite_FiltersByActionAndSigns(t *testing.T) {
	store := NewMemoryStore()
	secret := "test_webhook_secret" //nolint:gosec // test credential

	var mu sync.Mutex
	var bodies [][]byte
	var headers []http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:      "wh1",
		URL:     server.URL,
		Secret:  secret,
		Actions: []mitigation.Action{mitigation.ActionBlocked},
		Active:  true,
	})

	d := newTestDispatcher(store)
	err := d.Write(ctx, []*events.Event{
		decision("evt_1", "10.0.0.1", mitigation.ActionRateLimited),
		decision("evt_2", "10.0.0.1", mitigation.ActionBlocked),
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(bodies))
	}

	h := headers[0]
	if h.Get("X-Mitigator-Event") != EventDecision {
		t.Errorf("Expected event header %s, got %s", EventDecision, h.Get("X-Mitigator-Event"))
	}
	if h.Get("X-Mitigator-Delivery") != "evt_2" {
		t.Errorf("Expected delivery id evt_2, got %s", h.Get("X-Mitigator-Delivery"))
	}
	if h.Get("X-Mitigator-Timestamp") == "" {
		t.Error("Expected timestamp header")
	}
	if !Verify(bodies[0], secret, h.Get("X-Mitigator-Signature")) {
		t.Error("Signature did not verify")
	}

	var payload Delivery
	if err := json.Unmarshal(bodies[0], &payload); err != nil {
		t.Fatalf("Invalid payload: %v", err)
	}
	if payload.Data == nil || payload.Data.Source != "10.0.0.1" || payload.Data.Action != mitigation.ActionBlocked {
		t.Errorf("Unexpected payload data: %+v", payload.Data)
	}

	got, _ := store.Get(ctx, "wh1")
	if got.LastSuccess == nil {
		t.Error("Expected lastSuccess to be recorded")
	}
}

func TestWrite_SkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: false})

	d := newTestDispatcher(store)
	_ = d.Write(ctx, []*events.Event{decision("evt_1", "a", mitigation.ActionBlocked)})

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestWrite_RetriesServerErrors(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	_ = d.Write(ctx, []*events.Event{decision("evt_1", "a", mitigation.ActionBlocked)})

	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
	got, _ := store.Get(ctx, "wh1")
	if got.ConsecutiveFailures != 0 || got.LastError != "" {
		t.Errorf("Expected clean state after success, got %+v", got)
	}
}

func TestWrite_HonorsRetryAfter(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	var first, second time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			first = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		second = time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	_ = d.Write(ctx, []*events.Event{decision("evt_1", "a", mitigation.ActionBlocked)})

	if calls.Load() != 2 {
		t.Fatalf("Expected 2 attempts, got %d", calls.Load())
	}
	if gap := second.Sub(first); gap < 900*time.Millisecond {
		t.Errorf("Expected Retry-After to delay the retry, waited %v", gap)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := parseRetryAfter(" 3 "); !ok || d != 3*time.Second {
		t.Errorf("parseRetryAfter(3) = %v, %v", d, ok)
	}
	for _, v := range []string{"", "-1", "Wed, 21 Oct 2015 07:28:00 GMT"} {
		if _, ok := parseRetryAfter(v); ok {
			t.Errorf("parseRetryAfter(%q) should not parse", v)
		}
	}
}

func TestWrite_ClientErrorIsNotRetried(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	_ = d.Write(ctx, []*events.Event{
		decision("evt_1", "a", mitigation.ActionBlocked),
		decision("evt_2", "a", mitigation.ActionBlocked),
	})

	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", calls.Load())
	}
	got, _ := store.Get(ctx, "wh1")
	if got.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", got.ConsecutiveFailures)
	}
	if got.LastError != "status 400" {
		t.Errorf("Expected lastError 'status 400', got %q", got.LastError)
	}
}

func TestWrite_DisablesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	for i := 0; i < maxConsecutiveFailures; i++ {
		_ = d.Write(ctx, []*events.Event{decision("evt", "a", mitigation.ActionBlocked)})
	}

	got, _ := store.Get(ctx, "wh1")
	if got.Active {
		t.Error("Expected subscription to be disabled")
	}
}

func TestWrite_BlockedURL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: "http://127.0.0.1:1/hook", Active: true})

	d := NewDispatcher(store, slog.Default())
	if err := d.Write(ctx, []*events.Event{decision("evt_1", "a", mitigation.ActionBlocked)}); err != nil {
		t.Fatalf("Write should not fail on delivery errors: %v", err)
	}
	got, _ := store.Get(ctx, "wh1")
	if got.LastError == "" {
		t.Error("Expected loopback target to be refused")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

// setupWebhookRouter validates URL format only, so httptest loopback
// servers are accepted while bad schemes are still rejected.
func setupWebhookRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	d.AllowPrivateTargets()
	r := gin.New()
	NewHandler(store, d).RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, store
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, store := setupWebhookRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/admin/webhooks",
		`{"url":"https://fw.example.com/hook","actions":["blocked"],"description":"edge firewall"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Invalid response: %v", err)
	}
	if len(created.Secret) != 64 {
		t.Errorf("Expected 64-char secret, got %d", len(created.Secret))
	}
	if bytes.Contains(w.Body.Bytes(), []byte(`"Secret"`)) {
		t.Error("Secret must not be serialized on the subscription")
	}

	w = doJSON(r, http.MethodGet, "/v1/admin/webhooks", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("edge firewall")) {
		t.Errorf("Unexpected list response %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodDelete, "/v1/admin/webhooks/"+created.Webhook.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", w.Code)
	}
	if all, _ := store.List(context.Background()); len(all) != 0 {
		t.Errorf("Expected empty store, got %d", len(all))
	}

	w = doJSON(r, http.MethodDelete, "/v1/admin/webhooks/"+created.Webhook.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	r, store := setupWebhookRouter(t)

	cases := map[string]string{
		"missing url":    `{"actions":["blocked"]}`,
		"bad scheme":     `{"url":"ftp://example.com"}`,
		"credentials":    `{"url":"https://user:pw@example.com/hook"}`,
		"unknown action": `{"url":"https://example.com","actions":["nuke"]}`,
	}
	for name, body := range cases {
		w := doJSON(r, http.MethodPost, "/v1/admin/webhooks", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
	if all, _ := store.List(context.Background()); len(all) != 0 {
		t.Errorf("Rejected requests must not create subscriptions, got %d", len(all))
	}
}

func TestHandler_CreateRejectsInternalTargetByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store, NewDispatcher(store, slog.Default())).RegisterAdminRoutes(r.Group("/v1/admin"))

	for _, url := range []string{"http://127.0.0.1:9000/hook", "http://169.254.169.254/latest", "http://localhost/hook"} {
		w := doJSON(r, http.MethodPost, "/v1/admin/webhooks", `{"url":"`+url+`"}`)
		if w.Code != http.StatusBadRequest || !bytes.Contains(w.Body.Bytes(), []byte("invalid_url")) {
			t.Errorf("%s: expected 400 invalid_url, got %d: %s", url, w.Code, w.Body.String())
		}
	}
}

func TestHandler_TestWebhook(t *testing.T) {
	r, store := setupWebhookRouter(t)

	var gotEvent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Mitigator-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_ = store.Create(context.Background(), &Subscription{ID: "wh1", URL: server.URL, Active: true})

	w := doJSON(r, http.MethodPost, "/v1/admin/webhooks/wh1/test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotEvent != EventTest {
		t.Errorf("Expected %s, got %s", EventTest, gotEvent)
	}

	w = doJSON(r, http.MethodPost, "/v1/admin/webhooks/missing/test", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
