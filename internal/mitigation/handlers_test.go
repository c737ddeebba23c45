package mitigation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mitigator/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSink struct {
	mu   sync.Mutex
	outs []Outcome
}

func (r *recordingSink) Send(o Outcome) {
	r.mu.Lock()
	r.outs = append(r.outs, o)
	r.mu.Unlock()
}

func setupHandlerRouter(t *testing.T, admin bool) (*gin.Engine, *Engine, *recordingSink) {
	t.Helper()
	e, _ := newTestEngine(t)
	sink := &recordingSink{}
	h := NewHandler(e, sink)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterDecisionRoutes(v1)
	adminGroup := v1.Group("/admin")
	if admin {
		adminGroup.Use(func(c *gin.Context) {
			c.Request = c.Request.WithContext(auth.WithAdmin(c.Request.Context(), "test"))
			c.Next()
		})
	}
	h.RegisterAdminRoutes(adminGroup)
	return r, e, sink
}

func postDecision(t *testing.T, r *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Decide(t *testing.T) {
	r, e, sink := setupHandlerRouter(t, false)

	var last DecideResponse
	for i := 0; i < 3; i++ {
		w := postDecision(t, r, map[string]any{"source": "203.0.113.5", "label": 1})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &last))
	}
	assert.Equal(t, ActionBlocked, last.Decision.Action)
	assert.Equal(t, ReasonPersistentDos, last.Decision.Reason)
	assert.Equal(t, CategoryDos, last.Category)
	assert.Equal(t, "DoS", last.AttackType)
	assert.Equal(t, 3, last.ViolationCount)
	assert.True(t, e.IsBlocked("203.0.113.5"))
	assert.Len(t, sink.outs, 3)
}

func TestHandler_DecideLabelZero(t *testing.T) {
	r, _, _ := setupHandlerRouter(t, false)

	w := postDecision(t, r, map[string]any{"source": "10.0.0.1", "label": 0})
	require.Equal(t, http.StatusOK, w.Code)

	var resp DecideResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ActionAlert, resp.Decision.Action)
	assert.Equal(t, "Normal", resp.AttackType)
}

func TestHandler_DecideValidation(t *testing.T) {
	r, _, sink := setupHandlerRouter(t, false)

	cases := []any{
		map[string]any{"label": 1},
		map[string]any{"source": "", "label": 1},
		map[string]any{"source": "10.0.0.1"},
		map[string]any{"source": "bad\nsource", "label": 1},
		"not an object",
	}
	for _, body := range cases {
		w := postDecision(t, r, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "%v", body)
	}
	assert.Empty(t, sink.outs)
}

func TestHandler_DecideBindingRequiredFields(t *testing.T) {
	r, _, sink := setupHandlerRouter(t, false)

	cases := map[string]any{
		"missing source": map[string]any{"label": 1},
		"empty source":   map[string]any{"source": "", "label": 1},
		"missing label":  map[string]any{"source": "10.0.0.1"},
		"null label":     map[string]any{"source": "10.0.0.1", "label": nil},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := postDecision(t, r, body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), `"error":"invalid_request"`)
		})
	}
	assert.Empty(t, sink.outs)

	// label 0 is a value, not a missing field
	w := postDecision(t, r, map[string]any{"source": "10.0.0.1", "label": 0})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_GetSource(t *testing.T) {
	r, e, _ := setupHandlerRouter(t, false)
	e.Decide("10.0.0.1", 1, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sources/10.0.0.1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st SourceStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.RateLimited)
	assert.False(t, st.Blocked)
	require.NotNil(t, st.Threat)
	assert.Equal(t, 1, st.Threat.ViolationCount)
}

func TestHandler_GetSource_ExploitBlockOfFreshSource(t *testing.T) {
	r, e, _ := setupHandlerRouter(t, false)
	e.Decide("10.0.0.2", 2, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sources/10.0.0.2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st SourceStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Blocked)
	assert.False(t, st.RateLimited)
	require.NotNil(t, st.Threat, "the block flag lives on the threat state")
	assert.True(t, st.Threat.Blocked)
	assert.False(t, st.Threat.BlockedAt.IsZero())
	assert.Equal(t, 0, st.Threat.ViolationCount)
	assert.Contains(t, w.Body.String(), `"violationCount":0`)
}

func TestHandler_GetSource_InvalidSource(t *testing.T) {
	r, _, _ := setupHandlerRouter(t, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sources/bad$source", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_source")
}

func TestHandler_GetStats(t *testing.T) {
	r, e, _ := setupHandlerRouter(t, false)
	e.Decide("a", 2, "")
	e.Decide("b", 3, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.BlockedCount)
	assert.Equal(t, []string{"a"}, stats.BlockedList)
	assert.Equal(t, 1, stats.BlacklistedCount)
}

func TestHandler_GetPolicy(t *testing.T) {
	r, _, _ := setupHandlerRouter(t, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/policy", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		DosBlockThreshold int               `json:"dosBlockThreshold"`
		Labels            map[string]string `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.DosBlockThreshold)
	assert.Equal(t, "Exploit", resp.Labels["6"])
}

func TestHandler_Reset(t *testing.T) {
	r, e, _ := setupHandlerRouter(t, true)
	e.Decide("a", 2, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reset", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, e.IsBlocked("a"))
}

func TestHandler_ResetWithoutAdminPrincipal(t *testing.T) {
	r, e, _ := setupHandlerRouter(t, false)
	e.Decide("a", 2, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reset", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, e.IsBlocked("a"))
}
