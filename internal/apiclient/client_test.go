package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_AuthHeaders(t *testing.T) {
	var gotAuth, gotAdmin string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAdmin = r.Header.Get("X-Admin-Secret")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := New(Config{APIURL: ts.URL, APIKey: "sk_secret123", AdminSecret: "hunter2"})

	_, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
	assert.Empty(t, gotAdmin, "admin secret must only go to admin routes")

	_, err = c.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hunter2", gotAdmin)
}

func TestClient_NoKey(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).GetPolicy(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "forbidden",
			"message": "Admin access required",
		})
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).Reset(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "forbidden", apiErr.Code)
	assert.Contains(t, err.Error(), "Admin access required")
}

func TestClient_APIError_PlainBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).GetStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_Decide(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/decisions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"decision":"blocked"}`))
	}))
	defer ts.Close()

	raw, err := New(Config{APIURL: ts.URL}).Decide(context.Background(), DecideRequest{
		Source: "10.0.0.1", Label: 3, SessionID: "s1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"blocked"}`, string(raw))
	assert.Equal(t, "10.0.0.1", body["source"])
	assert.Equal(t, float64(3), body["label"])
	assert.Equal(t, "s1", body["sessionId"])
	_, hasScore := body["score"]
	assert.False(t, hasScore, "zero score is omitted")
}

func TestClient_Decide_BenignLabelIsSent(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).Decide(context.Background(), DecideRequest{Source: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, float64(0), body["label"])
}

func TestClient_GetSource_EscapesPath(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).GetSource(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v1/sources/a%2Fb", gotPath)
}

func TestClient_ListDecisions_Query(t *testing.T) {
	var gotQuery map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/decisions", r.URL.Path)
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"decisions":[]}`))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).ListDecisions(context.Background(), DecisionQuery{
		Source: "10.0.0.1", Action: "blocked", Limit: 5, Cursor: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, gotQuery["source"])
	assert.Equal(t, []string{"blocked"}, gotQuery["action"])
	assert.Equal(t, []string{"5"}, gotQuery["limit"])
	assert.Equal(t, []string{"abc"}, gotQuery["cursor"])
}

func TestClient_ListDecisions_NoFilters(t *testing.T) {
	var rawQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).ListDecisions(context.Background(), DecisionQuery{})
	require.NoError(t, err)
	assert.Empty(t, rawQuery)
}

func TestClient_RecentLogs(t *testing.T) {
	var gotPath, gotLines string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLines = r.URL.Query().Get("lines")
		_, _ = w.Write([]byte(`{"lines":[]}`))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).RecentLogs(context.Background(), "threat", 20)
	require.NoError(t, err)
	assert.Equal(t, "/v1/logs/threat", gotPath)
	assert.Equal(t, "20", gotLines)
}

func TestClient_AdminRoutes(t *testing.T) {
	type call struct{ method, path string }
	var got []call
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, call{r.Method, r.URL.Path})
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := New(Config{APIURL: ts.URL, AdminSecret: "s"})
	ctx := context.Background()
	_, err := c.Reset(ctx)
	require.NoError(t, err)
	_, err = c.ClearLogs(ctx)
	require.NoError(t, err)
	_, err = c.ReloadPolicy(ctx)
	require.NoError(t, err)

	assert.Equal(t, []call{
		{http.MethodPost, "/v1/admin/reset"},
		{http.MethodDelete, "/v1/admin/logs"},
		{http.MethodPost, "/v1/admin/policy/reload"},
	}, got)
}

func TestClient_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL, Timeout: 20 * time.Millisecond}).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{APIURL: ts.URL}).GetStats(ctx)
	require.Error(t, err)
}
