package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidSource(t *testing.T) {
	tests := []struct {
		src   string
		valid bool
	}{
		{"203.0.113.5", true},
		{"2001:db8::1", true},
		{"[2001:db8::1]", true},
		{"fe80::1%eth0", true},
		{"edge-gw.example.com", true},
		{"agent_7@site-3", true},

		// Invalid cases
		{"", false},
		{"10.0.0.0/8", false},
		{"bad source", false},
		{"line\nbreak", false},
		{"nul\x00", false},
		{strings.Repeat("a", MaxSourceLength+1), false},
	}

	for _, tc := range tests {
		result := IsValidSource(tc.src)
		if result != tc.valid {
			t.Errorf("IsValidSource(%q) = %v, want %v", tc.src, result, tc.valid)
		}
	}
}

func TestNormalizeSource(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"203.0.113.5", "203.0.113.5"},
		{"  203.0.113.5  ", "203.0.113.5"},
		{"::ffff:10.0.0.1", "10.0.0.1"},
		{"2001:DB8:0:0::1", "2001:db8::1"},
		{"Edge-GW", "Edge-GW"},
	}

	for _, tc := range tests {
		result := NormalizeSource(tc.input)
		if result != tc.expected {
			t.Errorf("NormalizeSource(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate_CollectsInOrder(t *testing.T) {
	assert.Empty(t, Validate(Required("source", "10.0.0.1"), ValidSource("source", "10.0.0.1")))

	errs := Validate(
		Required("source", ""),
		ValidSource("other", "not valid"),
		Present("label", false),
	)
	require.Len(t, errs, 3)
	assert.Equal(t, "source: is required", errs.Error())
	assert.Equal(t, "label", errs[2].Field)
	assert.Equal(t, "validation failed", Errors(nil).Error())
}

func TestValidSource_EmptyDefersToRequired(t *testing.T) {
	assert.Nil(t, ValidSource("source", "")())
}

func TestMaxLength(t *testing.T) {
	assert.Nil(t, MaxLength("field", "hello", 10)())
	assert.Nil(t, MaxLength("field", "hello", 5)(), "at the limit")
	assert.NotNil(t, MaxLength("field", "hello world", 5)())
}

func TestNonNegative(t *testing.T) {
	assert.Nil(t, NonNegative("score", 0)())
	assert.Nil(t, NonNegative("score", 0.97)())
	assert.NotNil(t, NonNegative("score", -0.1)())
	assert.NotNil(t, NonNegative("score", math.NaN())())
	assert.NotNil(t, NonNegative("score", math.Inf(1))())
}

func TestCheckDetection(t *testing.T) {
	cases := []struct {
		name      string
		source    string
		hasLabel  bool
		sessionID string
		score     float64
		requests  int
		field     string
	}{
		{name: "ok", source: "203.0.113.5", hasLabel: true, score: 0.8, requests: 12},
		{name: "unknown label is still ok", source: "192.0.2.77", hasLabel: true},
		{name: "missing source", hasLabel: true, field: "source"},
		{name: "bad source", source: "a b", hasLabel: true, field: "source"},
		{name: "missing label", source: "10.0.0.1", field: "label"},
		{name: "long session", source: "10.0.0.1", hasLabel: true, sessionID: strings.Repeat("s", MaxSessionIDLength+1), field: "sessionId"},
		{name: "negative score", source: "10.0.0.1", hasLabel: true, score: -1, field: "score"},
		{name: "negative requests", source: "10.0.0.1", hasLabel: true, requests: -3, field: "requests"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := CheckDetection(tc.source, tc.hasLabel, tc.sessionID, tc.score, tc.requests)
			if tc.field == "" {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			assert.Equal(t, tc.field, errs[0].Field)
		})
	}
}

func TestSourceParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/sources/:source", SourceParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sources/10.0.0.1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sources/bad%20src", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"source":"10.0.0.1"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}
