package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func corsRouter(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(CORSMiddleware(origins))
	r.GET("/v1/stats", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"blockedCount": 0}) })
	return r
}

func send(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/stats", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(HeadersMiddleware())
	r.GET("/v1/sources/:source", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sources/10.0.0.1", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORS_ListedOrigin(t *testing.T) {
	r := corsRouter([]string{"https://soc.example.com/"})

	w := send(r, http.MethodGet, "https://soc.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://soc.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestCORS_UnlistedOrigin(t *testing.T) {
	r := corsRouter([]string{"https://soc.example.com"})

	w := send(r, http.MethodGet, "https://evil.example")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = send(r, http.MethodOptions, "https://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORS_WildcardHasNoCredentials(t *testing.T) {
	for _, origins := range [][]string{{"*"}, nil} {
		w := send(corsRouter(origins), http.MethodGet, "https://anything.example")
		assert.Equal(t, "https://anything.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	}
}

func TestCORS_Preflight(t *testing.T) {
	w := send(corsRouter([]string{"*"}), http.MethodOptions, "https://soc.example.com")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Admin-Secret")
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_NoOriginPassesThrough(t *testing.T) {
	w := send(corsRouter([]string{"https://soc.example.com"}), http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Vary"))
}
