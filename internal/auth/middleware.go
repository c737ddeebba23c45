package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey holds the *APIKey of an authenticated detector.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyOwner holds the owner of that key.
	ContextKeyOwner = "authOwner"

	// AdminHeader carries the operator secret on admin routes.
	AdminHeader = "X-Admin-Secret"
)

type adminKey struct{}

// WithAdmin returns a context carrying an admin principal. Privileged
// operations deeper in the stack check for it with AdminFrom.
func WithAdmin(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, adminKey{}, principal)
}

// AdminFrom returns the admin principal carried by ctx, if any.
func AdminFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(adminKey{}).(string)
	return p, ok && p != ""
}

// rawKeyFrom reads the key from "Authorization: Bearer sk_..." or X-API-Key.
func rawKeyFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return h
	}
	return c.GetHeader("X-API-Key")
}

// Middleware resolves the detector key on the request, if any. It never
// rejects; RequireAuth does that on the routes that need a key.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := rawKeyFrom(c); raw != "" {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyOwner, key.Owner)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests Middleware could not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.Header("WWW-Authenticate", `Bearer realm="mitigator"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Detector API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin gates privileged routes such as reset and policy reload.
//
// With a non-empty secret the AdminHeader must match it. With an empty
// secret (development only; config validation refuses it in production)
// any authenticated detector key is accepted. On success the request
// context carries an admin principal.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, status := adminPrincipal(c, secret)
		if principal == "" {
			code := "forbidden"
			if status == http.StatusUnauthorized {
				code = "unauthorized"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   code,
				"message": "Admin access required",
			})
			return
		}
		c.Request = c.Request.WithContext(WithAdmin(c.Request.Context(), principal))
		c.Next()
	}
}

func adminPrincipal(c *gin.Context, secret string) (string, int) {
	if secret != "" {
		got := strings.TrimSpace(c.GetHeader(AdminHeader))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return "", http.StatusForbidden
		}
		return "admin-secret", 0
	}
	key, ok := GetAPIKey(c)
	if !ok {
		return "", http.StatusUnauthorized
	}
	return "key:" + key.ID, 0
}

// GetAPIKey returns the detector key resolved for this request.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := v.(*APIKey)
	return k, ok
}

// GetAuthenticatedOwner returns the owner of the key used on this request.
func GetAuthenticatedOwner(c *gin.Context) string {
	return c.GetString(ContextKeyOwner)
}

// IsAuthenticated reports whether Middleware accepted a key.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
