package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up public auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", h.WhoAmI)
}

// RegisterAdminRoutes sets up key management routes. r must be behind RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.CreateKey)
	r.GET("/keys", h.ListKeys)
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":        "api_key",
		"header":      "Authorization: Bearer sk_...",
		"altHeader":   "X-API-Key: sk_...",
		"adminHeader": "X-Admin-Secret",
		"publicEndpoints": []string{
			"GET /v1/sources/:source",
			"GET /v1/stats",
			"GET /v1/policy",
			"GET /v1/decisions",
			"GET /v1/logs/:kind",
		},
		"protectedEndpoints": []string{
			"POST /v1/decisions",
		},
		"adminEndpoints": []string{
			"POST /v1/admin/reset",
			"POST /v1/admin/policy/reload",
			"DELETE /v1/admin/logs",
			"POST /v1/admin/webhooks",
			"POST /v1/admin/keys",
		},
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Owner string `json:"owner" binding:"required"`
	Name  string `json:"name"`
}

// CreateKey issues a key for a detector or operator
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "owner is required",
		})
		return
	}
	if req.Name == "" {
		req.Name = "detector key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Owner, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"owner":   key.Owner,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for ?owner=
func (h *Handler) ListKeys(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "owner query parameter is required",
		})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// RevokeKey revokes an API key. ?owner= is required.
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	owner := c.Query("owner")

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, owner); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "Key not found or already revoked",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "revoke_failed",
			"message": "Failed to revoke key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// WhoAmI returns info about the key on this request
func (h *Handler) WhoAmI(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":     key.Owner,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
