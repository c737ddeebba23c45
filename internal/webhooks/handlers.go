package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mitigator/internal/idgen"
	"github.com/mbd888/mitigator/internal/logging"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/validation"
)

const maxDescriptionLength = 500

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterAdminRoutes sets up webhook routes. r must be behind RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/webhooks/:webhookId/test", h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL         string   `json:"url" binding:"required"`
	Actions     []string `json:"actions"`
	Description string   `json:"description"`
}

var knownActions = map[mitigation.Action]bool{
	mitigation.ActionBlocked:           true,
	mitigation.ActionRateLimited:       true,
	mitigation.ActionMonitored:         true,
	mitigation.ActionSessionTerminated: true,
	mitigation.ActionAlert:             true,
}

// CreateWebhook handles POST /admin/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.dispatcher.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	actions := make([]mitigation.Action, 0, len(req.Actions))
	for _, a := range req.Actions {
		action := mitigation.Action(a)
		if !knownActions[action] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_action",
				"message": "Unknown action: " + a,
			})
			return
		}
		actions = append(actions, action)
	}

	secret, err := generateSecret()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	sub := &Subscription{
		ID:          idgen.WithPrefix("wh_"),
		URL:         req.URL,
		Secret:      secret,
		Actions:     actions,
		Description: validation.SanitizeString(req.Description, maxDescriptionLength),
		Active:      true,
		CreatedAt:   time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("failed to create webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Mitigator-Signature",
		},
	})
}

// ListWebhooks handles GET /admin/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
	})
}

// DeleteWebhook handles DELETE /admin/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	webhookID := c.Param("webhookId")

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// TestWebhook handles POST /admin/webhooks/:webhookId/test
func (h *Handler) TestWebhook(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load webhook",
		})
		return
	}

	if err := h.dispatcher.SendTest(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "delivery_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
