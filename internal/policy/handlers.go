package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes policy reload over HTTP.
type Handler struct {
	reloader *Reloader
}

// NewHandler creates a new policy handler.
func NewHandler(reloader *Reloader) *Handler {
	return &Handler{reloader: reloader}
}

// RegisterAdminRoutes sets up policy routes. r must be behind RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/policy/reload", h.Reload)
	r.GET("/policy/status", h.Status)
}

// Reload handles POST /admin/policy/reload
func (h *Handler) Reload(c *gin.Context) {
	if err := h.reloader.Reload("api"); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
			"status":  h.reloader.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, h.reloader.Status())
}

// Status handles GET /admin/policy/status
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.reloader.Status())
}
