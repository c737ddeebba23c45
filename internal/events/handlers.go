package events

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mitigator/internal/logging"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/pagination"
	"github.com/mbd888/mitigator/internal/validation"
)

const (
	maxListLimit = 500
	maxLogLines  = 1000
)

// Getter reads a single decision event.
type Getter interface {
	Get(ctx context.Context, id string) (*Event, error)
}

// Handler serves the decision log and the text logs.
type Handler struct {
	log  Lister
	text *TextLog
}

// NewHandler creates a new events handler. text may be nil when text logs
// are disabled.
func NewHandler(log Lister, text *TextLog) *Handler {
	return &Handler{log: log, text: text}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/decisions", h.ListDecisions)
	r.GET("/decisions/:id", h.GetDecision)
	r.GET("/logs/:kind", h.RecentLogs)
}

// RegisterAdminRoutes sets up routes that must be behind RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.DELETE("/logs", h.ClearLogs)
}

// ListDecisions handles GET /decisions?limit=&cursor=&source=&action=
func (h *Handler) ListDecisions(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"), DefaultListLimit, maxListLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": err.Error(),
		})
		return
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		if _, err := pagination.Decode(cursor); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": err.Error(),
			})
			return
		}
		opts = append(opts, WithCursor(cursor))
	}
	if action := c.Query("action"); action != "" {
		opts = append(opts, WithAction(mitigation.Action(action)))
	}

	source := validation.NormalizeSource(c.Query("source"))
	if source != "" && !validation.IsValidSource(source) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_source",
			"message": "source filter is not a valid source identity",
		})
		return
	}

	items, err := h.log.List(c.Request.Context(), source, limit+1, opts...)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list decisions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list decisions",
		})
		return
	}

	items, next, hasMore := pagination.Page(items, limit, pageKey)
	if items == nil {
		items = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"decisions":  items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetDecision handles GET /decisions/:id
func (h *Handler) GetDecision(c *gin.Context) {
	g, ok := h.log.(Getter)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "Decision lookup is not supported by this log",
		})
		return
	}
	ev, err := g.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Decision not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get decision", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get decision",
		})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// RecentLogs handles GET /logs/:kind?lines=N
func (h *Handler) RecentLogs(c *gin.Context) {
	if h.text == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "logs_disabled",
			"message": "Text logs are not enabled",
		})
		return
	}
	lines := 10
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_lines",
				"message": "lines must be a positive integer",
			})
			return
		}
		lines = min(n, maxLogLines)
	}

	kind := c.Param("kind")
	if _, ok := logFiles[kind]; !ok {
		kind = LogActivity
	}
	entries, err := h.text.Recent(kind, lines)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to read log", "kind", kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read log",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"kind":    kind,
		"entries": entries,
		"count":   len(entries),
	})
}

// ClearLogs handles DELETE /admin/logs
func (h *Handler) ClearLogs(c *gin.Context) {
	if h.text == nil {
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
		return
	}
	if err := h.text.Clear(); err != nil {
		logging.L(c.Request.Context()).Error("failed to clear logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to clear logs",
		})
		return
	}
	logging.L(c.Request.Context()).Warn("text logs cleared")
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
