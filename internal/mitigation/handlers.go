package mitigation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mitigator/internal/logging"
	"github.com/mbd888/mitigator/internal/traces"
	"github.com/mbd888/mitigator/internal/validation"
)

// Sink receives every outcome the HTTP surface produces. Implementations
// must not block.
type Sink interface {
	Send(Outcome)
}

// Handler provides HTTP endpoints for decisions and state queries.
type Handler struct {
	engine *Engine
	sink   Sink
}

// NewHandler creates a new mitigation handler. sink may be nil.
func NewHandler(engine *Engine, sink Sink) *Handler {
	return &Handler{engine: engine, sink: sink}
}

// RegisterRoutes sets up detector-facing and read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sources/:source", validation.SourceParamMiddleware(), h.GetSource)
	r.GET("/stats", h.GetStats)
	r.GET("/policy", h.GetPolicy)
}

// RegisterDecisionRoutes sets up the decision route. It is separate so the
// caller can put detector authentication in front of it.
func (h *Handler) RegisterDecisionRoutes(r *gin.RouterGroup) {
	r.POST("/decisions", h.Decide)
}

// RegisterAdminRoutes sets up privileged routes. r must be behind RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reset", h.Reset)
}

// DecideRequest is the body of POST /decisions.
type DecideRequest struct {
	Source    string  `json:"source" binding:"required"`
	Label     *int    `json:"label" binding:"required"`
	SessionID string  `json:"sessionId"`
	Score     float64 `json:"score"`
	Requests  int     `json:"requests"`
}

// DecideResponse is returned by POST /decisions.
type DecideResponse struct {
	Decision       Decision `json:"decision"`
	Source         string   `json:"source"`
	Category       Category `json:"category"`
	AttackType     string   `json:"attackType"`
	ViolationCount int      `json:"violationCount,omitempty"`
}

// Decide handles POST /decisions
func (h *Handler) Decide(c *gin.Context) {
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Source = validation.NormalizeSource(req.Source)

	if errs := validation.CheckDetection(req.Source, req.Label != nil, req.SessionID, req.Score, req.Requests); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "mitigation.Decide",
		traces.Source(req.Source),
		traces.Label(*req.Label),
	)
	defer span.End()

	out := h.engine.Evaluate(Detection{
		Source:    req.Source,
		Label:     *req.Label,
		SessionID: req.SessionID,
		Score:     req.Score,
		Requests:  req.Requests,
	})
	traces.RecordDecision(span, string(out.Action), out.Reason, out.Category.String(), out.ViolationCount)

	if h.sink != nil {
		h.sink.Send(out)
	}

	logging.L(ctx).Debug("decision",
		"source", out.Source,
		"label", out.Label,
		"category", out.Category.String(),
		"action", out.Action,
	)

	c.JSON(http.StatusOK, DecideResponse{
		Decision:       out.Decision,
		Source:         out.Source,
		Category:       out.Category,
		AttackType:     out.AttackType,
		ViolationCount: out.ViolationCount,
	})
}

// GetSource handles GET /sources/:source. The param is checked by
// validation.SourceParamMiddleware.
func (h *Handler) GetSource(c *gin.Context) {
	source := validation.NormalizeSource(c.Param("source"))
	c.JSON(http.StatusOK, h.engine.Status(source))
}

// GetStats handles GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

// GetPolicy handles GET /policy
func (h *Handler) GetPolicy(c *gin.Context) {
	p := h.engine.Policy()
	labels := make(map[int]string, len(p.Labels))
	for label, category := range p.Labels {
		labels[label] = category.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"dosBlockThreshold": p.DosBlockThreshold,
		"blockTtl":          p.BlockTTL.String(),
		"rateLimitTtl":      p.RateLimitTTL.String(),
		"labels":            labels,
	})
}

// Reset handles POST /admin/reset
func (h *Handler) Reset(c *gin.Context) {
	if err := h.engine.ResetAll(c.Request.Context()); err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reset_failed",
			"message": "Failed to reset mitigation state",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "reset",
		"stats":  h.engine.Stats(),
	})
}
