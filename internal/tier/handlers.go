package tier

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/logging"
)

// Handler provides HTTP endpoints for the request gate and tier admin.
type Handler struct {
	service *Service
}

// NewHandler creates a new tier handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the request gate routes used by the orchestration layer.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/snapshot", h.GetSnapshot)
	r.POST("/gate/decide", h.Decide)
	r.POST("/gate/charge", h.Charge)
	r.POST("/gate/refund", h.Refund)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/sweep", h.Sweep)
	r.POST("/users/:userId/downgrade", h.Downgrade)
	r.POST("/users/:userId/grace", h.StartGrace)
	r.GET("/users/:userId/transitions", h.ListTransitions)
}

// DecideRequest is the body of POST /v1/gate/decide.
type DecideRequest struct {
	UserID  string `json:"userId" binding:"required"`
	ModelID string `json:"modelId" binding:"required"`
}

// DowngradeRequest is the optional body of POST /v1/admin/users/:userId/downgrade.
type DowngradeRequest struct {
	Reason ledger.Reason `json:"reason"`
}

// GraceRequest is the optional body of POST /v1/admin/users/:userId/grace.
type GraceRequest struct {
	Hours int `json:"hours"`
}

// GetSnapshot handles GET /v1/users/:userId/snapshot
func (h *Handler) GetSnapshot(c *gin.Context) {
	userID := c.Param("userId")
	ctx := logging.WithUserID(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"snapshot": h.service.Snapshot(ctx, userID)})
}

// Decide handles POST /v1/gate/decide
func (h *Handler) Decide(c *gin.Context) {
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := logging.WithUserID(c.Request.Context(), req.UserID)
	snap, d := h.service.Decide(ctx, req.UserID, req.ModelID)
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "decision": d})
}

// Charge handles POST /v1/gate/charge
func (h *Handler) Charge(c *gin.Context) {
	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := logging.WithUserID(c.Request.Context(), req.UserID)
	res, err := h.service.Charge(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Refund handles POST /v1/gate/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := logging.WithUserID(c.Request.Context(), req.UserID)
	res, err := h.service.Refund(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Sweep handles POST /v1/admin/sweep
func (h *Handler) Sweep(c *gin.Context) {
	n, err := h.service.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      "sweep_incomplete",
			"message":    err.Error(),
			"downgraded": n,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"downgraded": n})
}

// Downgrade handles POST /v1/admin/users/:userId/downgrade
func (h *Handler) Downgrade(c *gin.Context) {
	req := DowngradeRequest{Reason: ledger.ReasonManual}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if req.Reason == "" {
			req.Reason = ledger.ReasonManual
		}
	}
	if !req.Reason.IsDowngrade() {
		badRequest(c, "reason must be one of manual, depletion, grace_expired")
		return
	}

	res, err := h.service.FinalizeDowngrade(c.Request.Context(), c.Param("userId"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, gin.H{"transitioned": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transitioned": true,
		"account":      res.Account,
		"event":        res.Event,
		"forfeited":    res.Forfeited,
	})
}

// StartGrace handles POST /v1/admin/users/:userId/grace
func (h *Handler) StartGrace(c *gin.Context) {
	var req GraceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.Hours < 0 {
		badRequest(c, "hours must not be negative")
		return
	}
	res, err := h.service.StartGracePeriod(c.Request.Context(), c.Param("userId"), req.Hours)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": res.Started, "account": res.Account})
}

// ListTransitions handles GET /v1/admin/users/:userId/transitions?limit=N
func (h *Handler) ListTransitions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	events, err := h.service.Transitions(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*ledger.TransitionEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": events, "count": len(events)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

// writeError maps engine errors to stable HTTP responses.
func writeError(c *gin.Context, err error) {
	var denied *DeniedError
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "access_denied",
			"message":  denied.Decision.Reason,
			"decision": denied.Decision,
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_balance",
			"message": "Not enough tokens for this request",
		})
	case errors.Is(err, ErrInvalidCost), errors.Is(err, ErrInvalidUserID), errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidCurrency),
		errors.Is(err, ledger.ErrInvalidUserID), errors.Is(err, ledger.ErrInvalidPaymentRef),
		errors.Is(err, ledger.ErrInvalidReason):
		badRequest(c, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Account not found",
		})
	case errors.Is(err, ledger.ErrPaymentConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payment_conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Ledger temporarily unavailable; retry with the same request",
		})
	default:
		logging.L(c.Request.Context()).Error("tier request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

// WriteError exposes the error mapping to sibling HTTP packages.
func WriteError(c *gin.Context, err error) {
	writeError(c, err)
}
