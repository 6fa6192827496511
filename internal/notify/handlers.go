package notify

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes the queue to the external delivery consumer.
type Handler struct {
	store Store
}

// NewHandler creates a new notification handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up consumer routes. Mount behind admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/notifications/pending", h.ListPending)
	r.POST("/notifications/:id/sent", h.MarkSent)
}

// ListPending handles GET /v1/admin/notifications/pending?limit=N
func (h *Handler) ListPending(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, 500)
	}

	items, err := h.store.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	if items == nil {
		items = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "count": len(items)})
}

// MarkSent handles POST /v1/admin/notifications/:id/sent
func (h *Handler) MarkSent(c *gin.Context) {
	err := h.store.MarkSent(c.Request.Context(), c.Param("id"), time.Now())
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Notification not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": StatusSent})
}
