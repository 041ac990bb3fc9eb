package alerts

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tollguard/internal/logging"
	"github.com/mbd888/tollguard/internal/pagination"
)

// Handler serves the alert log.
type Handler struct {
	store Store
}

// NewHandler creates a new alerts handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up alert routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
}

// ListAlerts returns the most recent alerts. Query: limit (default 100, max
// 500), cursor (from a previous next_cursor).
func (h *Handler) ListAlerts(c *gin.Context) {
	ctx := c.Request.Context()

	limit := DefaultListLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxListLimit)
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}
	var before int64
	if cursor != nil {
		before = cursor.ID
	}

	items, err := h.store.ListBefore(ctx, before, limit+1)
	if err != nil {
		logging.L(ctx).Error("list alerts failed", "error", err)
		status, code := http.StatusInternalServerError, "internal_error"
		if errors.Is(err, ErrStoreUnavailable) {
			status, code = http.StatusServiceUnavailable, "store_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": "alert store unavailable"})
		return
	}

	page, next, more := pagination.ComputePage(items, limit, func(a *Alert) (time.Time, int64) {
		return a.CreatedAt, a.ID
	})
	if page == nil {
		page = []*Alert{}
	}
	resp := gin.H{
		"alerts":   page,
		"count":    len(page),
		"has_more": more,
	}
	if more {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
