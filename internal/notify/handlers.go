package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/security"
)

// Handler exposes subscription management endpoints.
type Handler struct {
	store Store
}

// NewHandler creates a subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", h.CreateSubscription)
	r.GET("/notifications/subscriptions", h.ListSubscriptions)
	r.DELETE("/notifications/subscriptions/:subscriptionId", h.DeleteSubscription)
}

// CreateSubscriptionRequest registers a delivery endpoint.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /notifications/subscriptions.
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		if !KnownEvent(e) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, EventType(e))
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    auth.UserID(c),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		// Shown once; receivers verify X-Escrow-Signature with it.
		"secret": secret,
	})
}

// ListSubscriptions handles GET /notifications/subscriptions.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// DeleteSubscription handles DELETE /notifications/subscriptions/:subscriptionId.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("subscriptionId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
		return
	}
	if sub.UserID != auth.UserID(c) && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not your subscription",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
