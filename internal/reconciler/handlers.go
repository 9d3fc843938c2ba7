package reconciler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/gateway"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/validation"
)

// Handler receives gateway webhooks over HTTP. The route it registers
// must stay outside API-key auth: the gateway authenticates with its
// signature header instead.
type Handler struct {
	verifier   gateway.WebhookVerifier
	reconciler *Reconciler
}

// NewHandler creates a webhook handler.
func NewHandler(verifier gateway.WebhookVerifier, reconciler *Reconciler) *Handler {
	return &Handler{verifier: verifier, reconciler: reconciler}
}

// RegisterRoutes registers the webhook endpoint on the given group.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/payment-gateway", h.handleWebhook)
}

func (h *Handler) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "could not read request body",
		})
		return
	}

	event, err := h.verifier.VerifyWebhookSignature(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		log.Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	switch err := h.reconciler.HandleEvent(ctx, event); {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
	default:
		// A 5xx makes the gateway redeliver; the failed claim row lets
		// the retry through.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be applied",
		})
	}
}
