package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/droverhq/drover/pkg/billing"
)

// WebhookSink applies billing provider webhooks.
// *billing.WebhookProcessor satisfies it.
type WebhookSink interface {
	Process(ctx context.Context, evt billing.WebhookEvent) error
}

// WebhookRequest is a provider billing notification. Signature
// verification happens at the edge; this endpoint trusts its caller.
type WebhookRequest struct {
	ID      string         `json:"id" binding:"required"`
	Type    string         `json:"type" binding:"required"`
	Payload map[string]any `json:"payload"`
}

// webhookHandler handles POST /api/v1/billing/webhooks.
// A retryable outcome maps to 503 so the provider redelivers; the dedup
// gate makes redelivery safe.
func (s *Server) webhookHandler(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	err := s.webhooks.Process(c.Request.Context(), billing.WebhookEvent{
		ID:      req.ID,
		Type:    req.Type,
		Payload: req.Payload,
	})
	switch {
	case errors.Is(err, billing.ErrWebhookRetry):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "delivery in progress, retry later"})
	case err != nil:
		s.logger.Error("Webhook processing failed", "event_id", req.ID, "type", req.Type, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "webhook processing failed"})
	default:
		c.JSON(http.StatusOK, &WebhookResponse{EventID: req.ID, Status: "processed"})
	}
}
