package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	obscontext "github.com/smallbiznis/orderpay/internal/observability/context"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
)

const maxWebhookBodyBytes = 1 << 20

// HandlePaymentWebhook verifies the raw body against its signature before
// anything parses it. A delivery whose reconciliation fails is stored for
// retry and answered with its failure id.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil || len(payload) > maxWebhookBodyBytes {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeWebhook), provider)
	resp, err := s.webhooks.Ingest(ctx, webhookservice.Delivery{
		RequestID: requestIDFromHeaders(c),
		Provider:  provider,
		RawBody:   payload,
		Headers:   canonicalHeaders(c.Request.Header),
	})
	if err == nil {
		c.JSON(http.StatusOK, resp)
		return
	}
	if resp.FailureID == "" {
		AbortWithError(c, err)
		return
	}

	// Permanent failures map to 4xx, transient ones to 5xx.
	status, body := mapError(err)
	setRetryAfter(c, err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"success":    false,
		"status":     resp.Status,
		"failure_id": resp.FailureID,
		"error":      body,
	})
}

type paymentReturnQuery struct {
	PaymentID string `form:"payment_id"`
	OrderID   string `form:"order_id"`
}

// HandlePaymentReturn reconciles when the customer lands back from the
// payment page. Losing the race to the webhook yields a duplicate.
func (s *Server) HandlePaymentReturn(c *gin.Context) {
	var query paymentReturnQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paymentID := strings.TrimSpace(query.PaymentID)
	if paymentID == "" {
		AbortWithError(c, newValidationError("payment_id", "required", "payment_id is required"))
		return
	}

	ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeSystem), "redirect")
	result, err := s.reconciler.ConfirmFromRedirect(ctx, paymentID, strings.TrimSpace(query.OrderID))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func requestIDFromHeaders(c *gin.Context) string {
	for _, key := range []string{"X-Webhook-Id", "X-Request-Id"} {
		if value := strings.TrimSpace(c.GetHeader(key)); value != "" {
			return value
		}
	}
	return ""
}

// canonicalHeaders flattens the request headers to their first value under
// canonical MIME keys.
func canonicalHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[http.CanonicalHeaderKey(key)] = values[0]
	}
	return out
}
