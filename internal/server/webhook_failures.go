package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
)

// ListWebhookFailures is the operator queue; status=dead_letter narrows it
// to exhausted retries.
func (s *Server) ListWebhookFailures(c *gin.Context) {
	var req webhookservice.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.webhooks.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Failures,
		"counts":    resp.Counts,
		"page_info": resp.PageInfo,
	})
}

// ReprocessWebhookFailure replays a stored delivery. A replay that fails
// again keeps the row where it was and reports the error.
func (s *Server) ReprocessWebhookFailure(c *gin.Context) {
	failureID, err := pathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor, _ := operatorFromContext(c)

	result, err := s.webhooks.Replay(c.Request.Context(), failureID, actor.ID)
	if err != nil {
		if result.Failure != nil && !isConflictError(err) {
			status, payload := mapError(err)
			setRetryAfter(c, err)
			_ = c.Error(err)
			c.AbortWithStatusJSON(status, gin.H{"data": result, "error": payload})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
