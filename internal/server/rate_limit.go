package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/orderpay/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonOperatorRate = "operator-rate"

// OperatorRateLimit throttles admin calls per operator. It runs after
// OperatorRequired so the bucket key is the authenticated subject.
func (s *Server) OperatorRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		actor, ok := operatorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.limiter.Allow(ctx, actor.ID)
		if err != nil {
			logger.FromContext(ctx).Warn("operator rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			seconds := int(math.Ceil(result.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonOperatorRate)
			logger.FromContext(ctx).Warn("operator rate limited",
				zap.String("operator", actor.ID),
				zap.String("endpoint", endpoint),
			)
			AbortWithError(c, ErrRateLimited)
			return
		}
		s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	route := strings.TrimSpace(c.FullPath())
	if route == "" {
		route = "unknown"
	}
	return c.Request.Method + " " + route
}
