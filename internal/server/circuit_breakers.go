package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"go.uber.org/zap"
)

func (s *Server) ListCircuitBreakers(c *gin.Context) {
	snapshots := s.breakers.Snapshots()
	c.JSON(http.StatusOK, gin.H{"data": snapshots})
}

// ResetCircuitBreaker closes a breaker ahead of its reset timeout, for when
// the operator knows the dependency has recovered.
func (s *Server) ResetCircuitBreaker(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	before, ok := findSnapshot(s.breakers.Snapshots(), name)
	if !ok || !s.breakers.Reset(name) {
		AbortWithError(c, ErrNotFound)
		return
	}
	after, _ := findSnapshot(s.breakers.Snapshots(), name)

	actor, _ := operatorFromContext(c)
	s.log.Warn("circuit breaker reset by operator",
		zap.String("breaker", name),
		zap.String("from_state", before.State),
		zap.String("operator", actor.ID),
	)
	if err := s.auditSvc.AuditLog(c.Request.Context(), auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeOperator),
		ActorID:    actor.ID,
		Action:     auditdomain.ActionCircuitBreakerReset,
		TargetType: "circuit_breaker",
		TargetID:   name,
		Metadata: map[string]any{
			"from_state":    before.State,
			"to_state":      after.State,
			"failure_count": before.FailureCount,
		},
	}); err != nil {
		s.log.Warn("audit circuit breaker reset", zap.String("breaker", name), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"data": after})
}

func findSnapshot(snapshots []circuitbreaker.Snapshot, name string) (circuitbreaker.Snapshot, bool) {
	for _, snap := range snapshots {
		if snap.Name == name {
			return snap, true
		}
	}
	return circuitbreaker.Snapshot{}, false
}
