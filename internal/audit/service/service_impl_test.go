package service

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/audit/repository"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/dbtest"
	obscontext "github.com/smallbiznis/orderpay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newService(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC))
	return NewService(Params{
		DB:    dbtest.Open(t),
		Log:   zaptest.NewLogger(t),
		GenID: dbtest.Node(t),
		Clock: clk,
		Repo:  repository.Provide(),
	}), clk
}

func TestAuditLogResolvesActorFromContext(t *testing.T) {
	svc, _ := newService(t)
	ctx := obscontext.WithActor(context.Background(), obscontext.ActorTypeOperator, "alice")
	ctx = obscontext.WithRequestID(ctx, "req-7")
	ctx = obscontext.WithClient(ctx, "10.1.1.1", "curl/8")

	err := svc.AuditLog(ctx, auditdomain.Entry{
		Action:     auditdomain.ActionPaymentConfirmed,
		TargetType: "order",
		TargetID:   "42",
		Metadata: map[string]any{
			"from_status": "pending",
			"to_status":   "paid",
			"signature":   "sha256_abcdef123456",
		},
	})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetType: "order"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "operator", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "alice", *entry.ActorID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.1.1.1", *entry.IPAddress)
	assert.Equal(t, "req-7", entry.Metadata["request_id"])
	assert.Equal(t, "paid", entry.Metadata["to_status"])
	assert.Equal(t, "sha256_****3456", entry.Metadata["signature"])
}

func TestAuditLogDefaultsToSystemActor(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.AuditLog(context.Background(), auditdomain.Entry{Action: auditdomain.ActionPaymentApplied}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "system", resp.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)

	require.ErrorIs(t, svc.AuditLog(context.Background(), auditdomain.Entry{}), auditdomain.ErrInvalidAction)
}

func TestListPaginates(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{Action: auditdomain.ActionOrderNoteAdded, TargetType: "order"}))
		clk.Advance(time.Second)
	}

	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2
	first, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	require.True(t, first.HasMore)

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	require.False(t, second.HasMore)
	assert.True(t, second.AuditLogs[0].CreatedAt.Before(first.AuditLogs[1].CreatedAt))

	req.PageToken = "%%%"
	_, err = svc.List(ctx, req)
	require.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
