package repository

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/orderpay/internal/dbtest"
	"github.com/smallbiznis/orderpay/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestClaimIsExclusive(t *testing.T) {
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	due := now.Add(-time.Second)

	f := &domain.Failure{
		ID:          node.Generate(),
		RequestID:   "req-claim",
		PaymentID:   "P1",
		Provider:    "rest",
		RawBody:     `{}`,
		Headers:     datatypes.JSONMap{},
		Status:      domain.FailureRetrying,
		NextRetryAt: &due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inserted, err := r.Insert(ctx, conn, f)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := *f
	dup.ID = node.Generate()
	inserted, err = r.Insert(ctx, conn, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	items, err := r.ListDue(ctx, conn, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	ok, err := r.Claim(ctx, conn, f.ID, 0, now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Claim(ctx, conn, f.ID, 0, now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	items, err = r.ListDue(ctx, conn, now, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRecordAndCount(t *testing.T) {
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	f := &domain.Failure{
		ID:        node.Generate(),
		RequestID: "req-record",
		PaymentID: "P2",
		RawBody:   `{}`,
		Headers:   datatypes.JSONMap{},
		Status:    domain.FailureRetrying,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.Insert(ctx, conn, f)
	require.NoError(t, err)

	require.NoError(t, r.Record(ctx, conn, f.ID, domain.Outcome{
		Status:     domain.FailureDeadLetter,
		RetryCount: 5,
		LastError:  "timeout",
		At:         now,
	}))

	got, err := r.FindByID(ctx, conn, f.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureDeadLetter, got.Status)
	assert.Equal(t, 5, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)
	assert.Nil(t, got.NextRetryAt)

	counts, err := r.CountByStatus(ctx, conn)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[domain.FailureDeadLetter])

	_, err = r.FindByRequestID(ctx, conn, "missing")
	require.ErrorIs(t, err, domain.ErrFailureNotFound)
}
