package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testBaseURL = "http://payments.example.com"

func newTestREST(t *testing.T) *REST {
	t.Helper()
	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(func() {
		gock.RestoreClient(client)
		gock.Off()
	})
	return NewREST(testBaseURL, "sk_test", client, zaptest.NewLogger(t))
}

func TestRESTFetchPayment(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func()
		wantErr   error
		skipped   bool
		want      *domain.Observation
	}{
		{
			name: "approved with numeric order id",
			setupMock: func() {
				gock.New(testBaseURL).
					Get("/payments/P1").
					MatchHeader("Authorization", "Bearer sk_test").
					Reply(200).
					JSON(map[string]any{"id": "P1", "status": "approved", "order_id": 42, "amount": 20000, "currency": "idr"})
			},
			want: &domain.Observation{PaymentID: "P1", Status: domain.StatusApproved, OrderRef: "42", Amount: 20000, Currency: "IDR", RawStatus: "approved"},
		},
		{
			name: "external reference fallback",
			setupMock: func() {
				gock.New(testBaseURL).
					Get("/payments/P1").
					Reply(200).
					JSON(map[string]any{"id": "P1", "status": "cancelled", "external_reference": "77"})
			},
			want: &domain.Observation{PaymentID: "P1", Status: domain.StatusCancelled, OrderRef: "77", RawStatus: "cancelled"},
		},
		{
			name: "not found is skipped",
			setupMock: func() {
				gock.New(testBaseURL).Get("/payments/P1").Reply(404)
			},
			wantErr: domain.ErrPaymentNotFound,
			skipped: true,
		},
		{
			name: "bad request is skipped",
			setupMock: func() {
				gock.New(testBaseURL).Get("/payments/P1").Reply(400)
			},
			wantErr: domain.ErrGatewayResponse,
			skipped: true,
		},
		{
			name: "server error counts",
			setupMock: func() {
				gock.New(testBaseURL).Get("/payments/P1").Reply(502)
			},
			wantErr: domain.ErrGatewayUnavailable,
		},
		{
			name: "unknown status",
			setupMock: func() {
				gock.New(testBaseURL).Get("/payments/P1").Reply(200).JSON(map[string]any{"id": "P1", "status": "mystery"})
			},
			wantErr: domain.ErrInvalidStatus,
			skipped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestREST(t)
			tt.setupMock()

			got, err := g.FetchPayment(context.Background(), "P1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.skipped, circuitbreaker.IsSkipped(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, gock.IsDone())
		})
	}
}

func TestGuardedOpensOnServerErrors(t *testing.T) {
	g := newTestREST(t)
	gock.New(testBaseURL).Get("/payments/P9").Times(2).Reply(503)

	breaker := circuitbreaker.New("payment_api", circuitbreaker.Settings{FailureThreshold: 2, ResetTimeout: time.Minute},
		clock.NewFakeClock(time.Now()))
	guarded := NewGuarded(g, breaker, time.Second)

	for i := 0; i < 2; i++ {
		_, err := guarded.FetchPayment(context.Background(), "P9")
		require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	}
	_, err := guarded.FetchPayment(context.Background(), "P9")
	require.ErrorIs(t, err, circuitbreaker.ErrBreakerOpen)
	require.Equal(t, "rest", guarded.Name())
}

func TestGuardedIgnoresNotFound(t *testing.T) {
	g := newTestREST(t)
	gock.New(testBaseURL).Get("/payments/missing").Times(3).Reply(404)

	breaker := circuitbreaker.New("payment_api", circuitbreaker.Settings{FailureThreshold: 2, ResetTimeout: time.Minute},
		clock.NewFakeClock(time.Now()))
	guarded := NewGuarded(g, breaker, time.Second)

	for i := 0; i < 3; i++ {
		_, err := guarded.FetchPayment(context.Background(), "missing")
		require.ErrorIs(t, err, domain.ErrPaymentNotFound)
	}
	require.Equal(t, circuitbreaker.StateClosed, breaker.State())
}
