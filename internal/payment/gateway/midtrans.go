package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/payment/domain"
	"go.uber.org/zap"
)

type MidtransFactory struct{}

func NewMidtransFactory() *MidtransFactory { return &MidtransFactory{} }

func (f *MidtransFactory) Provider() string { return config.GatewayMidtrans }

func (f *MidtransFactory) New(cfg config.GatewayConfig, log *zap.Logger) (domain.Gateway, error) {
	serverKey := strings.TrimSpace(cfg.MidtransServerKey)
	if serverKey == "" {
		return nil, errors.New("midtrans server key is required")
	}
	env := midtrans.Sandbox
	if strings.EqualFold(strings.TrimSpace(cfg.MidtransEnv), "production") {
		env = midtrans.Production
	}
	var client coreapi.Client
	client.New(serverKey, env)
	return NewMidtrans(&client, log), nil
}

// statusChecker is the slice of coreapi.Client used here.
type statusChecker interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

// Midtrans reads transaction status through the Midtrans core API.
type Midtrans struct {
	client statusChecker
	log    *zap.Logger
}

func NewMidtrans(client statusChecker, log *zap.Logger) *Midtrans {
	if log == nil {
		log = zap.NewNop()
	}
	return &Midtrans{client: client, log: log.Named("payment.gateway.midtrans")}
}

func (g *Midtrans) Name() string { return config.GatewayMidtrans }

type checkResult struct {
	resp *coreapi.TransactionStatusResponse
	err  *midtrans.Error
}

// FetchPayment queries the transaction by order or transaction id. The SDK
// call takes no context, so it runs in its own goroutine and is abandoned
// when ctx expires.
func (g *Midtrans) FetchPayment(ctx context.Context, paymentID string) (*domain.Observation, error) {
	done := make(chan checkResult, 1)
	go func() {
		resp, err := g.client.CheckTransaction(paymentID)
		done <- checkResult{resp: resp, err: err}
	}()

	var res checkResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		return nil, classifyMidtransError(res.err)
	}
	if res.resp == nil {
		return nil, circuitbreaker.Skip(domain.ErrGatewayResponse)
	}
	if res.resp.StatusCode == "404" {
		return nil, circuitbreaker.Skip(domain.ErrPaymentNotFound)
	}

	status, ok := mapMidtransStatus(res.resp.TransactionStatus, res.resp.FraudStatus)
	if !ok {
		return nil, circuitbreaker.Skip(fmt.Errorf("%w: %q", domain.ErrInvalidStatus, res.resp.TransactionStatus))
	}

	g.log.Debug("midtrans transaction status",
		zap.String("payment_id", paymentID),
		zap.String("transaction_status", res.resp.TransactionStatus),
		zap.String("fraud_status", res.resp.FraudStatus),
	)

	return &domain.Observation{
		PaymentID: paymentID,
		Status:    status,
		OrderRef:  strings.TrimSpace(res.resp.OrderID),
		Amount:    parseGrossAmount(res.resp.GrossAmount),
		Currency:  strings.ToUpper(strings.TrimSpace(res.resp.Currency)),
		RawStatus: res.resp.TransactionStatus,
	}, nil
}

func classifyMidtransError(err *midtrans.Error) error {
	switch {
	case err.StatusCode == http.StatusNotFound:
		return circuitbreaker.Skip(domain.ErrPaymentNotFound)
	case err.StatusCode >= http.StatusBadRequest && err.StatusCode < http.StatusInternalServerError && err.StatusCode != http.StatusTooManyRequests:
		return circuitbreaker.Skip(fmt.Errorf("%w: %s", domain.ErrGatewayResponse, err.Message))
	default:
		return fmt.Errorf("%w: %s", domain.ErrGatewayUnavailable, err.Message)
	}
}

func mapMidtransStatus(transactionStatus, fraudStatus string) (domain.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(transactionStatus)) {
	case "capture":
		switch strings.ToLower(strings.TrimSpace(fraudStatus)) {
		case "challenge":
			return domain.StatusInProcess, true
		case "deny":
			return domain.StatusRejected, true
		default:
			return domain.StatusApproved, true
		}
	case "settlement":
		return domain.StatusApproved, true
	case "pending":
		return domain.StatusPending, true
	case "authorize":
		return domain.StatusInProcess, true
	case "deny", "failure":
		return domain.StatusRejected, true
	case "cancel", "expire":
		return domain.StatusCancelled, true
	case "refund", "partial_refund":
		return domain.StatusRefunded, true
	case "chargeback", "partial_chargeback":
		return domain.StatusChargedBack, true
	default:
		return "", false
	}
}

func parseGrossAmount(raw string) int64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return int64(value + 0.5)
}
