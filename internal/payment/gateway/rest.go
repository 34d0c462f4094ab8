package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/config"
	obstracing "github.com/smallbiznis/orderpay/internal/observability/tracing"
	"github.com/smallbiznis/orderpay/internal/payment/domain"
	"go.uber.org/zap"
)

type RESTFactory struct{}

func NewRESTFactory() *RESTFactory { return &RESTFactory{} }

func (f *RESTFactory) Provider() string { return config.GatewayREST }

func (f *RESTFactory) New(cfg config.GatewayConfig, log *zap.Logger) (domain.Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("gateway base url: %w", err)
	}
	return NewREST(base, cfg.APIKey, obstracing.WrapHTTPClient(&http.Client{Timeout: cfg.Timeout}), log), nil
}

// REST reads payment state from a JSON API exposing GET /payments/{id}.
type REST struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

func NewREST(baseURL, apiKey string, client *http.Client, log *zap.Logger) *REST {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		log:     log.Named("payment.gateway.rest"),
	}
}

func (g *REST) Name() string { return config.GatewayREST }

type restPayment struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	OrderID           json.RawMessage `json:"order_id"`
	ExternalReference string          `json:"external_reference"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
}

func (g *REST) FetchPayment(ctx context.Context, paymentID string) (*domain.Observation, error) {
	endpoint := g.baseURL + "/payments/" + url.PathEscape(paymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, circuitbreaker.Skip(err)
	}
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrGatewayUnavailable, err)
	}
	g.log.Debug("payment fetched",
		zap.String("payment_id", paymentID),
		zap.Int("status_code", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, circuitbreaker.Skip(domain.ErrPaymentNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, circuitbreaker.Skip(fmt.Errorf("%w: status %d", domain.ErrGatewayResponse, resp.StatusCode))
	}

	var payload restPayment
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, circuitbreaker.Skip(fmt.Errorf("%w: %v", domain.ErrGatewayResponse, err))
	}
	status, ok := domain.ParseStatus(payload.Status)
	if !ok {
		return nil, circuitbreaker.Skip(fmt.Errorf("%w: %q", domain.ErrInvalidStatus, payload.Status))
	}

	orderRef := strings.TrimSpace(payload.ExternalReference)
	if ref := rawScalar(payload.OrderID); ref != "" {
		orderRef = ref
	}
	id := strings.TrimSpace(payload.ID)
	if id == "" {
		id = paymentID
	}

	return &domain.Observation{
		PaymentID: id,
		Status:    status,
		OrderRef:  orderRef,
		Amount:    payload.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(payload.Currency)),
		RawStatus: payload.Status,
	}, nil
}

// rawScalar renders a JSON string or number as plain text.
func rawScalar(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
