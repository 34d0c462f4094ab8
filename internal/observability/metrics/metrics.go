package metrics

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the domain counters. A nil *Metrics records nothing, so
// services take it as an optional dependency.
type Metrics struct {
	webhookEvents    metric.Int64Counter
	reconcileResults metric.Int64Counter
	stockAdjustments metric.Int64Counter
	manualActions    metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// New creates the domain counters on provider's meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "orderpay"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.webhookEvents, "orderpay_webhook_outcomes_total", "Webhook deliveries by provider, outcome and signature result."},
		{&m.reconcileResults, "orderpay_reconcile_results_total", "Reconciliation attempts by source and outcome."},
		{&m.stockAdjustments, "orderpay_stock_adjust_attempts_total", "Stock adjustments by reason and outcome."},
		{&m.manualActions, "orderpay_manual_actions_total", "Operator actions by kind."},
		{&m.rateLimitAllowed, "orderpay_rate_limit_allowed_total", "Operator requests admitted by the rate limiter."},
		{&m.rateLimitDenied, "orderpay_rate_limit_denied_total", "Operator requests refused by the rate limiter."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

// NewNoop returns instruments backed by a no-op provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// add increments counter by one with the given label pairs, dropping any
// label outside the allowed set. Callers check m for nil before reading the
// counter field.
func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, kv ...string) {
	if counter == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], strings.TrimSpace(kv[i+1])))
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func (m *Metrics) RecordWebhook(ctx context.Context, provider, outcome, hmacResult string) {
	if m == nil {
		return
	}
	m.add(ctx, m.webhookEvents, "provider", provider, "outcome", outcome, "hmac_result", hmacResult)
}

func (m *Metrics) RecordReconcile(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.reconcileResults, "source", source, "outcome", outcome)
}

func (m *Metrics) RecordStockAdjustment(ctx context.Context, reason, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.stockAdjustments, "reason", reason, "outcome", outcome)
}

func (m *Metrics) RecordManualAction(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.add(ctx, m.manualActions, "action", action)
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.add(ctx, m.rateLimitAllowed, "endpoint", endpoint)
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.rateLimitDenied, "endpoint", endpoint, "reason", reason)
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"action":      {},
	"endpoint":    {},
	"hmac_result": {},
	"outcome":     {},
	"provider":    {},
	"reason":      {},
	"source":      {},
	"status_code": {},
}

// FilterAttributes keeps only labels in the allowed set. Order and payment
// ids never become label values.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	kept := attrs[:0:0]
	for _, kv := range attrs {
		if _, allowed := allowedLabelKeys[kv.Key]; allowed {
			kept = append(kept, kv)
		}
	}
	return kept
}
