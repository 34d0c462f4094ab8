// Package metricspush sends the metrics of short-lived CLI jobs to a
// Prometheus Pushgateway, since nothing scrapes a process that exits.
package metricspush

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/smallbiznis/orderpay/internal/config"
	obstracing "github.com/smallbiznis/orderpay/internal/observability/tracing"
	"go.uber.org/zap"
)

const defaultPushTimeout = 5 * time.Second

type Pusher interface {
	Push(ctx context.Context, job string, registry *prometheus.Registry) error
}

// NewPusher returns nil when PUSHGATEWAY_URL is not set, which callers
// treat as "keep the metrics in process".
func NewPusher(cfg config.Config, log *zap.Logger) Pusher {
	endpoint := strings.TrimSpace(cfg.PushgatewayURL)
	if endpoint == "" {
		if log != nil {
			log.Debug("pushgateway not configured, job metrics stay local")
		}
		return nil
	}
	return NewPushgatewayPusher(endpoint, map[string]string{
		"environment": cfg.Environment,
		"service":     cfg.AppName,
	})
}

// PushgatewayPusher replaces the metric group of a job on every push.
type PushgatewayPusher struct {
	url    string
	labels [][2]string
	client *http.Client
}

// NewPushgatewayPusher keeps the non-blank grouping labels in key order so
// every push addresses the same group.
func NewPushgatewayPusher(endpoint string, grouping map[string]string) *PushgatewayPusher {
	keys := slices.Sorted(maps.Keys(grouping))
	labels := make([][2]string, 0, len(keys))
	for _, key := range keys {
		k, v := strings.TrimSpace(key), strings.TrimSpace(grouping[key])
		if k != "" && v != "" {
			labels = append(labels, [2]string{k, v})
		}
	}
	return &PushgatewayPusher{
		url:    strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		labels: labels,
		client: obstracing.WrapHTTPClient(&http.Client{Timeout: defaultPushTimeout}),
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, job string, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	if p.url == "" {
		return errors.New("metricspush: no pushgateway url")
	}
	if job = strings.TrimSpace(job); job == "" {
		return errors.New("metricspush: blank job name")
	}

	req := push.New(p.url, job).Gatherer(registry).Client(p.client)
	for _, label := range p.labels {
		req = req.Grouping(label[0], label[1])
	}
	return req.PushContext(ctx)
}
