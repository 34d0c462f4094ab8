package metricspush

import (
	"context"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/orderpay/internal/config"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testGateway = "http://pushgateway.test:9091"

func TestNewPusherDisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewPusher(config.Config{}, zaptest.NewLogger(t)))
}

func TestPushSendsJobGroup(t *testing.T) {
	pusher := NewPusher(config.Config{
		PushgatewayURL: testGateway,
		AppName:        "orderpay",
		Environment:    "test",
	}, zaptest.NewLogger(t)).(*PushgatewayPusher)
	gock.InterceptClient(pusher.client)
	t.Cleanup(func() {
		gock.RestoreClient(pusher.client)
		gock.Off()
	})

	gock.New(testGateway).
		Put("/metrics/job/orderpay_sweep").
		Reply(200)

	metrics := NewJobMetrics("orderpay_sweep")
	metrics.ObserveSweep(webhookservice.SweepStats{Claimed: 3, Succeeded: 2, DeadLettered: 1}, 1500*time.Millisecond)
	metrics.MarkSuccess(time.Unix(1740823200, 0))

	require.NoError(t, pusher.Push(context.Background(), metrics.Job(), metrics.Registry()))
	assert.True(t, gock.IsDone())
}

func TestJobMetricsValues(t *testing.T) {
	metrics := NewJobMetrics("orderpay_purge")
	metrics.ObservePurge(7, 2*time.Second)
	metrics.MarkSuccess(time.Unix(1740823200, 0))

	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.items.WithLabelValues("purged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.duration))
	assert.Equal(t, 1740823200.0, testutil.ToFloat64(metrics.lastSuccess))
}

func TestPushRequiresJob(t *testing.T) {
	pusher := NewPushgatewayPusher(testGateway, nil)
	err := pusher.Push(context.Background(), " ", NewJobMetrics("x").Registry())
	require.Error(t, err)
}

func TestGroupingDropsBlankLabels(t *testing.T) {
	pusher := NewPushgatewayPusher(testGateway+"/", map[string]string{
		"service":     "orderpay",
		"environment": " ",
		"region":      "ap-southeast-1",
	})
	assert.Equal(t, testGateway, pusher.url)
	assert.Equal(t, [][2]string{{"region", "ap-southeast-1"}, {"service", "orderpay"}}, pusher.labels)
}
