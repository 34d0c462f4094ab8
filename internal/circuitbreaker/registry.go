package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("circuitbreaker",
	fx.Provide(NewRegistry),
)

type RegistryParams struct {
	fx.In

	Clock   clock.Clock
	Log     *zap.Logger
	Tuning  *config.TuningHolder
	Metrics *metrics.BreakerMetrics `optional:"true"`
}

// Registry owns one breaker per named dependency. Thresholds come from the
// reconcile tuning and follow its reloads on the next lookup.
type Registry struct {
	clock   clock.Clock
	log     *zap.Logger
	tuning  *config.TuningHolder
	metrics *metrics.BreakerMetrics

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(p RegistryParams) *Registry {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		clock:    p.Clock,
		log:      log,
		tuning:   p.Tuning,
		metrics:  p.Metrics,
		breakers: map[string]*Breaker{},
	}
}

// Get returns the breaker for name, creating it closed on first use.
func (r *Registry) Get(name string) *Breaker {
	settings := r.settingsFor(name)

	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		b.Configure(settings)
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, settings, r.clock,
		WithLogger(r.log),
		WithMetrics(r.metrics),
	)
	r.breakers[name] = b
	return b
}

// Snapshots lists every known breaker ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker. Unknown names report false.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

func (r *Registry) settingsFor(name string) Settings {
	tuning := r.tuning.Get()
	bt, ok := tuning.Breakers[name]
	if !ok {
		return Settings{}
	}
	return Settings{
		FailureThreshold: bt.FailureThreshold,
		ResetTimeout:     bt.ResetTimeout,
		SuccessThreshold: bt.HalfOpenSuccesses,
	}
}
