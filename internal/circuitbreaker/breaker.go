package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/observability/metrics"
	"go.uber.org/zap"
)

// State is the breaker position for a single dependency.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrBreakerOpen is matched by every OpenError.
var ErrBreakerOpen = errors.New("circuit breaker open")

// OpenError is returned without calling the dependency while the breaker is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrBreakerOpen }

type skipError struct {
	err error
}

func (e *skipError) Error() string { return e.err.Error() }
func (e *skipError) Unwrap() error { return e.err }

// Skip marks err as a caller-side failure that must not count against the
// dependency, such as a validation error or a 404.
func Skip(err error) error {
	if err == nil {
		return nil
	}
	return &skipError{err: err}
}

// IsSkipped reports whether err carries the Skip marker.
func IsSkipped(err error) bool {
	var s *skipError
	return errors.As(err, &s)
}

// Settings configures one breaker instance.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close again.
	SuccessThreshold int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	return s
}

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	RetryAfter      string    `json:"retry_after,omitempty"`
}

// StateChangeFunc observes transitions. It runs with the breaker lock held
// and must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker guards calls to one named dependency. Its state lives in process
// memory only and starts CLOSED.
type Breaker struct {
	name    string
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.BreakerMetrics

	mu            sync.Mutex
	settings      Settings
	state         State
	generation    uint64
	failures      int
	successes     int
	trialing      bool
	lastFailure   time.Time
	onStateChange StateChangeFunc
}

type Option func(*Breaker)

func WithLogger(log *zap.Logger) Option {
	return func(b *Breaker) {
		if log != nil {
			b.log = log
		}
	}
}

func WithMetrics(m *metrics.BreakerMetrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New builds a closed breaker.
func New(name string, settings Settings, clk clock.Clock, opts ...Option) *Breaker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	b := &Breaker{
		name:     name,
		clock:    clk,
		log:      zap.NewNop(),
		settings: settings.withDefaults(),
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("circuitbreaker").With(zap.String("breaker", name))
	b.metrics.SetState(name, stateValue(StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.name }

// Configure swaps thresholds without touching the current state or counters.
func (b *Breaker) Configure(settings Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = settings.withDefaults()
}

// Execute runs op unless the breaker is open. A nil error counts as success.
// Skip-marked errors and cancellation by the caller are neutral; every other
// error, including a deadline, counts as a dependency failure.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	generation, trial, err := b.before()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.after(generation, trial, b.classify(ctx, opErr))
	return opErr
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

func (b *Breaker) classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case IsSkipped(err):
		return outcomeNeutral
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return outcomeNeutral
	default:
		return outcomeFailure
	}
}

// halfOpenBusyRetry is the RetryAfter given to callers turned away while a
// half-open trial call is outstanding.
const halfOpenBusyRetry = time.Second

// before admits a call. In HALF_OPEN only one trial call is in flight at a time;
// trial reports whether this call is it.
func (b *Breaker) before() (generation uint64, trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := b.clock.Now().Sub(b.lastFailure)
		if elapsed < b.settings.ResetTimeout {
			b.metrics.IncRejected(b.name)
			return 0, false, &OpenError{Name: b.name, RetryAfter: b.settings.ResetTimeout - elapsed}
		}
		b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.trialing {
			b.metrics.IncRejected(b.name)
			return 0, false, &OpenError{Name: b.name, RetryAfter: min(halfOpenBusyRetry, b.settings.ResetTimeout)}
		}
		b.trialing = true
		return b.generation, true, nil
	}
	return b.generation, false, nil
}

func (b *Breaker) after(generation uint64, trial bool, result outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Outcomes of calls admitted before the last transition are stale.
	if generation != b.generation {
		return
	}
	if trial {
		b.trialing = false
	}

	switch result {
	case outcomeSuccess:
		b.metrics.IncOutcome(b.name, "success")
		b.onSuccess()
	case outcomeFailure:
		b.metrics.IncOutcome(b.name, "failure")
		b.onFailure()
	default:
		b.metrics.IncOutcome(b.name, "ignored")
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = b.clock.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.successes = 0
	b.trialing = false
	if to == StateClosed {
		b.failures = 0
	}

	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failure_count", b.failures),
	}
	if to == StateClosed {
		b.log.Info("circuit breaker state changed", fields...)
	} else {
		b.log.Warn("circuit breaker state changed", fields...)
	}
	b.metrics.SetState(b.name, stateValue(to))
	b.metrics.IncTransition(b.name, from.String(), to.String())
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// State reports the current position. An expired OPEN breaker still reports
// OPEN until the next call moves it to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failures,
		SuccessCount:    b.successes,
		LastFailureTime: b.lastFailure,
	}
	if b.state == StateOpen {
		if remaining := b.settings.ResetTimeout - b.clock.Now().Sub(b.lastFailure); remaining > 0 {
			snap.RetryAfter = remaining.String()
		}
	}
	return snap
}

// Reset forces the breaker closed. Used by operators after an incident.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
