package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Tuning holds the reconcile knobs that operators may change without a restart.
type Tuning struct {
	Breakers      map[string]BreakerTuning `mapstructure:"breakers"`
	WebhookRetry  WebhookRetryTuning       `mapstructure:"webhookRetry"`
	Stock         StockTuning              `mapstructure:"stock"`
	RedirectDelay time.Duration            `mapstructure:"redirectDelay"`
}

type BreakerTuning struct {
	FailureThreshold  int           `mapstructure:"failureThreshold"`
	ResetTimeout      time.Duration `mapstructure:"resetTimeout"`
	HalfOpenSuccesses int           `mapstructure:"halfOpenSuccesses"`
}

type WebhookRetryTuning struct {
	BaseDelay time.Duration `mapstructure:"baseDelay"`
	MaxDelay  time.Duration `mapstructure:"maxDelay"`
	Ceiling   int           `mapstructure:"ceiling"`
	Retention time.Duration `mapstructure:"retention"`
	BatchSize int           `mapstructure:"batchSize"`
}

type StockTuning struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
}

const (
	BreakerPaymentAPI = "payment_api"
	BreakerCatalogAPI = "catalog_api"
)

func DefaultTuning() Tuning {
	return Tuning{
		Breakers: map[string]BreakerTuning{
			BreakerPaymentAPI: {FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenSuccesses: 2},
			BreakerCatalogAPI: {FailureThreshold: 3, ResetTimeout: 60 * time.Second, HalfOpenSuccesses: 2},
		},
		WebhookRetry: WebhookRetryTuning{
			BaseDelay: 30 * time.Second,
			MaxDelay:  time.Hour,
			Ceiling:   5,
			Retention: 30 * 24 * time.Hour,
			BatchSize: 50,
		},
		Stock: StockTuning{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		RedirectDelay: 100 * time.Millisecond,
	}
}

type TuningHolder struct {
	current atomic.Value // holds Tuning
}

// NewStaticTuningHolder returns a holder that never reloads.
func NewStaticTuningHolder(t Tuning) *TuningHolder {
	holder := &TuningHolder{}
	holder.current.Store(t.withDefaults())
	return holder
}

// NewTuningHolder reads RECONCILE_CONFIG_FILE when set, or a reconcile.yml from
// the usual locations, and reloads it on change. Missing files fall back to defaults.
func NewTuningHolder(cfg Config, log *zap.Logger) (*TuningHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.tuning")

	v := viper.New()
	if cfg.TuningFile != "" {
		v.SetConfigFile(cfg.TuningFile)
	} else {
		v.SetConfigName("reconcile")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/orderpay")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Info("reconcile tuning file not found, using defaults")
		return NewStaticTuningHolder(DefaultTuning()), nil
	}

	tuning, err := decodeTuning(v)
	if err != nil {
		return nil, err
	}

	holder := &TuningHolder{}
	holder.current.Store(tuning)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeTuning(v)
		if err != nil {
			log.Warn("reconcile tuning reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reconcile tuning reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *TuningHolder) Get() Tuning {
	if h == nil {
		return DefaultTuning()
	}
	t, ok := h.current.Load().(Tuning)
	if !ok {
		return DefaultTuning()
	}
	return t
}

func decodeTuning(v *viper.Viper) (Tuning, error) {
	var t Tuning
	if err := v.UnmarshalKey("reconcile", &t); err != nil {
		return Tuning{}, err
	}
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

func (t Tuning) withDefaults() Tuning {
	defaults := DefaultTuning()
	if t.Breakers == nil {
		t.Breakers = map[string]BreakerTuning{}
	}
	for name, def := range defaults.Breakers {
		current, ok := t.Breakers[name]
		if !ok {
			t.Breakers[name] = def
			continue
		}
		if current.FailureThreshold <= 0 {
			current.FailureThreshold = def.FailureThreshold
		}
		if current.ResetTimeout <= 0 {
			current.ResetTimeout = def.ResetTimeout
		}
		if current.HalfOpenSuccesses <= 0 {
			current.HalfOpenSuccesses = def.HalfOpenSuccesses
		}
		t.Breakers[name] = current
	}
	if t.WebhookRetry.BaseDelay <= 0 {
		t.WebhookRetry.BaseDelay = defaults.WebhookRetry.BaseDelay
	}
	if t.WebhookRetry.MaxDelay <= 0 {
		t.WebhookRetry.MaxDelay = defaults.WebhookRetry.MaxDelay
	}
	if t.WebhookRetry.Ceiling <= 0 {
		t.WebhookRetry.Ceiling = defaults.WebhookRetry.Ceiling
	}
	if t.WebhookRetry.Retention <= 0 {
		t.WebhookRetry.Retention = defaults.WebhookRetry.Retention
	}
	if t.WebhookRetry.BatchSize <= 0 {
		t.WebhookRetry.BatchSize = defaults.WebhookRetry.BatchSize
	}
	if t.Stock.MaxAttempts <= 0 {
		t.Stock.MaxAttempts = defaults.Stock.MaxAttempts
	}
	if t.Stock.BaseDelay <= 0 {
		t.Stock.BaseDelay = defaults.Stock.BaseDelay
	}
	if t.Stock.MaxDelay <= 0 {
		t.Stock.MaxDelay = defaults.Stock.MaxDelay
	}
	if t.RedirectDelay < 0 {
		t.RedirectDelay = defaults.RedirectDelay
	}
	return t
}

func (t Tuning) Validate() error {
	if t.WebhookRetry.MaxDelay < t.WebhookRetry.BaseDelay {
		return fmt.Errorf("reconcile.webhookRetry.maxDelay must be >= baseDelay")
	}
	if t.Stock.MaxDelay < t.Stock.BaseDelay {
		return fmt.Errorf("reconcile.stock.maxDelay must be >= baseDelay")
	}
	for name, b := range t.Breakers {
		if b.FailureThreshold <= 0 {
			return fmt.Errorf("reconcile.breakers.%s.failureThreshold must be positive", name)
		}
	}
	return nil
}
