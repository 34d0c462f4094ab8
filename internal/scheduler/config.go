package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/orderpay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	PurgeInterval    time.Duration
	JobTimeout       time.Duration
	BatchSize        int
	MaxBatchesPerRun int
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      15 * time.Second,
		PurgeInterval:    time.Hour,
		JobTimeout:       30 * time.Second,
		MaxBatchesPerRun: 10,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   cfg.Scheduler.RunInterval,
		PurgeInterval: cfg.Scheduler.PurgeInterval,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		EnabledJobs:   cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = defaults.PurgeInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
	jobs := make([]string, 0, len(c.EnabledJobs))
	for _, job := range c.EnabledJobs {
		if job = strings.TrimSpace(job); job != "" {
			jobs = append(jobs, job)
		}
	}
	c.EnabledJobs = jobs
	return c
}
