package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/jupiter/internal/config"
)

// Config controls sweep intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	BatchSize       int
	ClaimStaleAfter time.Duration
	JobTimeout      time.Duration
	// EnabledJobs narrows the job set for split deployments. Empty means
	// all jobs run (monolith mode).
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		BatchSize:       100,
		ClaimStaleAfter: 15 * time.Minute,
		JobTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ClaimStaleAfter <= 0 {
		c.ClaimStaleAfter = defaults.ClaimStaleAfter
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	out := Config{
		RunInterval: time.Duration(cfg.SchedulerIntervalSeconds) * time.Second,
		BatchSize:   cfg.SchedulerBatchSize,
	}
	for _, job := range strings.Split(cfg.SchedulerJobs, ",") {
		job = strings.TrimSpace(job)
		if job != "" {
			out.EnabledJobs = append(out.EnabledJobs, job)
		}
	}
	return out.withDefaults()
}
