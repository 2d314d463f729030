// Package health runs periodic self-checks over the audit daemon's
// components and aggregates the results for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Result is the latest outcome for one registered check.
type Result struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	FailCount int       `json:"fail_count,omitempty"`
}

// Report aggregates all check results. Status is degraded when any check has
// reached the failure threshold.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

// Checker runs registered component probes on a fixed interval.
type Checker struct {
	mu         sync.Mutex
	checks     map[string]CheckFunc
	results    map[string]Result
	failCounts map[string]int
	cfg        Config
	logger     *zap.Logger
}

// New creates a Checker with defaulted configuration.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		checks:     make(map[string]CheckFunc),
		results:    make(map[string]Result),
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// Register adds a named component probe. Registering before Start is the
// caller's responsibility; checks are not added concurrently with runs.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Interval returns the configured check interval, for scheduler wiring.
func (c *Checker) Interval() time.Duration { return c.cfg.CheckInterval }

// RunAll executes every registered check once with bounded concurrency.
func (c *Checker) RunAll(ctx context.Context) error {
	c.mu.Lock()
	names := make([]string, 0, len(c.checks))
	fns := make([]CheckFunc, 0, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			err := fn(probeCtx)
			cancel()
			c.record(name, err)
		}(names[i], fns[i])
	}
	wg.Wait()
	return nil
}

func (c *Checker) record(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	prev := c.failCounts[name]
	res := Result{Status: "ok", CheckedAt: now}

	if err == nil {
		c.failCounts[name] = 0
		if prev >= c.cfg.FailThreshold {
			c.logger.Info("health: component recovered", zap.String("check", name))
		}
	} else {
		c.failCounts[name]++
		res.Status = "failing"
		res.Error = err.Error()
		res.FailCount = c.failCounts[name]
		if c.failCounts[name] == c.cfg.FailThreshold {
			// Transition: healthy to degraded, exactly at threshold.
			c.logger.Warn("health: component degraded",
				zap.String("check", name),
				zap.Int("fail_count", c.failCounts[name]),
				zap.Error(err),
			)
		}
	}
	c.results[name] = res
}

// Report returns a snapshot of the latest results.
func (c *Checker) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{Status: "ok", Checks: make(map[string]Result, len(c.results))}
	for name, res := range c.results {
		report.Checks[name] = res
		if c.failCounts[name] >= c.cfg.FailThreshold {
			report.Status = "degraded"
		}
	}
	return report
}

// Healthy reports whether no check has reached the failure threshold.
func (c *Checker) Healthy() bool {
	return c.Report().Status == "ok"
}
