// Package scheduler runs periodic maintenance jobs (batch sealing, cleanup
// passes, legal hold review) on fixed intervals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic unit of work. Returning an error logs and continues;
// the job keeps its schedule.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives a set of jobs, one goroutine per job.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(j Job) {
	if j.Timeout == 0 {
		j.Timeout = time.Minute
	}
	s.jobs = append(s.jobs, j)
}

// Start launches every job loop. The loops stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, j.Timeout)
			start := time.Now()
			if err := j.Run(runCtx); err != nil {
				s.logger.Warn("scheduled job failed",
					zap.String("job", j.Name),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err),
				)
			} else {
				s.logger.Debug("scheduled job done",
					zap.String("job", j.Name),
					zap.Duration("elapsed", time.Since(start)),
				)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
