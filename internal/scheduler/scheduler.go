// Package scheduler runs CampaignPipe's periodic maintenance jobs, such as
// telemetry retention and outbox recovery, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates a scheduler. Jobs receive ctx and are not started
// until Start is called.
func NewScheduler(ctx context.Context) *Scheduler {
	// Standard 5-field cron plus descriptors such as @daily and @every 5m.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Scheduler{cron: c, ctx: ctx}
}

// AddJob schedules task under name. It returns an error if the expression is
// invalid.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(expr, func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		task(s.ctx)
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	slog.Debug("Scheduler.AddJob: scheduled", "job", name, "expr", expr)
	return nil
}

// Start runs the scheduler until its context is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Start() {
	s.cron.Start()
	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
