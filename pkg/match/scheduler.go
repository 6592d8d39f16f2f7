package match

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/velvetlabs/spindate/pkg/metrics"
)

// schedulerResolution is how often the scheduler wakes to check for due jobs.
// Individual job intervals are multiples of it.
const schedulerResolution = time.Second

// maxConcurrentJobs bounds how many jobs run in one wake-up.
const maxConcurrentJobs = 4

type schedulerJob struct {
	name     string
	interval time.Duration
	next     time.Time
	run      func(ctx context.Context) (int, error)
}

// Scheduler drives the engine's periodic work from a single loop. All jobs
// share one ticker so a fake clock advances every job deterministically, and
// every job is idempotent and safe to run on multiple instances at once.
type Scheduler struct {
	log    *slog.Logger
	clock  clockwork.Clock
	engine *Engine
	jobs   []*schedulerJob
}

func NewScheduler(e *Engine) *Scheduler {
	cfg := e.cfg
	return &Scheduler{
		log:    e.log,
		clock:  e.clock,
		engine: e,
		jobs: []*schedulerJob{
			{name: "match", interval: cfg.MatchTick, run: e.RunMatchTick},
			{name: "expiry", interval: cfg.ExpiryTick, run: e.RunExpiryTick},
			{name: "expansion", interval: cfg.ExpansionTick, run: e.RunExpansionTick},
			{name: "fairness", interval: cfg.FairnessTick, run: e.RunFairnessTick},
			{name: "eviction", interval: cfg.EvictionTick, run: e.RunEvictionTick},
			{name: "repair", interval: cfg.RepairTick, run: e.RunRepairTick},
			{name: "cooldown", interval: cfg.CooldownTick, run: e.RunCooldownTick},
		},
	}
}

// Run blocks until the context is canceled, waking once per resolution and
// running every job whose interval has elapsed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "jobs", len(s.jobs))
	ticker := s.clock.NewTicker(schedulerResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			s.runDue(ctx)
		}
	}
}

// RunAllOnce runs every job once, regardless of schedule. Tests drive the
// engine with this instead of waiting out tick intervals.
func (s *Scheduler) RunAllOnce(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		if _, err := j.run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentJobs)
	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		j.next = now.Add(j.interval)

		j := j
		g.Go(func() error {
			start := time.Now()
			n, err := j.run(gctx)
			metrics.TickDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())

			status := "ok"
			if err != nil {
				status = "error"
				s.log.Error("scheduler job failed", "job", j.name, "error", err)
			} else if n > 0 {
				s.log.Debug("scheduler job ran", "job", j.name, "processed", n)
			}
			metrics.TickTotal.WithLabelValues(j.name, status).Inc()
			return nil
		})
	}
	_ = g.Wait()
}
