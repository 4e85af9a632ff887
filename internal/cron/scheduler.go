// Package cron restarts the gateway on a fixed schedule when one is
// configured, so long-lived deployments periodically pick up a fresh child.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Restarter is the one supervisor operation the scheduler needs.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Config holds the dependencies for the restart scheduler.
type Config struct {
	Expr    string
	Gateway Restarter
	Logger  *slog.Logger

	// Now is a test hook; nil means time.Now.
	Now func() time.Time
}

// Scheduler sleeps until the schedule's next instant and restarts the
// gateway, repeating until stopped.
type Scheduler struct {
	expr    string
	gateway Restarter
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the expression up front so a bad schedule fails at
// startup instead of at 4am.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if _, err := cronParser.Parse(cfg.Expr); err != nil {
		return nil, fmt.Errorf("parse restart schedule %q: %w", cfg.Expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		expr:    cfg.Expr,
		gateway: cfg.Gateway,
		logger:  logger.With("component", "cron"),
		now:     now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("restart scheduler started", "schedule", s.expr)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("restart scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next, err := NextRunTime(s.expr, s.now())
		if err != nil {
			// Validated at construction; only reachable if the parser
			// itself changes behavior.
			s.logger.Error("cron: invalid restart schedule", "schedule", s.expr, "error", err)
			return
		}
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, next)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, at time.Time) {
	s.logger.Info("cron: scheduled gateway restart", "scheduled_for", at)
	if err := s.gateway.Restart(ctx); err != nil {
		s.logger.Error("cron: scheduled restart failed", "error", err)
	}
}
