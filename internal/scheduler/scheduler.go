// Package scheduler drives the periodic escalation scan. A tick that fires
// while the previous scan is still running is dropped, not queued, so a case
// can never be escalated twice by overlapping passes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civicgrid/grievance-engine/internal/config"
	"github.com/civicgrid/grievance-engine/internal/engine"
)

// Scheduler owns the cron trigger for the escalation scan
type Scheduler struct {
	cfg    *config.Config
	logger *slog.Logger
	cron   *cron.Cron
	engine *engine.Engine
}

// New creates a scheduler with the configured scan cadence
func New(cfg *config.Config, logger *slog.Logger, eng *engine.Engine) (*Scheduler, error) {
	cronLogger := &slogCronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		),
	)

	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		cron:   c,
		engine: eng,
	}

	if _, err := c.AddFunc(cfg.Scheduler.ScanSchedule, s.runScan); err != nil {
		return nil, fmt.Errorf("failed to schedule escalation scan %q: %w", cfg.Scheduler.ScanSchedule, err)
	}

	return s, nil
}

// Start begins firing scan ticks
func (s *Scheduler) Start() {
	s.logger.Info("Starting escalation scheduler",
		"schedule", s.cfg.Scheduler.ScanSchedule,
		"scan_timeout", s.cfg.Scheduler.ScanTimeout)
	s.cron.Start()
}

// Stop shuts the scheduler down cleanly, letting an in-flight scan finish so
// no case is left mid-transition
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Escalation scheduler stopped")
}

// RunNow triggers a scan pass synchronously, outside the schedule
func (s *Scheduler) RunNow(ctx context.Context) (engine.ScanResult, error) {
	return s.engine.Scan(ctx)
}

// runScan executes one bounded scan pass. A scan that exceeds the configured
// timeout is aborted and logged as a fault; the next tick retries.
func (s *Scheduler) runScan() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Scheduler.ScanTimeout)
	defer cancel()

	result, err := s.engine.Scan(ctx)
	if err != nil {
		s.logger.Error("Escalation scan failed",
			"error", err,
			"scanned", result.Scanned,
			"escalated", result.Escalated)
		return
	}

	s.logger.Debug("Escalation scan tick completed",
		"scanned", result.Scanned,
		"escalated", result.Escalated,
		"conflicts", result.Conflicts,
		"duration", result.Duration)
}

// slogCronLogger adapts slog to the cron logger interface
type slogCronLogger struct {
	logger *slog.Logger
}

func (l *slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{"error", err}, keysAndValues...)
	l.logger.Error(msg, args...)
}
