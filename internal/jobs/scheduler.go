// Package jobs runs reconciliation in the background on a cron schedule.
//
// Each run repairs links first (so the next step sees corrected owners), then
// collapses duplicate preference records, then brings denormalized external
// ids back in line. Purging orphans deletes data and is never scheduled; an
// admin triggers it explicitly.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sakif/nowplaying/internal/metrics"
	"github.com/sakif/nowplaying/internal/service"
)

// Reconciler is the subset of *service.ReconcileService a run needs.
type Reconciler interface {
	FindOrphans(ctx context.Context) (*service.OrphanReport, error)
	RepairLinks(ctx context.Context, orphans *service.OrphanReport) (*service.RepairReport, error)
	FindDuplicatePreferences(ctx context.Context) ([]service.DuplicateGroup, error)
	ResolveDuplicates(ctx context.Context, groups []service.DuplicateGroup) (*service.DedupReport, error)
	SyncExternalIDs(ctx context.Context) (*service.RepairReport, error)
}

// DefaultRunTimeout bounds a single scheduled run.
const DefaultRunTimeout = 10 * time.Minute

// Scheduler manages the reconciliation job.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	schedule   string
	timeout    time.Duration
	logger     *slog.Logger
}

// RunSummary is what one run did. A step that failed outright leaves its
// report nil and records the error.
type RunSummary struct {
	Repair *service.RepairReport `json:"repair"`
	Dedup  *service.DedupReport  `json:"dedup"`
	Sync   *service.RepairReport `json:"sync"`
	Errors []string              `json:"errors"`
}

// NewScheduler creates a Scheduler. An empty schedule is allowed and makes
// Start a no-op.
func NewScheduler(reconciler Reconciler, schedule string, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    DefaultRunTimeout,
		logger:     logger,
	}
	if schedule == "" {
		return s, nil
	}

	cl := cronLogger{logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("jobs: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running on the schedule in cron's own goroutine.
func (s *Scheduler) Start() {
	if s.cron == nil {
		s.logger.Info("reconciliation schedule not set, background job disabled")
		return
	}
	s.cron.Start()
	s.logger.Info("reconciliation scheduler started", slog.String("schedule", s.schedule))
}

// Stop stops scheduling and waits for a run in progress to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("reconciliation run still in progress at shutdown")
	}
	s.logger.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce performs one full reconciliation pass. A failing step is logged and
// the following steps still run.
func (s *Scheduler) RunOnce(ctx context.Context) *RunSummary {
	start := time.Now()
	summary := &RunSummary{Errors: []string{}}

	fail := func(step string, err error) {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", step, err))
		metrics.ReconcileErrors.WithLabelValues(step).Inc()
		s.logger.Error("reconciliation step failed",
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
	}

	if orphans, err := s.reconciler.FindOrphans(ctx); err != nil {
		fail("find_orphans", err)
	} else if summary.Repair, err = s.reconciler.RepairLinks(ctx, orphans); err != nil {
		fail("repair_links", err)
	}

	if groups, err := s.reconciler.FindDuplicatePreferences(ctx); err != nil {
		fail("find_duplicates", err)
	} else if summary.Dedup, err = s.reconciler.ResolveDuplicates(ctx, groups); err != nil {
		fail("resolve_duplicates", err)
	}

	var err error
	if summary.Sync, err = s.reconciler.SyncExternalIDs(ctx); err != nil {
		fail("sync_external_ids", err)
	}

	attrs := []any{
		slog.Duration("duration", time.Since(start)),
		slog.Int("failedSteps", len(summary.Errors)),
	}
	if summary.Repair != nil {
		attrs = append(attrs,
			slog.Int("linksFixed", summary.Repair.Fixed),
			slog.Int("unrecoverableAccounts", summary.Repair.UnrecoverableAccounts),
			slog.Int("unrecoverablePreferences", summary.Repair.UnrecoverablePreferences),
		)
	}
	if summary.Dedup != nil {
		attrs = append(attrs, slog.Int("duplicatesDeleted", summary.Dedup.DeletedCount))
	}
	if summary.Sync != nil {
		attrs = append(attrs, slog.Int("externalIDsSynced", summary.Sync.Fixed))
	}
	s.logger.Info("reconciliation run finished", attrs...)
	return summary
}

// cronLogger routes cron's internal messages through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
