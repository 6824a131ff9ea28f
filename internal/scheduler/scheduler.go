// Package scheduler runs the queue's background loops: the worker reaper,
// retry promotion, progress reconciliation, and cron-scheduled database
// maintenance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and intervals for the scheduler.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// Metrics is optional; nil disables instrument updates.
	Metrics *otel.Metrics

	// HeartbeatTimeout is how long a worker may stay silent before the
	// reaper marks it offline.
	HeartbeatTimeout time.Duration
	// ReapInterval is the reaper sweep cadence; defaults to 10s.
	ReapInterval time.Duration
	// PromoteInterval is the retry-promotion cadence; defaults to 5s.
	PromoteInterval time.Duration
	// ReconcileInterval is the progress drift sweep cadence; defaults to 1m.
	ReconcileInterval time.Duration

	// BackupCron and OptimizeCron are 5-field cron expressions; empty
	// disables the job. BackupDir receives timestamped VACUUM INTO copies.
	BackupCron   string
	OptimizeCron string
	BackupDir    string
}

// Scheduler owns the background loops. All loops share one context and stop
// together.
type Scheduler struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics

	heartbeatTimeout  time.Duration
	reapInterval      time.Duration
	promoteInterval   time.Duration
	reconcileInterval time.Duration

	jobs []*cronJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cronJob struct {
	name string
	expr string
	next time.Time
	run  func(ctx context.Context) error
}

// New creates a Scheduler; it validates cron expressions up front so a bad
// config fails at startup, not at 3am.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 5 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}

	s := &Scheduler{
		store:             cfg.Store,
		logger:            logger.With("component", "scheduler"),
		metrics:           cfg.Metrics,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		reapInterval:      cfg.ReapInterval,
		promoteInterval:   cfg.PromoteInterval,
		reconcileInterval: cfg.ReconcileInterval,
	}

	if cfg.BackupCron != "" {
		if _, err := cronParser.Parse(cfg.BackupCron); err != nil {
			return nil, fmt.Errorf("invalid backup cron %q: %w", cfg.BackupCron, err)
		}
		backupDir := cfg.BackupDir
		s.jobs = append(s.jobs, &cronJob{
			name: "backup",
			expr: cfg.BackupCron,
			run: func(ctx context.Context) error {
				return cfg.Store.Backup(ctx, backupPath(backupDir, time.Now()))
			},
		})
	}
	if cfg.OptimizeCron != "" {
		if _, err := cronParser.Parse(cfg.OptimizeCron); err != nil {
			return nil, fmt.Errorf("invalid optimize cron %q: %w", cfg.OptimizeCron, err)
		}
		s.jobs = append(s.jobs, &cronJob{
			name: "optimize",
			expr: cfg.OptimizeCron,
			run:  cfg.Store.Optimize,
		})
	}
	return s, nil
}

// Start launches the background loops. It respects ctx for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.reapLoop(ctx)
	go s.promoteLoop(ctx)
	go s.reconcileLoop(ctx)

	if len(s.jobs) > 0 {
		now := time.Now()
		for _, job := range s.jobs {
			next, err := NextRunTime(job.expr, now)
			if err != nil {
				// Validated in New; keep the loop alive regardless.
				s.logger.Error("cron job disabled", "job", job.name, "error", err)
				continue
			}
			job.next = next
		}
		s.wg.Add(1)
		go s.cronLoop(ctx)
	}

	s.logger.Info("scheduler started",
		"heartbeat_timeout", s.heartbeatTimeout,
		"reap_interval", s.reapInterval,
		"promote_interval", s.promoteInterval,
		"reconcile_interval", s.reconcileInterval,
		"cron_jobs", len(s.jobs),
	)
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Scheduler) reapOnce(ctx context.Context) {
	report, err := s.store.ReapStaleWorkers(ctx, int(s.heartbeatTimeout.Seconds()))
	if err != nil {
		s.logger.Error("reaper sweep failed", "error", err)
		return
	}
	if report.WorkersReaped == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.TasksReaped.Add(ctx, int64(report.TasksRecovered+report.TasksFailed))
	}
	s.logger.Warn("reaped stale workers",
		"workers", report.WorkersReaped,
		"worker_ids", report.WorkerIDs,
		"tasks_recovered", report.TasksRecovered,
		"tasks_failed", report.TasksFailed,
	)
}

func (s *Scheduler) promoteLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := s.store.PromoteDueRetries(ctx)
			if err != nil {
				s.logger.Error("retry promotion failed", "error", err)
				continue
			}
			if promoted > 0 {
				s.logger.Debug("promoted due retries", "count", promoted)
			}
		}
	}
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ReconcileAllProgress(ctx)
			if err != nil {
				s.logger.Error("progress reconciliation failed", "error", err)
				continue
			}
			s.logger.Debug("reconciled progress", "sessions", n)
		}
	}
}

// cronLoop ticks every 30 seconds and fires any job whose next run time has
// passed, then advances it.
func (s *Scheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, job := range s.jobs {
				if job.next.IsZero() || now.Before(job.next) {
					continue
				}
				if err := job.run(ctx); err != nil {
					s.logger.Error("cron job failed", "job", job.name, "error", err)
				} else {
					s.logger.Info("cron job ran", "job", job.name)
				}
				next, err := NextRunTime(job.expr, now)
				if err != nil {
					s.logger.Error("cron job disabled", "job", job.name, "error", err)
					job.next = time.Time{}
					continue
				}
				job.next = next
			}
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func backupPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("queue-%s.db", now.UTC().Format("20060102-150405")))
}
