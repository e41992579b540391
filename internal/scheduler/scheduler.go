// Package scheduler runs the dispatch side of the controller: a pool of
// workers that claim pending commands and deliver them, a watchdog that
// reclaims commands stuck in processing, and a retention sweeper that prunes
// old terminal records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"siterelay/internal/events"
	"siterelay/internal/metrics"
	"siterelay/internal/queue"
	"siterelay/internal/retry"
)

const reclaimedError = "execution timed out and the claim was reclaimed"

type Config struct {
	// Workers is the claim loop count. Per-tenant ordering does not depend
	// on it; the claim statement serializes tenants on its own.
	Workers int

	// PollInterval is how long an idle worker waits before probing again.
	PollInterval time.Duration

	// ExecuteTimeout bounds one remote call. The watchdog treats claims
	// older than twice this as abandoned.
	ExecuteTimeout time.Duration

	Backoff retry.Policy

	// WatchdogInterval is the reclaim scan period.
	WatchdogInterval time.Duration

	// RetentionAge is how long terminal commands are kept. Zero disables
	// the sweeper.
	RetentionAge time.Duration

	// SweepInterval is the retention scan period.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 30 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 30 * time.Second
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = 30 * time.Minute
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return c
}

// Scheduler owns the worker pool and the two maintenance loops.
type Scheduler struct {
	cfg      Config
	store    Store
	executor Executor
	events   *events.Hub
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, store Store, executor Executor, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    store,
		executor: executor,
		events:   hub,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start recovers claims abandoned by a previous run, then launches the
// worker pool, the watchdog, and (when retention is configured) the sweeper.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler", "workers", s.cfg.Workers)

	// Same pass the watchdog runs, done synchronously so a crash-restart
	// frees stranded commands before new claims begin. The age threshold
	// keeps a healthy co-instance's in-flight work untouched.
	if err := s.reapOnce(ctx); err != nil {
		return fmt.Errorf("startup reclaim: %w", err)
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx, i)
	}

	s.wg.Add(1)
	go s.runWatchdog(ctx)

	if s.cfg.RetentionAge > 0 {
		s.wg.Add(1)
		go s.runSweeper(ctx)
	}
	return nil
}

// Stop halts all loops and waits for in-flight deliveries to settle.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runWorker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain while there is eligible work, then sleep one interval.
		for {
			if s.stopped(ctx) {
				return
			}
			ok, err := s.dispatchNext(ctx)
			if err != nil {
				logger.Error("dispatch pass failed", "error", err)
				break
			}
			if !ok {
				break
			}
		}

		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// dispatchNext claims one command, delivers it, and settles the outcome.
// Returns false when nothing was eligible.
func (s *Scheduler) dispatchNext(ctx context.Context) (bool, error) {
	cmd, err := s.store.Claim(ctx)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if cmd == nil {
		return false, nil
	}

	logger := s.logger.With(
		"command_id", cmd.ID,
		"tenant_id", cmd.TenantID,
		"command_type", cmd.CommandType,
	)

	tenant, err := s.store.GetTenant(ctx, cmd.TenantID)
	if err != nil {
		// Without a directory row there is no site URL to deliver to.
		msg := "tenant not found"
		if !errors.Is(err, queue.ErrTenantNotFound) {
			msg = fmt.Sprintf("tenant lookup: %v", err)
		}
		logger.Error("dropping undeliverable command", "error", msg)
		return true, s.settleFail(ctx, logger, cmd, msg, 0)
	}
	if !tenant.Enabled {
		logger.Warn("tenant disabled, failing command")
		return true, s.settleFail(ctx, logger, cmd, "tenant disabled", 0)
	}

	res := s.executor.Execute(ctx, *tenant, *cmd)
	action, retryAt := s.cfg.Backoff.Decide(time.Now(), res.Class, cmd.RetryCount, cmd.MaxRetries)

	switch action {
	case retry.ActionComplete:
		err = s.store.Complete(ctx, cmd.ID, res.Body)
		if err == nil {
			metrics.ObserveDispatch(string(cmd.CommandType), metrics.OutcomeCompleted, res.Duration)
			s.events.Publish(events.CommandCompleted, map[string]any{
				"command_id":   cmd.ID,
				"tenant_id":    cmd.TenantID,
				"command_type": cmd.CommandType,
				"duration_ms":  res.Duration.Milliseconds(),
			})
			logger.Info("command completed", "status", res.Status, "duration_ms", res.Duration.Milliseconds())
		}
	case retry.ActionRequeue:
		err = s.store.Requeue(ctx, cmd.ID, retryAt, res.ErrorMessage())
		if err == nil {
			metrics.ObserveDispatch(string(cmd.CommandType), metrics.OutcomeRetried, res.Duration)
			s.events.Publish(events.CommandRetrying, map[string]any{
				"command_id":   cmd.ID,
				"tenant_id":    cmd.TenantID,
				"command_type": cmd.CommandType,
				"retry_count":  cmd.RetryCount + 1,
				"next_attempt": retryAt.UTC(),
			})
			logger.Warn("command requeued",
				"error", res.ErrorMessage(),
				"retry_count", cmd.RetryCount+1,
				"max_retries", cmd.MaxRetries,
				"next_attempt", retryAt.UTC(),
			)
		}
	case retry.ActionFail:
		logger.Error("command failed", "error", res.ErrorMessage(), "retry_count", cmd.RetryCount)
		return true, s.settleFail(ctx, logger, cmd, res.ErrorMessage(), res.Duration)
	}

	return true, s.ignoreConflict(logger, err)
}

func (s *Scheduler) settleFail(ctx context.Context, logger *slog.Logger, cmd *queue.Command, msg string, d time.Duration) error {
	err := s.store.Fail(ctx, cmd.ID, msg)
	if err == nil {
		metrics.ObserveDispatch(string(cmd.CommandType), metrics.OutcomeFailed, d)
		s.events.Publish(events.CommandFailed, map[string]any{
			"command_id":   cmd.ID,
			"tenant_id":    cmd.TenantID,
			"command_type": cmd.CommandType,
			"error":        msg,
		})
	}
	return s.ignoreConflict(logger, err)
}

// ignoreConflict downgrades a settle race to a log line: the watchdog beat
// us to the record, and its disposition stands.
func (s *Scheduler) ignoreConflict(logger *slog.Logger, err error) error {
	if errors.Is(err, queue.ErrConflict) {
		logger.Warn("settle conflict, command already transitioned")
		return nil
	}
	return err
}

func (s *Scheduler) runWatchdog(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.reapOnce(ctx); err != nil {
				s.logger.Error("watchdog pass failed", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reapOnce routes processing commands whose claim is older than twice the
// execute timeout: back to pending with budget left, failed otherwise.
func (s *Scheduler) reapOnce(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-2 * s.cfg.ExecuteTimeout)
	retryAt := now.Add(s.cfg.Backoff.Delay(1))

	requeued, failed, err := s.store.ReapStale(ctx, cutoff, retryAt, reclaimedError)
	if err != nil {
		return err
	}
	if requeued == 0 && failed == 0 {
		return nil
	}

	metrics.AddReclaimed("requeued", requeued)
	metrics.AddReclaimed("failed", failed)
	s.events.Publish(events.CommandReclaimed, map[string]any{
		"requeued": requeued,
		"failed":   failed,
	})
	s.logger.Warn("reclaimed stuck commands", "requeued", requeued, "failed", failed)
	return nil
}

func (s *Scheduler) runSweeper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweepOnce deletes terminal commands older than the retention age. Pending
// and processing rows are never touched; the store enforces that.
func (s *Scheduler) sweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.RetentionAge)

	deleted, err := s.store.Cleanup(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}

	metrics.AddRetentionDeleted(deleted)
	s.events.Publish(events.RetentionSwept, map[string]any{
		"deleted": deleted,
		"cutoff":  cutoff.UTC(),
	})
	s.logger.Info("retention sweep removed old commands", "deleted", deleted, "cutoff", cutoff.UTC())
	return nil
}
