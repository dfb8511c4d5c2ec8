package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

var (
	// ErrSchedulerStopped is returned when the scheduler is stopped
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between scheduling cycles
	DefaultPollInterval = time.Minute

	// DefaultSyncInterval is how stale a pipeline's last completed run may be
	// before a new run is due
	DefaultSyncInterval = 24 * time.Hour
)

// Runner triggers a pipeline run. Implemented by pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, pipelineName string) (*pipeline.Result, error)
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to check whether pipelines are due
	PollInterval time.Duration

	// SyncInterval is the age of the last completed run beyond which a
	// pipeline is due again
	SyncInterval time.Duration

	// Pipelines is the set of pipelines the scheduler watches
	Pipelines []string
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		SyncInterval: DefaultSyncInterval,
		Pipelines:    pipeline.Pipelines(),
	}
}

// Scheduler polls run history and triggers pipelines whose last completed
// run is older than the sync interval. Scheduling is normally an external
// cron; this loop exists for deployments without one.
type Scheduler struct {
	runner Runner
	runs   repositories.RunLogRepo
	config Config
	logger ectologger.Logger

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(
	runner Runner,
	runs repositories.RunLogRepo,
	config Config,
	logger ectologger.Logger,
) *Scheduler {
	// Apply defaults
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if len(config.Pipelines) == 0 {
		config.Pipelines = pipeline.Pipelines()
	}

	return &Scheduler{
		runner:   runner,
		runs:     runs,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Scheduler.Start")
	defer span.End()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s sync_interval=%s pipelines=%v",
		s.config.PollInterval, s.config.SyncInterval, s.config.Pipelines)

	// Start the polling loop
	go s.pollLoop(ctx)

	s.logger.WithContext(ctx).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")

	close(s.stopCh)

	// Wait for graceful shutdown with timeout
	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// pollLoop continuously polls for due pipelines
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runSchedulingCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler poll loop stopping")
			return
		case <-ticker.C:
			s.runSchedulingCycle(ctx)
		}
	}
}

// runSchedulingCycle runs a single scheduling cycle
func (s *Scheduler) runSchedulingCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runSchedulingCycle")
	defer span.End()

	start := time.Now()
	s.logger.WithContext(ctx).Debug("Running scheduling cycle")

	triggered := 0
	held := 0
	failed := 0

	for _, name := range s.config.Pipelines {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if !s.due(ctx, name) {
			continue
		}

		_, err := s.trigger(ctx, name)
		switch {
		case errors.Is(err, pipeline.ErrLockHeld):
			held++
		case err != nil:
			failed++
		default:
			triggered++
		}
	}

	if triggered == 0 && held == 0 && failed == 0 {
		s.logger.WithContext(ctx).Debug("No pipelines due")
		return
	}

	duration := time.Since(start)
	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: triggered=%d held=%d failed=%d duration=%s",
		triggered, held, failed, duration)
}

// due reports whether the pipeline's last completed run is older than the
// sync interval. A pipeline with no completed runs at all is due.
func (s *Scheduler) due(ctx context.Context, pipelineName string) bool {
	last, err := s.runs.GetLastCompleted(ctx, pipelineName)
	if err != nil {
		if isNotFound(err) {
			s.logger.WithContext(ctx).Infof("Pipeline %s has never completed, scheduling first run", pipelineName)
			return true
		}
		s.logger.WithContext(ctx).WithError(err).Errorf("Failed to check last completed run for pipeline %s", pipelineName)
		return false
	}

	return time.Since(last.FinishedAt) >= s.config.SyncInterval
}

// trigger runs a single due pipeline through the orchestrator
func (s *Scheduler) trigger(ctx context.Context, pipelineName string) (*pipeline.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.trigger")
	defer span.End()

	s.logger.WithContext(ctx).Infof("Triggering scheduled run for pipeline %s", pipelineName)
	metrics.SchedulerRunsTriggered.Inc()

	result, err := s.runner.Run(ctx, pipelineName)
	if err != nil {
		if errors.Is(err, pipeline.ErrLockHeld) {
			// Another trigger beat us to it, the lock holder records the run
			s.logger.WithContext(ctx).Debugf("Pipeline %s is already running, skipping", pipelineName)
			return nil, err
		}
		// The orchestrator already logged and recorded the failure
		s.logger.WithContext(ctx).WithError(err).Warnf("Scheduled run for pipeline %s failed", pipelineName)
		return result, err
	}

	s.logger.WithContext(ctx).Infof("Scheduled run %s for pipeline %s finished with status %s",
		result.RunID, pipelineName, result.Status)
	return result, nil
}

func isNotFound(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}
