// Package pipeline drives sync runs end to end: advisory lock, token
// acquisition, remote fetch, warehouse apply, watermark advancement and the
// run log write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/warehouse"
	"github.com/Ramsey-B/fern/pkg/xero"
	"github.com/Ramsey-B/stem/pkg/database"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

// Registered pipeline names
const (
	PipelineXeroSync  = "xero_sync"
	PipelineXeroItems = "xero_items"
)

const (
	// DefaultLockTTL bounds how long a crashed run keeps its pipeline locked
	DefaultLockTTL = 15 * time.Minute

	// DefaultAbortThresholdPercent aborts a run when a batch skips more than
	// this share of its records
	DefaultAbortThresholdPercent = 50
)

// Pipelines lists the registered pipeline names
func Pipelines() []string {
	return []string{PipelineXeroSync, PipelineXeroItems}
}

// KnownPipeline reports whether name is a registered pipeline
func KnownPipeline(name string) bool {
	return name == PipelineXeroSync || name == PipelineXeroItems
}

// SessionSource produces ready-to-use remote API sessions
type SessionSource interface {
	Ensure(ctx context.Context) (*auth.Session, error)
}

// Fetcher pulls changed records from the remote accounting API
type Fetcher interface {
	FetchChangedInvoices(ctx context.Context, sess *auth.Session, since time.Time) ([]xero.Page, xero.FetchStats, error)
	FetchItems(ctx context.Context, sess *auth.Session) ([]xero.Item, xero.FetchStats, error)
}

// Applier writes fetched records into the warehouse
type Applier interface {
	ApplyBatch(ctx context.Context, invoices []xero.Invoice) (warehouse.BatchResult, error)
	ApplyItems(ctx context.Context, items []xero.Item) (warehouse.ItemsResult, error)
}

// RunLock is a held advisory lock
type RunLock interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker grants exclusive pipeline runs
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (RunLock, error)
}

// Emitter publishes run lifecycle events
type Emitter interface {
	PublishRunCompleted(ctx context.Context, msg *kafka.RunCompletedMessage) error
}

// Result is what a run hands back to its trigger surface
type Result struct {
	RunID         uuid.UUID
	Pipeline      string
	Status        models.RunStatus
	RowsProcessed int
	Skipped       int
	StartedAt     time.Time
	FinishedAt    time.Time
	Err           error
}

// Orchestrator executes pipeline runs. Exactly one run log row is written
// per invocation that acquires the lock, from a deferred path, so the audit
// trail survives a failure in any stage.
type Orchestrator struct {
	sessions SessionSource
	fetcher  Fetcher
	cursors  repositories.SyncCursorRepo
	runs     repositories.RunLogRepo
	locker   Locker
	emitter  Emitter
	logger   ectologger.Logger

	newApplier     func() Applier
	lockTTL        time.Duration
	abortThreshold int
}

// NewOrchestrator creates a new orchestrator. The emitter may be nil when
// event publishing is disabled.
func NewOrchestrator(
	cfg *config.Config,
	sessions SessionSource,
	fetcher Fetcher,
	warehouseRepo repositories.WarehouseRepo,
	cursors repositories.SyncCursorRepo,
	runs repositories.RunLogRepo,
	locker Locker,
	emitter Emitter,
	logger ectologger.Logger,
) *Orchestrator {
	lockTTL := cfg.SyncLockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	threshold := cfg.MappingAbortThresholdPercent
	if threshold < 0 || threshold > 100 {
		threshold = DefaultAbortThresholdPercent
	}

	return &Orchestrator{
		sessions: sessions,
		fetcher:  fetcher,
		cursors:  cursors,
		runs:     runs,
		locker:   locker,
		emitter:  emitter,
		logger:   logger,
		newApplier: func() Applier {
			// Each run gets a fresh applier so its product cache cannot go
			// stale across runs
			return warehouse.NewApplier(warehouseRepo, logger)
		},
		lockTTL:        lockTTL,
		abortThreshold: threshold,
	}
}

// Run executes one pipeline invocation. It fails fast with ErrLockHeld when
// the pipeline is already running; once the lock is held every outcome is
// recorded in the run log before Run returns.
func (o *Orchestrator) Run(ctx context.Context, pipeline string) (result *Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.Run")
	defer span.End()

	if !KnownPipeline(pipeline) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipeline)
	}

	lock, err := o.locker.Acquire(ctx, pipeline, o.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			o.logger.WithContext(ctx).Warnf("Pipeline %s is already running", pipeline)
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, pipeline)
		}
		return nil, fmt.Errorf("failed to acquire lock for pipeline %s: %w", pipeline, err)
	}
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			o.logger.WithContext(ctx).WithError(releaseErr).Warnf("Failed to release lock for pipeline %s", pipeline)
		}
	}()

	result = &Result{
		RunID:     uuid.New(),
		Pipeline:  pipeline,
		StartedAt: time.Now().UTC(),
	}
	meta := &models.RunMeta{}

	o.logger.WithContext(ctx).Infof("Starting run %s for pipeline %s", result.RunID, pipeline)

	// The run log write happens exactly once no matter where the run stops,
	// a panicking stage included
	completed := false
	defer func() {
		if !completed && result.Err == nil {
			result.Err = errors.New("run aborted before completion")
		}
		o.finish(ctx, result, meta)
		err = result.Err
	}()

	switch pipeline {
	case PipelineXeroSync:
		result.Err = o.syncInvoices(ctx, lock, result, meta)
	case PipelineXeroItems:
		result.Err = o.syncItems(ctx, lock, result, meta)
	}
	completed = true

	return result, result.Err
}

// syncInvoices runs the incremental invoice pipeline: fetch everything
// modified since the watermark, apply page by page, then advance the
// watermark to the last fully applied page.
func (o *Orchestrator) syncInvoices(ctx context.Context, lock RunLock, result *Result, meta *models.RunMeta) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.syncInvoices")
	defer span.End()

	sess, err := o.sessions.Ensure(ctx)
	if err != nil {
		return err
	}
	if sess.Refreshed {
		meta.TokenRefreshes++
	}

	since, found, err := o.cursors.GetWatermark(ctx, PipelineXeroSync)
	if err != nil {
		return fmt.Errorf("%w: load watermark: %v", ErrPersistence, err)
	}
	if !found {
		o.logger.WithContext(ctx).Infof("No cursor for pipeline %s, running a full sync", PipelineXeroSync)
	}

	pages, stats, err := o.fetcher.FetchChangedInvoices(ctx, sess, since)
	meta.Pages = stats.Pages
	meta.Fetched = stats.Records
	meta.FetchRetries = stats.Retries
	if err != nil {
		return err
	}

	if len(pages) == 0 {
		o.logger.WithContext(ctx).Infof("Pipeline %s is up to date", PipelineXeroSync)
		return nil
	}

	// Fetching may have eaten into the lock TTL, restore it for the apply phase
	if err := lock.Extend(ctx, o.lockTTL); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warnf("Failed to extend lock for pipeline %s", PipelineXeroSync)
	}

	applier := o.newApplier()

	var total warehouse.BatchResult
	var watermark time.Time

	for _, page := range pages {
		res, applyErr := applier.ApplyBatch(ctx, page.Invoices)
		total.Add(res)
		recordInvoiceCounts(result, meta, total)

		if applyErr != nil {
			o.advanceAfterFailure(ctx, PipelineXeroSync, watermark)
			return fmt.Errorf("%w: apply page %d: %v", ErrPersistence, page.Number, applyErr)
		}

		if exceedsThreshold(res.Skipped, len(page.Invoices), o.abortThreshold) {
			o.advanceAfterFailure(ctx, PipelineXeroSync, watermark)
			return fmt.Errorf("%w: page %d skipped %d of %d invoices", ErrSkipThreshold, page.Number, res.Skipped, len(page.Invoices))
		}

		if last := lastUpdated(page.Invoices); last.After(watermark) {
			watermark = last
		}
	}

	if err := o.advanceWatermark(ctx, PipelineXeroSync, watermark); err != nil {
		return fmt.Errorf("%w: advance watermark: %v", ErrPersistence, err)
	}

	return nil
}

// syncItems runs the item catalog pipeline. The items endpoint returns the
// full catalog, so this pipeline keeps no cursor.
func (o *Orchestrator) syncItems(ctx context.Context, lock RunLock, result *Result, meta *models.RunMeta) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.syncItems")
	defer span.End()

	sess, err := o.sessions.Ensure(ctx)
	if err != nil {
		return err
	}
	if sess.Refreshed {
		meta.TokenRefreshes++
	}

	items, stats, err := o.fetcher.FetchItems(ctx, sess)
	meta.Pages = stats.Pages
	meta.Fetched = stats.Records
	meta.FetchRetries = stats.Retries
	if err != nil {
		return err
	}

	if len(items) == 0 {
		o.logger.WithContext(ctx).Infof("Pipeline %s found no items", PipelineXeroItems)
		return nil
	}

	if err := lock.Extend(ctx, o.lockTTL); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warnf("Failed to extend lock for pipeline %s", PipelineXeroItems)
	}

	res, err := o.newApplier().ApplyItems(ctx, items)
	result.RowsProcessed = res.Matched + res.Created
	result.Skipped = res.Skipped
	meta.Skipped = res.Skipped
	if err != nil {
		return fmt.Errorf("%w: apply items: %v", ErrPersistence, err)
	}

	if exceedsThreshold(res.Skipped, len(items), o.abortThreshold) {
		return fmt.Errorf("%w: skipped %d of %d items", ErrSkipThreshold, res.Skipped, len(items))
	}

	o.logger.WithContext(ctx).Infof("Item catalog applied: %d matched, %d created, %d skipped", res.Matched, res.Created, res.Skipped)
	return nil
}

// finish classifies the outcome, writes the run log entry and emits the
// completion event
func (o *Orchestrator) finish(ctx context.Context, result *Result, meta *models.RunMeta) {
	result.FinishedAt = time.Now().UTC()
	duration := result.FinishedAt.Sub(result.StartedAt)

	switch {
	case result.Err != nil:
		result.Status = models.RunStatusFailure
	case result.Skipped > 0:
		result.Status = models.RunStatusPartial
	default:
		result.Status = models.RunStatusSuccess
	}

	var errorMessage *string
	if result.Err != nil {
		msg := result.Err.Error()
		if kind := Classify(result.Err); kind != "" {
			msg = kind + ": " + msg
		}
		errorMessage = &msg
	}

	entry := &models.RunLog{
		ID:            result.RunID,
		PipelineName:  result.Pipeline,
		Status:        result.Status,
		RowsProcessed: result.RowsProcessed,
		ErrorMessage:  errorMessage,
		Meta:          database.JSONB[models.RunMeta]{Data: *meta},
		StartedAt:     result.StartedAt,
		FinishedAt:    result.FinishedAt,
	}
	if err := o.runs.RecordRun(ctx, entry); err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("Failed to record run log entry")
	}

	metrics.RecordRun(result.Pipeline, string(result.Status), duration.Seconds())
	metrics.AddRunCounts(result.Pipeline, result.RowsProcessed, result.Skipped, meta.FetchRetries)

	o.logger.WithContext(ctx).Infof("Run %s completed: pipeline=%s status=%s rows=%d skipped=%d duration=%s",
		result.RunID, result.Pipeline, result.Status, result.RowsProcessed, result.Skipped, duration)

	o.emit(ctx, result)
}

// emit publishes the run completion event. Publishing is best effort.
func (o *Orchestrator) emit(ctx context.Context, result *Result) {
	if o.emitter == nil {
		return
	}

	msg := &kafka.RunCompletedMessage{
		RunID:         result.RunID.String(),
		Pipeline:      result.Pipeline,
		Status:        string(result.Status),
		RowsProcessed: result.RowsProcessed,
		Skipped:       result.Skipped,
		StartedAt:     result.StartedAt,
		FinishedAt:    result.FinishedAt,
	}
	if result.Err != nil {
		msg.ErrorMessage = result.Err.Error()
	}

	if err := o.emitter.PublishRunCompleted(ctx, msg); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Failed to publish run completion event")
	}
}

// advanceWatermark moves the cursor forward. A zero watermark means no page
// fully applied, so the cursor is left untouched.
func (o *Orchestrator) advanceWatermark(ctx context.Context, pipeline string, watermark time.Time) error {
	if watermark.IsZero() {
		return nil
	}
	if err := o.cursors.AdvanceWatermark(ctx, pipeline, watermark); err != nil {
		return err
	}
	o.logger.WithContext(ctx).Infof("Advanced watermark for pipeline %s to %s", pipeline, watermark.Format(time.RFC3339))
	return nil
}

// advanceAfterFailure advances the watermark over the pages that fully
// applied before a failure, so the next run resumes there instead of
// refetching them
func (o *Orchestrator) advanceAfterFailure(ctx context.Context, pipeline string, watermark time.Time) {
	if err := o.advanceWatermark(ctx, pipeline, watermark); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warnf("Failed to advance watermark for pipeline %s after failure", pipeline)
	}
}

func recordInvoiceCounts(result *Result, meta *models.RunMeta, total warehouse.BatchResult) {
	result.RowsProcessed = total.Applied + total.Removed
	result.Skipped = total.Skipped
	meta.Skipped = total.Skipped
	meta.Removed = total.Removed
	meta.RoundedQuantities = total.RoundedQuantities
}

// exceedsThreshold reports whether skipped records exceed the allowed
// percentage of a batch
func exceedsThreshold(skipped, batchSize, percent int) bool {
	if skipped == 0 || batchSize == 0 {
		return false
	}
	return skipped*100 > percent*batchSize
}

func lastUpdated(invoices []xero.Invoice) time.Time {
	var max time.Time
	for i := range invoices {
		if t := invoices[i].UpdatedDateUTC.Time; t.After(max) {
			max = t
		}
	}
	return max
}

// redisLocker adapts the redis locker to the Locker interface, mapping its
// not-acquired error to ErrLockHeld
type redisLocker struct {
	locker *redis.Locker
}

// NewRedisLocker wraps a redis locker for use by the orchestrator
func NewRedisLocker(locker *redis.Locker) Locker {
	return &redisLocker{locker: locker}
}

func (r *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (RunLock, error) {
	lock, err := r.locker.Acquire(ctx, key, ttl)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	return lock, nil
}
