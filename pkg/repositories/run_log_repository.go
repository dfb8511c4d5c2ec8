package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/stem/pkg/database"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

const runLogsTable = "run_logs"

var runLogStruct = database.NewStruct(new(models.RunLog))

// RunLogRepository handles database operations for pipeline run logs
type RunLogRepository struct {
	*Repository
}

// NewRunLogRepository creates a new run log repository
func NewRunLogRepository(db database.DB, logger ectologger.Logger) *RunLogRepository {
	return &RunLogRepository{
		Repository: NewRepository(db, logger),
	}
}

// RecordRun inserts the run log row for a finished invocation
func (r *RunLogRepository) RecordRun(ctx context.Context, entry *models.RunLog) error {
	ctx, span := tracing.StartSpan(ctx, "RunLogRepository.RecordRun")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(runLogsTable).
		Cols("id", "pipeline_name", "status", "rows_processed", "error_message", "meta",
			"started_at", "finished_at").
		Values(entry.ID, entry.PipelineName, entry.Status, entry.RowsProcessed, entry.ErrorMessage, entry.Meta,
			entry.StartedAt, entry.FinishedAt)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id":        entry.ID,
			"pipeline_name": entry.PipelineName,
		}).Error("failed to record run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record run")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":        entry.ID,
		"pipeline_name": entry.PipelineName,
		"status":        entry.Status,
	}).Debugf("Created %s", runLogsTable)
	return nil
}

// ListByPipeline retrieves the most recent runs for a pipeline
func (r *RunLogRepository) ListByPipeline(ctx context.Context, pipelineName string, limit int) ([]models.RunLog, error) {
	ctx, span := tracing.StartSpan(ctx, "RunLogRepository.ListByPipeline")
	defer span.End()

	sb := runLogStruct.SelectFrom(runLogsTable)
	sb.Where(sb.Equal("pipeline_name", pipelineName))
	sb.OrderBy("started_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var runs []models.RunLog
	err := r.DB().SelectContext(ctx, &runs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"pipeline_name": pipelineName,
		}).Error("failed to list runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"pipeline_name": pipelineName,
	}).Debugf("Listed %d runs for pipeline %s", len(runs), pipelineName)
	return runs, nil
}

// GetLastCompleted retrieves the most recent run that finished with a success
// or partial status, which is what the scheduler uses for its due check
func (r *RunLogRepository) GetLastCompleted(ctx context.Context, pipelineName string) (*models.RunLog, error) {
	ctx, span := tracing.StartSpan(ctx, "RunLogRepository.GetLastCompleted")
	defer span.End()

	sb := runLogStruct.SelectFrom(runLogsTable)
	sb.Where(
		sb.Equal("pipeline_name", pipelineName),
		sb.In("status", models.RunStatusSuccess, models.RunStatusPartial),
	)
	sb.OrderBy("finished_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var run models.RunLog
	err := r.DB().GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no completed runs for pipeline %s", pipelineName)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"pipeline_name": pipelineName,
		}).Error("failed to get last completed run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get last completed run")
	}

	return &run, nil
}
