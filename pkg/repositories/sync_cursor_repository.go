package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/stem/pkg/database"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

const syncCursorsTable = "sync_cursors"

var syncCursorStruct = database.NewStruct(new(models.SyncCursor))

// SyncCursorRepository handles database operations for pipeline sync cursors
type SyncCursorRepository struct {
	*Repository
}

// NewSyncCursorRepository creates a new sync cursor repository
func NewSyncCursorRepository(db database.DB, logger ectologger.Logger) *SyncCursorRepository {
	return &SyncCursorRepository{
		Repository: NewRepository(db, logger),
	}
}

// Get retrieves the cursor for a pipeline
func (r *SyncCursorRepository) Get(ctx context.Context, pipelineName string) (*models.SyncCursor, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncCursorRepository.Get")
	defer span.End()

	sb := syncCursorStruct.SelectFrom(syncCursorsTable)
	sb.Where(sb.Equal("pipeline_name", pipelineName))

	query, args := sb.Build()
	var cursor models.SyncCursor
	err := r.DB().GetContext(ctx, &cursor, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "cursor for pipeline %s does not exist", pipelineName)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"pipeline_name": pipelineName,
		}).Error("failed to get sync cursor")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync cursor")
	}

	return &cursor, nil
}

// GetWatermark returns the watermark for a pipeline. The second return value
// reports whether a cursor exists, so a missing row means a full resync.
func (r *SyncCursorRepository) GetWatermark(ctx context.Context, pipelineName string) (time.Time, bool, error) {
	cursor, err := r.Get(ctx, pipelineName)
	if err != nil {
		if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return cursor.Watermark, true, nil
}

// AdvanceWatermark creates or moves the cursor forward. The guard on the
// conflict branch keeps the watermark from ever moving backwards.
func (r *SyncCursorRepository) AdvanceWatermark(ctx context.Context, pipelineName string, watermark time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "SyncCursorRepository.AdvanceWatermark")
	defer span.End()

	now := time.Now().UTC()

	// Use parameterized timestamp instead of NOW() for Citus compatibility
	query := `
		INSERT INTO sync_cursors (pipeline_name, watermark, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pipeline_name)
		DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = EXCLUDED.updated_at
		WHERE sync_cursors.watermark <= EXCLUDED.watermark`

	_, err := r.DB().ExecContext(ctx, query, pipelineName, watermark, now)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"pipeline_name": pipelineName,
			"watermark":     watermark,
		}).Error("failed to advance sync cursor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to advance sync cursor")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"pipeline_name": pipelineName,
		"watermark":     watermark,
	}).Infof("Advanced %s for pipeline=%s", syncCursorsTable, pipelineName)
	return nil
}

// Reset removes the cursor so the next run performs a full resync. Resetting
// a pipeline that has no cursor is a no-op.
func (r *SyncCursorRepository) Reset(ctx context.Context, pipelineName string) error {
	ctx, span := tracing.StartSpan(ctx, "SyncCursorRepository.Reset")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(syncCursorsTable).
		Where(db.Equal("pipeline_name", pipelineName))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"pipeline_name": pipelineName,
		}).Error("failed to reset sync cursor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset sync cursor")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"pipeline_name": pipelineName,
		"rows":          rows,
	}).Infof("Reset %s for pipeline=%s", syncCursorsTable, pipelineName)
	return nil
}
