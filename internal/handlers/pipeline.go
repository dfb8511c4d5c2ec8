package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

const (
	// DefaultRunHistoryLimit is the default page size for run history
	DefaultRunHistoryLimit = 20

	// MaxRunHistoryLimit caps the run history page size
	MaxRunHistoryLimit = 100
)

// RunTrigger starts a pipeline run. Implemented by pipeline.Orchestrator.
type RunTrigger interface {
	Run(ctx context.Context, pipelineName string) (*pipeline.Result, error)
}

// PipelineHandler handles pipeline run and cursor API endpoints
type PipelineHandler struct {
	trigger RunTrigger
	cursors repositories.SyncCursorRepo
	runs    repositories.RunLogRepo
	logger  ectologger.Logger
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(
	trigger RunTrigger,
	cursors repositories.SyncCursorRepo,
	runs repositories.RunLogRepo,
	logger ectologger.Logger,
) *PipelineHandler {
	return &PipelineHandler{
		trigger: trigger,
		cursors: cursors,
		runs:    runs,
		logger:  logger,
	}
}

// RunResponse is the body returned by a completed trigger
type RunResponse struct {
	RunID         string           `json:"run_id"`
	Pipeline      string           `json:"pipeline"`
	Status        models.RunStatus `json:"status"`
	RowsProcessed int              `json:"rows_processed"`
	Skipped       int              `json:"skipped"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// RunSummary is one run history entry with the meta counters flattened
type RunSummary struct {
	ID            string           `json:"id"`
	Pipeline      string           `json:"pipeline"`
	Status        models.RunStatus `json:"status"`
	RowsProcessed int              `json:"rows_processed"`
	ErrorMessage  *string          `json:"error_message,omitempty"`
	Meta          models.RunMeta   `json:"meta"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// Register registers pipeline routes
func (h *PipelineHandler) Register(g *echo.Group) {
	g.POST("/:name/runs", h.TriggerRun)
	g.GET("/:name/runs", h.ListRuns)
	g.GET("/:name/cursor", h.GetCursor)
	g.DELETE("/:name/cursor", h.ResetCursor)
}

// TriggerRun starts a synchronous run of the named pipeline
func (h *PipelineHandler) TriggerRun(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PipelineHandler.TriggerRun")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	name, err := PipelineName(c)
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).Infof("Run triggered for pipeline %s", name)

	result, err := h.trigger.Run(ctx, name)
	if err != nil {
		return runError(name, err)
	}

	return AcceptedResponse(c, RunResponse{
		RunID:         result.RunID.String(),
		Pipeline:      result.Pipeline,
		Status:        result.Status,
		RowsProcessed: result.RowsProcessed,
		Skipped:       result.Skipped,
		StartedAt:     result.StartedAt,
		FinishedAt:    result.FinishedAt,
	})
}

// ListRuns returns run history for the named pipeline
func (h *PipelineHandler) ListRuns(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PipelineHandler.ListRuns")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	name, err := PipelineName(c)
	if err != nil {
		return err
	}

	limit := DefaultRunHistoryLimit
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return BadRequest("limit must be a positive integer")
		}
	}
	if limit > MaxRunHistoryLimit {
		limit = MaxRunHistoryLimit
	}

	runs, err := h.runs.ListByPipeline(ctx, name, limit)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list runs")
		return err
	}

	summaries := ectolinq.Map(runs, func(run models.RunLog) RunSummary {
		return RunSummary{
			ID:            run.ID.String(),
			Pipeline:      run.PipelineName,
			Status:        run.Status,
			RowsProcessed: run.RowsProcessed,
			ErrorMessage:  run.ErrorMessage,
			Meta:          run.Meta.Data,
			StartedAt:     run.StartedAt,
			FinishedAt:    run.FinishedAt,
		}
	})

	return SuccessResponse(c, summaries)
}

// GetCursor returns the named pipeline's sync cursor
func (h *PipelineHandler) GetCursor(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PipelineHandler.GetCursor")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	name, err := PipelineName(c)
	if err != nil {
		return err
	}

	cursor, err := h.cursors.Get(ctx, name)
	if err != nil {
		return err
	}

	return SuccessResponse(c, cursor)
}

// ResetCursor deletes the named pipeline's sync cursor so the next run
// resyncs from the beginning
func (h *PipelineHandler) ResetCursor(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PipelineHandler.ResetCursor")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	name, err := PipelineName(c)
	if err != nil {
		return err
	}

	if err := h.cursors.Reset(ctx, name); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to reset cursor")
		return err
	}

	h.logger.WithContext(ctx).Infof("Reset cursor for pipeline %s, next run will be a full sync", name)
	return NoContentResponse(c)
}

// runError maps a failed trigger to its HTTP response. The run log already
// carries the full detail; the response names the failure kind.
func runError(name string, err error) error {
	switch pipeline.Classify(err) {
	case "LockHeld":
		return httperror.NewHTTPErrorf(http.StatusConflict, "LockHeldError: pipeline %s is already running", name)
	case "AuthExpired":
		return httperror.NewHTTPError(http.StatusUnauthorized, "AuthExpired: authorization expired, reconnect the tenant")
	case "TransientFetchError", "NonTransientFetchError":
		return httperror.NewHTTPErrorf(http.StatusBadGateway, "upstream fetch failed: %v", err)
	default:
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "run failed: %v", err)
	}
}
