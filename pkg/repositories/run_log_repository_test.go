package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/stem/pkg/database"
)

func TestRunLogRepository_RecordAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	repo := repositories.NewRunLogRepository(db, logger)

	pipeline := "test_pipeline_" + uuid.New().String()
	ctx := context.Background()

	_, err := repo.GetLastCompleted(ctx, pipeline)
	assertNotFound(t, err)

	started := time.Now().UTC().Add(-time.Minute)

	failure := &models.RunLog{
		PipelineName:  pipeline,
		Status:        models.RunStatusFailure,
		RowsProcessed: 0,
		ErrorMessage:  strPtr("credential refresh rejected"),
		Meta:          database.JSONB[models.RunMeta]{Data: models.RunMeta{TokenRefreshes: 1}},
		StartedAt:     started,
		FinishedAt:    started.Add(5 * time.Second),
	}
	err = repo.RecordRun(ctx, failure)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, failure.ID)

	// A failed run never counts as completed
	_, err = repo.GetLastCompleted(ctx, pipeline)
	assertNotFound(t, err)

	success := &models.RunLog{
		PipelineName:  pipeline,
		Status:        models.RunStatusSuccess,
		RowsProcessed: 42,
		Meta: database.JSONB[models.RunMeta]{Data: models.RunMeta{
			Pages:   2,
			Fetched: 42,
		}},
		StartedAt:  started.Add(10 * time.Second),
		FinishedAt: started.Add(30 * time.Second),
	}
	err = repo.RecordRun(ctx, success)
	require.NoError(t, err)

	partial := &models.RunLog{
		PipelineName:  pipeline,
		Status:        models.RunStatusPartial,
		RowsProcessed: 7,
		ErrorMessage:  strPtr("request timed out after 3 retries"),
		Meta: database.JSONB[models.RunMeta]{Data: models.RunMeta{
			Pages:        1,
			Fetched:      7,
			FetchRetries: 3,
		}},
		StartedAt:  started.Add(40 * time.Second),
		FinishedAt: started.Add(50 * time.Second),
	}
	err = repo.RecordRun(ctx, partial)
	require.NoError(t, err)

	runs, err := repo.ListByPipeline(ctx, pipeline, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// Most recent first
	assert.Equal(t, partial.ID, runs[0].ID)
	assert.Equal(t, success.ID, runs[1].ID)
	assert.Equal(t, failure.ID, runs[2].ID)
	assert.Equal(t, 3, runs[0].Meta.Data.FetchRetries)

	runs, err = repo.ListByPipeline(ctx, pipeline, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// Partial counts as completed for the scheduler due check
	last, err := repo.GetLastCompleted(ctx, pipeline)
	require.NoError(t, err)
	assert.Equal(t, partial.ID, last.ID)
	assert.Equal(t, models.RunStatusPartial, last.Status)
}
