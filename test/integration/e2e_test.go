//go:build integration

// Package integration contains end-to-end integration tests for the Fern API.
// Run with: go test -v ./test/integration/... -tags=integration
//
// The tests expect a running fern server with its Postgres and Redis behind
// it. Runs against the live Xero API only happen when the environment carries
// a working connection, otherwise the trigger tests skip.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	baseURL  = getEnv("TEST_BASE_URL", "http://localhost:3003/api/v1")
	tenantID = getEnv("TEST_TENANT_ID", "11111111-1111-1111-1111-111111111111")
	userID   = getEnv("TEST_USER_ID", "e2e-tester")
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// TestClient wraps http.Client with common headers
type TestClient struct {
	*http.Client
	baseURL  string
	tenantID string
}

func NewTestClient() *TestClient {
	return &TestClient{
		Client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL,
		tenantID: tenantID,
	}
}

func (c *TestClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.tenantID)
	req.Header.Set("X-User-ID", userID)
	return c.Client.Do(req)
}

func (c *TestClient) Get(path string) (*http.Response, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *TestClient) Post(path string) (*http.Response, error) {
	req, err := http.NewRequest("POST", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *TestClient) Delete(path string) (*http.Response, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func parseResponse(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "failed to read response body")
	if target != nil {
		require.NoError(t, json.Unmarshal(body, target), "failed to parse response: %s", string(body))
	}
}

// TestHealthCheck verifies the API is running with its backing stores
func TestHealthCheck(t *testing.T) {
	client := NewTestClient()

	resp, err := client.Get("/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	parseResponse(t, resp, &result)
	assert.Equal(t, "healthy", result["status"])

	checks, ok := result["checks"].(map[string]any)
	require.True(t, ok, "expected per-dependency checks in health response")
	assert.Contains(t, checks, "database")
	assert.Contains(t, checks, "redis")
}

// TestProbes verifies the Kubernetes-style liveness and readiness endpoints
func TestProbes(t *testing.T) {
	client := NewTestClient()

	resp, err := client.Get("/health/live")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get("/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// TestPipelineValidation verifies the input checks on the pipeline surface
func TestPipelineValidation(t *testing.T) {
	client := NewTestClient()

	// Unknown pipeline names are rejected before any work happens
	resp, err := client.Post("/pipelines/acme_feed/runs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get("/pipelines/acme_feed/runs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Run history limits must be positive integers
	resp, err = client.Get("/pipelines/xero_sync/runs?limit=0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get("/pipelines/xero_sync/runs?limit=abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// TestCursorLifecycle resets the invoice sync cursor and verifies the next
// read reports no cursor
func TestCursorLifecycle(t *testing.T) {
	client := NewTestClient()

	resp, err := client.Delete("/pipelines/xero_sync/cursor")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get("/pipelines/xero_sync/cursor")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

// TestRunHistory verifies the run history endpoint shape and limit handling
func TestRunHistory(t *testing.T) {
	client := NewTestClient()

	resp, err := client.Get("/pipelines/xero_sync/runs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []map[string]any
	parseResponse(t, resp, &runs)

	resp, err = client.Get("/pipelines/xero_sync/runs?limit=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var limited []map[string]any
	parseResponse(t, resp, &limited)
	assert.LessOrEqual(t, len(limited), 1)

	for _, run := range limited {
		assert.NotEmpty(t, run["id"])
		assert.Equal(t, "xero_sync", run["pipeline"])
		assert.NotEmpty(t, run["status"])
	}
}

// TestTriggerRun triggers the invoice sync and follows it into the run
// history. Without a connected Xero tenant the trigger fails upstream, which
// is an environment problem rather than a server one, so the test skips.
func TestTriggerRun(t *testing.T) {
	client := NewTestClient()

	resp, err := client.Post("/pipelines/xero_sync/runs")
	require.NoError(t, err)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusBadGateway:
		resp.Body.Close()
		t.Skipf("Xero connection not configured: status %d", resp.StatusCode)
	case http.StatusConflict:
		resp.Body.Close()
		t.Skip("another run is already holding the pipeline lock")
	}
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run map[string]any
	parseResponse(t, resp, &run)
	runID := run["run_id"].(string)
	assert.NotEmpty(t, runID)
	assert.Contains(t, []any{"success", "partial"}, run["status"])
	t.Logf("Run %s finished: status=%v rows=%v", runID, run["status"], run["rows_processed"])

	// The run log row is written before the trigger returns
	resp, err = client.Get("/pipelines/xero_sync/runs?limit=5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []map[string]any
	parseResponse(t, resp, &history)
	require.GreaterOrEqual(t, len(history), 1)

	found := false
	for _, entry := range history {
		if entry["id"] == runID {
			found = true
			break
		}
	}
	assert.True(t, found, "expected run %s in history", runID)

	// A completed sync leaves a watermark behind
	resp, err = client.Get("/pipelines/xero_sync/cursor")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cursor map[string]any
	parseResponse(t, resp, &cursor)
	assert.Equal(t, "xero_sync", cursor["pipeline_name"])
	assert.NotEmpty(t, cursor["watermark"])
}

// TestCredentialEndpoints verifies the credential status surface for a tenant
// that never connected
func TestCredentialEndpoints(t *testing.T) {
	client := NewTestClient()
	unknownTenant := uuid.New().String()

	resp, err := client.Get("/credentials/" + unknownTenant)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Delete("/credentials/" + unknownTenant)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

// TestTenantContext verifies the request identity flows through to the
// tenant endpoint
func TestTenantContext(t *testing.T) {
	client := NewTestClient()

	resp, err := client.Get("/tenant")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	parseResponse(t, resp, &result)
	assert.Equal(t, userID, result["user_id"])
	assert.Equal(t, tenantID, result["tenant_id"])
	assert.Contains(t, result, "connected")
}

// TestMetricsEndpoint verifies the Prometheus scrape endpoint is exposed at
// the server root
func TestMetricsEndpoint(t *testing.T) {
	rootURL := strings.TrimSuffix(baseURL, "/api/v1")

	resp, err := http.Get(rootURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

// TestKafkaRunEvents verifies that finished runs are published to Kafka.
// Every recorded run emits, including failed ones, so the test works without
// a Xero connection as long as the broker is reachable.
func TestKafkaRunEvents(t *testing.T) {
	kafkaBroker := getEnv("KAFKA_BROKER", "localhost:9092")
	kafkaTopic := getEnv("KAFKA_RUN_TOPIC", "fern.run.completed")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{kafkaBroker},
		Topic:          kafkaTopic,
		GroupID:        fmt.Sprintf("test-consumer-%s", uuid.New().String()),
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	client := NewTestClient()
	resp, err := client.Post("/pipelines/xero_items/runs")
	require.NoError(t, err)
	resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		t.Skip("another run is already holding the pipeline lock")
	}
	t.Logf("Trigger returned status %d", resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		t.Skipf("Kafka read timed out (Kafka may not be configured): %v", err)
	}

	var event map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &event))

	assert.NotEmpty(t, event["run_id"], "run_id should be present")
	assert.NotEmpty(t, event["pipeline"], "pipeline should be present")
	assert.NotEmpty(t, event["status"], "status should be present")
	assert.NotEmpty(t, event["started_at"], "started_at should be present")

	// Messages are keyed by pipeline so per-pipeline ordering holds
	assert.NotEmpty(t, string(msg.Key))

	t.Logf("Received run event: pipeline=%v, status=%v, rows=%v",
		event["pipeline"], event["status"], event["rows_processed"])
}
