package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeCredentialRepo struct {
	creds     map[string]*models.OAuthCredential
	upserts   int
	upsertErr error
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{creds: make(map[string]*models.OAuthCredential)}
}

func (f *fakeCredentialRepo) Upsert(ctx context.Context, cred *models.OAuthCredential) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	stored := *cred
	stored.UpdatedAt = time.Now().UTC()
	f.creds[cred.TenantID] = &stored
	return nil
}

func (f *fakeCredentialRepo) GetByTenant(ctx context.Context, tenantID string) (*models.OAuthCredential, error) {
	if cred, ok := f.creds[tenantID]; ok {
		loaded := *cred
		return &loaded, nil
	}
	return nil, httperror.NewHTTPError(http.StatusNotFound, "credential does not exist")
}

func (f *fakeCredentialRepo) GetStatus(ctx context.Context, tenantID string) (*models.OAuthCredential, error) {
	return f.GetByTenant(ctx, tenantID)
}

func (f *fakeCredentialRepo) GetMostRecent(ctx context.Context) (*models.OAuthCredential, error) {
	var latest *models.OAuthCredential
	for _, cred := range f.creds {
		if latest == nil || cred.UpdatedAt.After(latest.UpdatedAt) {
			latest = cred
		}
	}
	if latest == nil {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "no credentials exist")
	}
	loaded := *latest
	return &loaded, nil
}

func (f *fakeCredentialRepo) Delete(ctx context.Context, tenantID string) error {
	if _, ok := f.creds[tenantID]; !ok {
		return httperror.NewHTTPError(http.StatusNotFound, "credential does not exist")
	}
	delete(f.creds, tenantID)
	return nil
}

func testLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func testConfig(tokenURL string) *config.Config {
	return &config.Config{
		XeroClientID:     "client-id",
		XeroClientSecret: "client-secret",
		XeroTokenURL:     tokenURL,
		XeroTenantID:     "tenant-1",
		TokenRefreshSkew: 5 * time.Minute,
	}
}

// tokenEndpoint returns a test server that asserts the refresh grant shape and
// responds with a fixed token pair
func tokenEndpoint(t *testing.T, wantRefreshToken string, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok, "expected basic auth")
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		assert.Equal(t, "refresh_token", r.PostFormValue("grant_type"))
		assert.Equal(t, wantRefreshToken, r.PostFormValue("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(response))
	}))
}

func TestManager_ValidAccessToken_UsesPersistedUntilSkew(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called while the persisted token is valid")
	}))
	defer server.Close()

	repo := newFakeCredentialRepo()
	repo.creds["tenant-1"] = &models.OAuthCredential{
		TenantID:     "tenant-1",
		AccessToken:  "persisted-access",
		RefreshToken: "persisted-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	mgr := NewManager(testConfig(server.URL), repo, nil, testLogger())

	token, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted-access", token)
	assert.Zero(t, repo.upserts)
}

func TestManager_ValidAccessToken_RefreshesNearExpiry(t *testing.T) {
	server := tokenEndpoint(t, "persisted-refresh", `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1800}`)
	defer server.Close()

	repo := newFakeCredentialRepo()
	repo.creds["tenant-1"] = &models.OAuthCredential{
		TenantID:     "tenant-1",
		AccessToken:  "persisted-access",
		RefreshToken: "persisted-refresh",
		ExpiresAt:    time.Now().Add(time.Minute), // inside the 5 minute skew
	}

	mgr := NewManager(testConfig(server.URL), repo, nil, testLogger())

	token, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)

	// Both halves of the rotated pair were persisted
	require.Equal(t, 1, repo.upserts)
	stored := repo.creds["tenant-1"]
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	assert.True(t, stored.ExpiresAt.After(time.Now().Add(25*time.Minute)))
}

func TestManager_ValidAccessToken_BootstrapWhenNoCredential(t *testing.T) {
	server := tokenEndpoint(t, "bootstrap-refresh", `{"access_token":"boot-access","refresh_token":"boot-rotated","expires_in":1800}`)
	defer server.Close()

	repo := newFakeCredentialRepo()
	cfg := testConfig(server.URL)
	cfg.XeroBootstrapRefreshToken = "bootstrap-refresh"

	mgr := NewManager(cfg, repo, nil, testLogger())

	token, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "boot-access", token)
	assert.Equal(t, "boot-rotated", repo.creds["tenant-1"].RefreshToken)
}

func TestManager_ValidAccessToken_PersistedWinsOverBootstrap(t *testing.T) {
	server := tokenEndpoint(t, "persisted-refresh", `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1800}`)
	defer server.Close()

	repo := newFakeCredentialRepo()
	repo.creds["tenant-1"] = &models.OAuthCredential{
		TenantID:     "tenant-1",
		AccessToken:  "stale-access",
		RefreshToken: "persisted-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	cfg := testConfig(server.URL)
	cfg.XeroBootstrapRefreshToken = "bootstrap-refresh"

	mgr := NewManager(cfg, repo, nil, testLogger())

	token, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
}

func TestManager_ValidAccessToken_AuthExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	repo := newFakeCredentialRepo()
	repo.creds["tenant-1"] = &models.OAuthCredential{
		TenantID:     "tenant-1",
		AccessToken:  "stale-access",
		RefreshToken: "revoked-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}

	mgr := NewManager(testConfig(server.URL), repo, nil, testLogger())

	_, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthExpired))
	assert.Zero(t, repo.upserts, "a rejected exchange must not write credentials")
}

func TestManager_ValidAccessToken_TokenNotUsableUntilPersisted(t *testing.T) {
	server := tokenEndpoint(t, "persisted-refresh", `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1800}`)
	defer server.Close()

	repo := newFakeCredentialRepo()
	repo.creds["tenant-1"] = &models.OAuthCredential{
		TenantID:     "tenant-1",
		AccessToken:  "stale-access",
		RefreshToken: "persisted-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	repo.upsertErr = errors.New("disk full")

	mgr := NewManager(testConfig(server.URL), repo, nil, testLogger())

	_, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist")
}

func TestManager_ValidAccessToken_NoCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called without a refresh token")
	}))
	defer server.Close()

	mgr := NewManager(testConfig(server.URL), newFakeCredentialRepo(), nil, testLogger())

	_, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	assert.True(t, errors.Is(err, ErrNoCredential))
}

func TestManager_ValidAccessToken_KeepsRefreshWhenNotRotated(t *testing.T) {
	server := tokenEndpoint(t, "persisted-refresh", `{"access_token":"new-access","expires_in":1800}`)
	defer server.Close()

	repo := newFakeCredentialRepo()
	repo.creds["tenant-1"] = &models.OAuthCredential{
		TenantID:     "tenant-1",
		AccessToken:  "stale-access",
		RefreshToken: "persisted-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}

	mgr := NewManager(testConfig(server.URL), repo, nil, testLogger())

	_, err := mgr.ValidAccessToken(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted-refresh", repo.creds["tenant-1"].RefreshToken)
}

func TestManager_Ensure_DiscoversTenant(t *testing.T) {
	connections := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer boot-access", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"conn-1","tenantId":"discovered-tenant","tenantName":"Demo Org"}]`))
	}))
	defer connections.Close()

	server := tokenEndpoint(t, "bootstrap-refresh", `{"access_token":"boot-access","refresh_token":"boot-rotated","expires_in":1800}`)
	defer server.Close()

	repo := newFakeCredentialRepo()
	cfg := testConfig(server.URL)
	cfg.XeroTenantID = ""
	cfg.XeroConnectionsURL = connections.URL
	cfg.XeroBootstrapRefreshToken = "bootstrap-refresh"

	mgr := NewManager(cfg, repo, nil, testLogger())

	session, err := mgr.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "boot-access", session.AccessToken)
	assert.Equal(t, "discovered-tenant", session.TenantID)

	stored, ok := repo.creds["discovered-tenant"]
	require.True(t, ok, "credential must be persisted under the discovered tenant")
	assert.Equal(t, "boot-rotated", stored.RefreshToken)
	assert.Equal(t, 1, repo.upserts)
}

func TestManager_Ensure_FallsBackToMostRecentCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected with a valid persisted credential")
	}))
	defer server.Close()

	repo := newFakeCredentialRepo()
	repo.creds["known-tenant"] = &models.OAuthCredential{
		TenantID:     "known-tenant",
		AccessToken:  "persisted-access",
		RefreshToken: "persisted-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		UpdatedAt:    time.Now(),
	}

	cfg := testConfig(server.URL)
	cfg.XeroTenantID = ""

	mgr := NewManager(cfg, repo, nil, testLogger())

	session, err := mgr.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "known-tenant", session.TenantID)
	assert.Equal(t, "persisted-access", session.AccessToken)
}

func TestManager_Invalidate(t *testing.T) {
	repo := newFakeCredentialRepo()
	repo.creds["tenant-1"] = &models.OAuthCredential{TenantID: "tenant-1"}

	mgr := NewManager(testConfig("http://unused"), repo, nil, testLogger())

	err := mgr.Invalidate(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, repo.creds)
}

func TestExtractor_TenantPath(t *testing.T) {
	extractor := NewExtractor()

	var payload any = []any{
		map[string]any{"id": "conn-1", "tenantId": "t-123", "tenantName": "Demo"},
		map[string]any{"id": "conn-2", "tenantId": "t-456", "tenantName": "Other"},
	}

	got, err := extractor.String(tenantIDPath, payload)
	require.NoError(t, err)
	assert.Equal(t, "t-123", got)

	got, err = extractor.String(tenantIDPath, []any{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractor_TokenPaths(t *testing.T) {
	extractor := NewExtractor()

	payload := map[string]any{
		"access_token":  "at",
		"refresh_token": "rt",
		"expires_in":    float64(1800),
		"token_type":    "Bearer",
	}

	access, err := extractor.String(accessTokenPath, payload)
	require.NoError(t, err)
	assert.Equal(t, "at", access)

	expires, err := extractor.Int(expiresInPath, payload)
	require.NoError(t, err)
	assert.Equal(t, 1800, expires)

	missing, err := extractor.String("id_token", payload)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
