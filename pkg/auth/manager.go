package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

var (
	// ErrAuthExpired is returned when the identity provider rejects the refresh
	// token. Recovery requires human re-authorization, so it is never retried.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrNoCredential is returned when neither a persisted credential nor a
	// bootstrap refresh token is available
	ErrNoCredential = errors.New("no credential available")

	// ErrTokenExtractionFailed is returned when token extraction from the
	// token endpoint response fails
	ErrTokenExtractionFailed = errors.New("failed to extract token from response")

	// ErrTenantNotFound is returned when the connections endpoint lists no tenants
	ErrTenantNotFound = errors.New("no connected tenants")
)

const (
	// DefaultSkew is the refresh safety margin before token expiry
	DefaultSkew = 5 * time.Minute

	// DefaultExpiresIn is assumed when the token response carries no expires_in
	DefaultExpiresIn = 1800 // 30 minutes

	// Extraction paths applied to the token endpoint response
	accessTokenPath  = "access_token"
	refreshTokenPath = "refresh_token"
	expiresInPath    = "expires_in"

	// tenantIDPath extracts the first connected tenant from the connections response
	tenantIDPath = "[0].tenantId"
)

// Session is a ready-to-use remote API credential: a valid access token plus
// the tenant it is scoped to. Refreshed reports whether obtaining the token
// performed a refresh exchange.
type Session struct {
	AccessToken string
	TenantID    string
	Refreshed   bool
}

// Manager handles the OAuth token lifecycle: loading persisted credentials,
// exchanging refresh tokens, and persisting rotated pairs before use
type Manager struct {
	credRepo  repositories.CredentialRepo
	client    *http.Client
	extractor *Extractor
	logger    ectologger.Logger

	clientID       string
	clientSecret   string
	tokenURL       string
	connectionsURL string
	tenantID       string
	bootstrapToken string
	skew           time.Duration
}

// NewManager creates a new auth manager
func NewManager(cfg *config.Config, credRepo repositories.CredentialRepo, client *http.Client, logger ectologger.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	skew := cfg.TokenRefreshSkew
	if skew <= 0 {
		skew = DefaultSkew
	}

	return &Manager{
		credRepo:       credRepo,
		client:         client,
		extractor:      NewExtractor(),
		logger:         logger,
		clientID:       cfg.XeroClientID,
		clientSecret:   cfg.XeroClientSecret,
		tokenURL:       cfg.XeroTokenURL,
		connectionsURL: cfg.XeroConnectionsURL,
		tenantID:       cfg.XeroTenantID,
		bootstrapToken: cfg.XeroBootstrapRefreshToken,
		skew:           skew,
	}
}

// ValidAccessToken returns an access token for the tenant that is valid for at
// least the configured skew. A persisted credential always takes priority over
// the bootstrap refresh token; the bootstrap token is only used when no row
// exists for the tenant.
func (m *Manager) ValidAccessToken(ctx context.Context, tenantID string) (string, error) {
	token, _, err := m.validToken(ctx, tenantID)
	return token, err
}

// validToken implements ValidAccessToken and additionally reports whether a
// refresh exchange was performed
func (m *Manager) validToken(ctx context.Context, tenantID string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.ValidAccessToken")
	defer span.End()

	refreshToken := m.bootstrapToken

	cred, err := m.credRepo.GetByTenant(ctx, tenantID)
	if err == nil {
		if !cred.IsExpired(m.skew) {
			m.logger.WithContext(ctx).Debugf("Using persisted access token for tenant %s", tenantID)
			return cred.AccessToken, false, nil
		}

		refreshToken = cred.RefreshToken
		m.logger.WithContext(ctx).Debugf("Persisted token for tenant %s expires within %s, refreshing", tenantID, m.skew)
	} else if !isNotFound(err) {
		return "", false, fmt.Errorf("failed to load credential: %w", err)
	}

	if refreshToken == "" {
		return "", false, ErrNoCredential
	}

	fresh, err := m.exchange(ctx, refreshToken)
	if err != nil {
		metrics.RecordTokenRefresh(tenantID, "failure")
		return "", false, err
	}
	fresh.TenantID = tenantID

	// The rotated pair must be durable before the token is used; a crash here
	// forces a re-exchange on the next run instead of losing the rotation
	if err := m.credRepo.Upsert(ctx, fresh); err != nil {
		return "", false, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	metrics.RecordTokenRefresh(tenantID, "success")
	m.logger.WithContext(ctx).Infof("Refreshed access token for tenant %s, expires %s", tenantID, fresh.ExpiresAt.Format(time.RFC3339))
	return fresh.AccessToken, true, nil
}

// Ensure resolves the active tenant and returns a session holding a valid
// access token. When no tenant is configured it falls back to the most
// recently refreshed credential, then to a bootstrap exchange with tenant
// discovery for the very first run.
func (m *Manager) Ensure(ctx context.Context) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.Ensure")
	defer span.End()

	tenantID := m.tenantID
	if tenantID == "" {
		cred, err := m.credRepo.GetMostRecent(ctx)
		if err == nil {
			tenantID = cred.TenantID
		} else if !isNotFound(err) {
			return nil, fmt.Errorf("failed to load credential: %w", err)
		}
	}

	if tenantID != "" {
		token, refreshed, err := m.validToken(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return &Session{AccessToken: token, TenantID: tenantID, Refreshed: refreshed}, nil
	}

	if m.bootstrapToken == "" {
		return nil, ErrNoCredential
	}

	m.logger.WithContext(ctx).Info("No tenant configured and no persisted credential, bootstrapping with tenant discovery")

	fresh, err := m.exchange(ctx, m.bootstrapToken)
	if err != nil {
		return nil, err
	}

	tenantID, err = m.discoverTenant(ctx, fresh.AccessToken)
	if err != nil {
		return nil, err
	}
	fresh.TenantID = tenantID

	if err := m.credRepo.Upsert(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	metrics.RecordTokenRefresh(tenantID, "success")
	m.logger.WithContext(ctx).Infof("Discovered tenant %s", tenantID)
	return &Session{AccessToken: fresh.AccessToken, TenantID: tenantID, Refreshed: true}, nil
}

// Invalidate deletes the persisted credential for a tenant so the next run
// falls back to the bootstrap refresh token
func (m *Manager) Invalidate(ctx context.Context, tenantID string) error {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.Invalidate")
	defer span.End()

	return m.credRepo.Delete(ctx, tenantID)
}

// exchange posts the refresh grant to the token endpoint and extracts the new
// access+refresh pair
func (m *Manager) exchange(ctx context.Context, refreshToken string) (*models.OAuthCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.exchange")
	defer span.End()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.clientID, m.clientSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	// A rejected refresh token needs re-consent, not a retry
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"status_code": resp.StatusCode,
		}).Error("Token endpoint rejected the refresh token; re-authorization required")
		return nil, ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	accessToken, err := m.extractor.String(accessTokenPath, payload)
	if err != nil || accessToken == "" {
		return nil, fmt.Errorf("%w: path=%s", ErrTokenExtractionFailed, accessTokenPath)
	}

	newRefresh, _ := m.extractor.String(refreshTokenPath, payload)
	if newRefresh == "" {
		// Provider did not rotate the refresh token, keep using the current one
		newRefresh = refreshToken
	}

	expiresIn, err := m.extractor.Int(expiresInPath, payload)
	if err != nil || expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}

	return &models.OAuthCredential{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// discoverTenant queries the connections endpoint and extracts the first
// connected tenant id
func (m *Manager) discoverTenant(ctx context.Context, accessToken string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.discoverTenant")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.connectionsURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build connections request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connections request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("connections endpoint returned status %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode connections response: %w", err)
	}

	tenantID, err := m.extractor.String(tenantIDPath, payload)
	if err != nil || tenantID == "" {
		return "", ErrTenantNotFound
	}

	return tenantID, nil
}

func isNotFound(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}
