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

const credentialsTable = "xero_credentials"

// CredentialRepository handles database operations for OAuth credentials.
// Token columns are encrypted at rest with pgcrypto, so reads and writes use
// raw SQL through pgp_sym_encrypt/pgp_sym_decrypt instead of the query builders.
type CredentialRepository struct {
	*Repository
	encryptionKey string
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db database.DB, logger ectologger.Logger, encryptionKey string) *CredentialRepository {
	return &CredentialRepository{
		Repository:    NewRepository(db, logger),
		encryptionKey: encryptionKey,
	}
}

// Upsert creates or updates the credential row for a tenant
func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.OAuthCredential) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Upsert")
	defer span.End()

	now := time.Now().UTC()

	// Use parameterized timestamp instead of NOW() for Citus compatibility
	query := `
		INSERT INTO xero_credentials (tenant_id, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, pgp_sym_encrypt($2, $5), pgp_sym_encrypt($3, $5), $4, $6)
		ON CONFLICT (tenant_id)
		DO UPDATE SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at`

	err := r.DB().QueryRowContext(ctx, query,
		cred.TenantID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresAt,
		r.encryptionKey,
		now,
	).Scan(&cred.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": cred.TenantID,
		}).Error("failed to upsert credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert credential")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  cred.TenantID,
		"expires_at": cred.ExpiresAt,
	}).Infof("Upserted %s for tenant=%s", credentialsTable, cred.TenantID)
	return nil
}

// GetByTenant retrieves the credential for a tenant with decrypted tokens
func (r *CredentialRepository) GetByTenant(ctx context.Context, tenantID string) (*models.OAuthCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.GetByTenant")
	defer span.End()

	query := `
		SELECT tenant_id,
			pgp_sym_decrypt(access_token, $2) AS access_token,
			pgp_sym_decrypt(refresh_token, $2) AS refresh_token,
			expires_at,
			updated_at
		FROM xero_credentials
		WHERE tenant_id = $1`

	var cred models.OAuthCredential
	err := r.DB().GetContext(ctx, &cred, query, tenantID, r.encryptionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "credential for tenant %s does not exist", tenantID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to get credential")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get credential")
	}

	return &cred, nil
}

// GetStatus retrieves credential metadata without touching the encrypted token
// columns, so it still works after the encryption key has been rotated
func (r *CredentialRepository) GetStatus(ctx context.Context, tenantID string) (*models.OAuthCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.GetStatus")
	defer span.End()

	query := `SELECT tenant_id, expires_at, updated_at FROM xero_credentials WHERE tenant_id = $1`

	var cred models.OAuthCredential
	err := r.DB().GetContext(ctx, &cred, query, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "credential for tenant %s does not exist", tenantID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to get credential status")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get credential status")
	}

	return &cred, nil
}

// GetMostRecent retrieves metadata for the most recently refreshed credential.
// Used to resolve the tenant when none is configured.
func (r *CredentialRepository) GetMostRecent(ctx context.Context) (*models.OAuthCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.GetMostRecent")
	defer span.End()

	query := `SELECT tenant_id, expires_at, updated_at FROM xero_credentials ORDER BY updated_at DESC LIMIT 1`

	var cred models.OAuthCredential
	err := r.DB().GetContext(ctx, &cred, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "no credentials exist")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get most recent credential")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get most recent credential")
	}

	return &cred, nil
}

// Delete removes the credential row for a tenant
func (r *CredentialRepository) Delete(ctx context.Context, tenantID string) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(credentialsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete credential")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete credential")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "credential for tenant %s does not exist", tenantID)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
	}).Infof("Deleted %s for tenant=%s", credentialsTable, tenantID)
	return nil
}
