package handlers

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

// CredentialInvalidator removes a persisted credential. Implemented by
// auth.Manager.
type CredentialInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// CredentialHandler handles OAuth credential status endpoints. Token
// material never leaves the database through this surface.
type CredentialHandler struct {
	creds       repositories.CredentialRepo
	invalidator CredentialInvalidator
	logger      ectologger.Logger
}

// NewCredentialHandler creates a new credential handler
func NewCredentialHandler(
	creds repositories.CredentialRepo,
	invalidator CredentialInvalidator,
	logger ectologger.Logger,
) *CredentialHandler {
	return &CredentialHandler{
		creds:       creds,
		invalidator: invalidator,
		logger:      logger,
	}
}

// CredentialStatusResponse describes a stored credential without its tokens
type CredentialStatusResponse struct {
	TenantID  string    `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Expired   bool      `json:"expired"`
}

// Register registers credential routes
func (h *CredentialHandler) Register(g *echo.Group) {
	g.GET("/:tenantID", h.GetStatus)
	g.DELETE("/:tenantID", h.Invalidate)
}

// GetStatus returns expiry metadata for the tenant's stored credential
func (h *CredentialHandler) GetStatus(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "CredentialHandler.GetStatus")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	tenantID, err := TenantID(c)
	if err != nil {
		return err
	}

	cred, err := h.creds.GetStatus(ctx, tenantID)
	if err != nil {
		return err
	}

	return SuccessResponse(c, CredentialStatusResponse{
		TenantID:  cred.TenantID,
		ExpiresAt: cred.ExpiresAt,
		UpdatedAt: cred.UpdatedAt,
		Expired:   cred.IsExpired(0),
	})
}

// Invalidate deletes the tenant's stored credential. The next run falls
// back to the bootstrap refresh token.
func (h *CredentialHandler) Invalidate(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "CredentialHandler.Invalidate")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	tenantID, err := TenantID(c)
	if err != nil {
		return err
	}

	if err := h.invalidator.Invalidate(ctx, tenantID); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to invalidate credential")
		return err
	}

	h.logger.WithContext(ctx).Infof("Invalidated credential for tenant %s", tenantID)
	return NoContentResponse(c)
}
