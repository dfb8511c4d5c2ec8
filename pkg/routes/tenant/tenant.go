package tenant

import (
	"net/http"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/repositories"
	appctx "github.com/Ramsey-B/stem/pkg/context"
)

// Register registers tenant routes
func Register(g *echo.Group) {
	g.GET("/tenant", getTenantContext)
}

// getTenantContext echoes back the authenticated caller context and the
// remote organisation this service is currently connected as
func getTenantContext(c echo.Context) error {
	ctx := c.Request().Context()

	// Get credential repo and logger from DI
	ctx, creds, err := ectoinject.GetContext[repositories.CredentialRepo](ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to get credential repository",
		})
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)

	response := map[string]interface{}{
		"user_id":   appctx.GetUserID(ctx),
		"tenant_id": appctx.GetTenantID(ctx),
		"connected": false,
	}

	cred, err := creds.GetMostRecent(ctx)
	if err == nil {
		response["connected"] = true
		response["connected_tenant_id"] = cred.TenantID
		response["token_expires_at"] = cred.ExpiresAt
	} else if logger != nil {
		logger.WithContext(ctx).WithError(err).Debug("No connected tenant found")
	}

	return c.JSON(http.StatusOK, response)
}
