package handlers

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/pipeline"
)

// PipelineName extracts and validates the pipeline path parameter
func PipelineName(c echo.Context) (string, error) {
	name := c.Param("name")
	if name == "" {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "missing pipeline name")
	}

	if !pipeline.KnownPipeline(name) {
		return "", httperror.NewHTTPErrorf(http.StatusNotFound, "unknown pipeline: %s", name)
	}

	return name, nil
}

// TenantID extracts the tenantID path parameter
func TenantID(c echo.Context) (string, error) {
	tenantID := c.Param("tenantID")
	if tenantID == "" {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "missing tenantID")
	}

	return tenantID, nil
}

// SuccessResponse returns a 200 OK with data
func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

// AcceptedResponse returns a 202 Accepted with data
func AcceptedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusAccepted, data)
}

// NoContentResponse returns a 204 No Content
func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// BadRequest returns a 400 Bad Request error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// Unauthorized returns a 401 Unauthorized error
func Unauthorized(message string) error {
	return httperror.NewHTTPError(http.StatusUnauthorized, message)
}
