package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/service"
)

// httpError translates a service error into the HTTP error returned to the
// caller.
func httpError(err error) error {
	var (
		se *service.SessionError
		re *openehr.RemoteError
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrInvalidPatientID),
		errors.Is(err, service.ErrInvalidHeading),
		errors.Is(err, service.ErrEmptyPayload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrUnprocessableEntity):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &se), errors.As(err, &re):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
