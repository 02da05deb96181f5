package handlers

import (
	"errors"
	"net/http"

	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// GetIdentity retrieves the verified caller from the context
func GetIdentity(c echo.Context) (services.Identity, error) {
	identity, ok := c.Get(utils.ContextKeyIdentity).(services.Identity)
	if !ok {
		return services.Identity{}, echo.NewHTTPError(http.StatusForbidden, "Unauthorized")
	}
	return identity, nil
}

// GetPolicy retrieves the request's access policy snapshot from the context
func GetPolicy(c echo.Context) (*services.AccessPolicy, error) {
	policy, ok := c.Get(utils.ContextKeyPolicy).(*services.AccessPolicy)
	if !ok || policy == nil {
		return nil, echo.NewHTTPError(http.StatusForbidden, "Unauthorized")
	}
	return policy, nil
}

// apiError classifies a service error into an HTTP error. Unclassified
// errors are logged and hidden behind a generic message.
func apiError(c echo.Context, err error) *echo.HTTPError {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, services.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "Unauthorized")
	case errors.Is(err, services.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrInvalidPath),
		errors.Is(err, services.ErrInvalidArgument),
		errors.Is(err, storage.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrUnsupported):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	}
	log.Error().Err(err).Str("method", c.Request().Method).Str("path", c.Path()).Msg("API error")
	return echo.NewHTTPError(http.StatusInternalServerError, "API Error")
}

// ErrorHandler renders every error as JSON. String messages become
// {"error": message}; structured messages are written as they are.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he := apiError(c, err)

	body := he.Message
	if msg, ok := he.Message.(string); ok {
		body = map[string]string{"error": msg}
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(he.Code)
	} else {
		writeErr = c.JSON(he.Code, body)
	}
	if writeErr != nil {
		log.Warn().Err(writeErr).Msg("Failed to write error response")
	}
}

// RequestValidator validates bound request bodies with struct tags
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

func (v *RequestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid field: "+validationErrs[0].Field())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// bindRequest binds the body into req and validates it.
func bindRequest(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(req)
}
