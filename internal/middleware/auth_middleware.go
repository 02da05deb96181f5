package middleware

import (
	"net/http"
	"strings"

	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/damacus/iron-cabinet/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// PolicySource hands out the access policy in force.
type PolicySource interface {
	Snapshot() *services.AccessPolicy
}

func unauthorized() error {
	return echo.NewHTTPError(http.StatusForbidden, "Unauthorized")
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/metrics"
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AuthMiddleware verifies the bearer token and stores the caller together
// with one policy snapshot for the rest of the request.
func AuthMiddleware(verifier services.IdentityVerifier, policies PolicySource) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isPublicPath(c.Request().URL.Path) {
				return next(c)
			}

			token := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" {
				return unauthorized()
			}
			identity, err := verifier.Verify(c.Request().Context(), token)
			if err != nil {
				log.Debug().Err(err).Str("path", c.Request().URL.Path).Msg("Rejected bearer token")
				return unauthorized()
			}

			c.Set(utils.ContextKeyIdentity, identity)
			c.Set(utils.ContextKeyPolicy, policies.Snapshot())
			return next(c)
		}
	}
}

// RequireRole rejects callers whose role in the request's policy snapshot is
// below required. It must run after AuthMiddleware.
func RequireRole(required services.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, ok := c.Get(utils.ContextKeyIdentity).(services.Identity)
			if !ok {
				return unauthorized()
			}
			policy, ok := c.Get(utils.ContextKeyPolicy).(*services.AccessPolicy)
			if !ok {
				return unauthorized()
			}
			if !policy.Allows(identity.Email, required) {
				log.Info().
					Str("email", identity.Email).
					Str("required", required.String()).
					Str("path", c.Path()).
					Msg("Caller lacks required role")
				return unauthorized()
			}
			return next(c)
		}
	}
}
