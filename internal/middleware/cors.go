package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
)

// CORS admits the dashboard origin. Preflight requests are answered with 204
// before authentication runs. An empty origin admits any origin.
func CORS(origin string) echo.MiddlewareFunc {
	origins := []string{"*"}
	if origin != "" {
		origins = []string{origin}
	}
	return echoMiddleware.CORSWithConfig(echoMiddleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
		MaxAge:       3600,
	})
}
