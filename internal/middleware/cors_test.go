package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestCORSPreflightSkipsAuthentication(t *testing.T) {
	e := echo.New()
	e.Use(CORS("https://dashboard.example.com"))
	e.Use(AuthMiddleware(services.NewHMACVerifier(testSecret, ""), testPolicy()))
	e.POST("/add-folder", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodOptions, "/add-folder", nil)
	req.Header.Set(echo.HeaderOrigin, "https://dashboard.example.com")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, "GET,POST,OPTIONS", rec.Header().Get(echo.HeaderAccessControlAllowMethods))
	assert.Equal(t, "Authorization,Content-Type", rec.Header().Get(echo.HeaderAccessControlAllowHeaders))
	assert.Equal(t, "3600", rec.Header().Get(echo.HeaderAccessControlMaxAge))
}

func TestCORSRejectsOtherOrigins(t *testing.T) {
	e := echo.New()
	e.Use(CORS("https://dashboard.example.com"))
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example.com")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
