package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/damacus/iron-cabinet/internal/dedup"
	"github.com/damacus/iron-cabinet/internal/middleware"
	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/damacus/iron-cabinet/internal/similarity"
	"github.com/damacus/iron-cabinet/internal/storage/memstore"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

const (
	testSecret    = "handlers-test-secret-0123"
	adminEmail    = "admin@example.com"
	upEmail       = "up@example.com"
	downEmail     = "down@example.com"
	strangerEmail = "stranger@example.com"
)

type testEnv struct {
	e        *echo.Echo
	bucket   *memstore.Store
	settings *services.SettingsService
	verifier *services.HMACVerifier
}

func newTestEnv(t *testing.T, keys ...string) *testEnv {
	t.Helper()
	ctx := context.Background()

	bucket := memstore.New("files")
	for _, k := range keys {
		bucket.Put(k, []byte("content of "+k), "text/plain")
	}

	settings := services.NewSettingsService(bucket, []string{adminEmail})
	require.NoError(t, settings.Save(ctx, models.Settings{
		UseSettings:          true,
		PrivateURLExpiration: 7,
		CDNUploaders:         upEmail,
		CDNDownloaders:       downEmail,
	}))

	verifier := services.NewHMACVerifier(testSecret, "")
	tracker := dedup.NewTracker(ctx, func() *dedup.Job {
		return dedup.NewJob(bucket, 2, nil)
	})
	api := API{
		Files: NewFilesHandler(
			services.NewFileService(bucket),
			services.NewURLService(bucket, "cdn.example.com", []string{"https://dashboard.example.com"}),
			services.NewArchiveService(bucket),
			nil,
		),
		Settings:   NewSettingsHandler(settings),
		Comparison: NewComparisonHandler(tracker),
		Hash:       NewHashHandler(dedup.NewHashIndex(bucket, 2, nil)),
		SSIM:       NewSSIMHandler(similarity.NewSSIMAnalyzer(bucket, nil), similarity.DefaultSSIMThreshold),
	}

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.Validator = NewRequestValidator()
	e.Use(middleware.AuthMiddleware(verifier, settings))
	require.NoError(t, RegisterRoutes(e, api.Routes()))

	return &testEnv{e: e, bucket: bucket, settings: settings, verifier: verifier}
}

func (env *testEnv) do(t *testing.T, method, target, email string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if email != "" {
		token, err := env.verifier.Mint(email, time.Hour)
		require.NoError(t, err)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func requireStatus(t *testing.T, want int, rec *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, want, rec.Code, "body: %s", rec.Body.String())
}
