package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/damacus/iron-cabinet/internal/config"
	"github.com/damacus/iron-cabinet/internal/dedup"
	"github.com/damacus/iron-cabinet/internal/handlers"
	"github.com/damacus/iron-cabinet/internal/logging"
	"github.com/damacus/iron-cabinet/internal/metrics"
	customMiddleware "github.com/damacus/iron-cabinet/internal/middleware"
	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/damacus/iron-cabinet/internal/similarity"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "cabinet-server",
	Short:        "File manager API over an object storage bucket",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Server failed")
		stop()
		os.Exit(1)
	}
}

// deps are the collaborators the HTTP server is built from.
type deps struct {
	cfg      *config.Config
	bucket   storage.Bucket
	verifier services.IdentityVerifier
	// metrics and similarity are nil when disabled.
	metrics    *metrics.Metrics
	similarity handlers.SimilarityService
	// jobCtx bounds background dedup runs.
	jobCtx context.Context
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	bucket, err := config.OpenBucket(ctx, cfg.Storage, cfg.Storage.Bucket)
	if err != nil {
		return err
	}
	defer config.CloseBucket(bucket)

	verifier, err := config.NewVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	d := deps{cfg: cfg, bucket: bucket, verifier: verifier, metrics: m, jobCtx: jobCtx}
	if cfg.Similarity.Enabled {
		sim, err := config.NewSimilarity(ctx, cfg, bucket, m)
		if err != nil {
			return err
		}
		defer sim.Close()
		d.similarity = sim.Service
	}

	e, err := newServer(ctx, d)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Server.Listen).
			Str("backend", cfg.Storage.Backend).
			Str("bucket", cfg.Storage.Bucket).
			Bool("similarity", cfg.Similarity.Enabled).
			Msg("Starting server")
		if err := e.Start(cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	cancelJobs()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newServer(ctx context.Context, d deps) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler
	e.Validator = handlers.NewRequestValidator()

	// Services
	cfg := d.cfg
	settings := services.NewSettingsService(d.bucket, cfg.Auth.BootstrapAdmins)
	if err := settings.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to load dashboard settings, only bootstrap admins have access")
	}

	origins := []string{"*"}
	if cfg.Server.DashboardOrigin != "" {
		origins = []string{cfg.Server.DashboardOrigin}
	}
	tracker := dedup.NewTracker(d.jobCtx, func() *dedup.Job {
		return dedup.NewJob(d.bucket, cfg.Dedup.BatchSize, d.metrics)
	})

	api := handlers.API{
		Files: handlers.NewFilesHandler(
			services.NewFileService(d.bucket),
			services.NewURLService(d.bucket, cfg.Storage.CDNURL, origins),
			services.NewArchiveService(d.bucket),
			d.metrics,
		),
		Settings:   handlers.NewSettingsHandler(settings),
		Comparison: handlers.NewComparisonHandler(tracker),
		Hash:       handlers.NewHashHandler(dedup.NewHashIndex(d.bucket, cfg.Hashing.Workers, d.metrics)),
	}
	if d.similarity != nil {
		api.Similarity = handlers.NewSimilarityHandler(d.similarity, cfg.Similarity.Threshold)
	}
	api.SSIM = handlers.NewSSIMHandler(similarity.NewSSIMAnalyzer(d.bucket, d.metrics), cfg.Similarity.SSIMThreshold)

	// Middleware
	e.Use(customMiddleware.RequestLogger())
	if d.metrics != nil {
		e.Use(customMiddleware.Metrics(d.metrics))
	}
	e.Use(middleware.Recover())
	e.Use(customMiddleware.SecurityHeaders(customMiddleware.SecurityHeadersConfig{
		TrustForwardedProto: cfg.Server.TrustProxy,
	}))
	e.Use(customMiddleware.CORS(cfg.Server.DashboardOrigin))
	// Auth skips /health and /metrics internally
	e.Use(customMiddleware.AuthMiddleware(d.verifier, settings))

	routes := api.Routes()
	routes = append(routes, handlers.Route{
		Method: http.MethodGet,
		Path:   "/health",
		Public: true,
		Handler: func(c echo.Context) error {
			return c.String(http.StatusOK, "OK")
		},
	})
	if d.metrics != nil {
		routes = append(routes, handlers.Route{
			Method:  http.MethodGet,
			Path:    "/metrics",
			Public:  true,
			Handler: echo.WrapHandler(d.metrics.Handler()),
		})
	}
	if err := handlers.RegisterRoutes(e, routes); err != nil {
		return nil, err
	}
	return e, nil
}
