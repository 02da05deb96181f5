package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/damacus/iron-cabinet/internal/similarity"
	"github.com/damacus/iron-cabinet/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// SimilarityService is the image similarity pipeline.
type SimilarityService interface {
	Convert(ctx context.Context) (similarity.ConvertReport, error)
	SetupProductSet(ctx context.Context) (similarity.SetupReport, error)
	Compare(ctx context.Context, opts similarity.CompareOptions) (*similarity.Comparison, error)
	DeleteAllProducts(ctx context.Context) (int, error)
}

type SimilarityHandler struct {
	service   SimilarityService
	threshold float32
}

func NewSimilarityHandler(service SimilarityService, threshold float32) *SimilarityHandler {
	return &SimilarityHandler{service: service, threshold: threshold}
}

type compareRequest struct {
	Threshold *float32 `json:"threshold" validate:"omitempty,gte=0,lte=1"`
}

func (h *SimilarityHandler) ConvertTIFToPNG(c echo.Context) error {
	report, err := h.service.Convert(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *SimilarityHandler) SetupProductSet(c echo.Context) error {
	report, err := h.service.SetupProductSet(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// ListAndCompareImages searches the product set for each image and writes
// the full and thresholded reports.
func (h *SimilarityHandler) ListAndCompareImages(c echo.Context) error {
	var req compareRequest
	if c.Request().ContentLength != 0 {
		if err := bindRequest(c, &req); err != nil {
			return err
		}
	}
	threshold := h.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	cmp, err := h.service.Compare(c.Request().Context(), similarity.CompareOptions{
		Threshold:   threshold,
		FilteredCSV: true,
	})
	if errors.Is(err, similarity.ErrNotReady) {
		return echo.NewHTTPError(http.StatusConflict, "product set is empty, set it up first")
	}
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, cmp)
}

func (h *SimilarityHandler) DeleteAllProducts(c echo.Context) error {
	n, err := h.service.DeleteAllProducts(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Int("deleted", n).Msg("Product purge stopped")
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deletedCount": n})
}

// SSIMAnalyzer compares TIFF originals pixel by pixel.
type SSIMAnalyzer interface {
	Run(ctx context.Context, opts similarity.SSIMOptions) (similarity.SSIMSummary, error)
}

type SSIMHandler struct {
	analyzer  SSIMAnalyzer
	threshold float64
}

func NewSSIMHandler(analyzer SSIMAnalyzer, threshold float64) *SSIMHandler {
	return &SSIMHandler{analyzer: analyzer, threshold: threshold}
}

type analyzeRequest struct {
	Threshold      *float64 `json:"similarityThreshold" validate:"omitempty,gte=0,lte=1"`
	ReportFilename string   `json:"reportFilename"`
}

// Analyze compares every pair of TIFF files and stores the report in the
// bucket.
func (h *SSIMHandler) Analyze(c echo.Context) error {
	var req analyzeRequest
	if c.Request().ContentLength != 0 {
		if err := bindRequest(c, &req); err != nil {
			return err
		}
	}
	opts := similarity.SSIMOptions{Threshold: h.threshold}
	if req.Threshold != nil {
		opts.Threshold = *req.Threshold
	}
	if req.ReportFilename != "" {
		key, err := services.NormalizeKey(req.ReportFilename)
		if err != nil {
			return apiError(c, err)
		}
		if utils.IsReservedKey(key) {
			return echo.NewHTTPError(http.StatusBadRequest, "reportFilename is reserved")
		}
		opts.ReportKey = key
	}

	summary, err := h.analyzer.Run(c.Request().Context(), opts)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}
