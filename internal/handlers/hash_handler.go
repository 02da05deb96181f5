package handlers

import (
	"net/http"

	"github.com/damacus/iron-cabinet/internal/dedup"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// HashHandler exposes the hash index maintenance operations.
type HashHandler struct {
	index *dedup.HashIndex
}

func NewHashHandler(index *dedup.HashIndex) *HashHandler {
	return &HashHandler{index: index}
}

func (h *HashHandler) GetBucketStats(c echo.Context) error {
	stats, err := h.index.Stats(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *HashHandler) StampFileHashes(c echo.Context) error {
	report, err := h.index.Stamp(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	log.Info().Int("processed", report.Processed).Int("skipped", report.Skipped).Int("failed", len(report.Failed)).Msg("File hashes stamped")
	return c.JSON(http.StatusOK, report)
}

type stampRequest struct {
	File       string `json:"file" validate:"required_without=ProcessAll"`
	ProcessAll bool   `json:"processAll"`
}

// StampFileHash stamps one newly uploaded file, or every file when
// processAll is set.
func (h *HashHandler) StampFileHash(c echo.Context) error {
	var req stampRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}
	if req.ProcessAll {
		return h.StampFileHashes(c)
	}
	result, err := h.index.StampOne(c.Request().Context(), req.File)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetFileMetadata returns the stored metadata of one file.
func (h *HashHandler) GetFileMetadata(c echo.Context) error {
	file := c.QueryParam("file")
	if file == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	metadata, err := h.index.FileMetadata(c.Request().Context(), file)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, metadata)
}

func (h *HashHandler) FindIdenticalFiles(c echo.Context) error {
	classification, err := h.index.Classify(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, classification)
}

func (h *HashHandler) CompareFilesMD5(c echo.Context) error {
	report, err := h.index.CompareStoredChecksums(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *HashHandler) RemoveAllFileHashMetadata(c echo.Context) error {
	report, err := h.index.ClearStamps(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	log.Info().Int("removed", report.Removed).Int("failed", len(report.Failed)).Msg("File hash metadata removed")
	return c.JSON(http.StatusOK, report)
}
