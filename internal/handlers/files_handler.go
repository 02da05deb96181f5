package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/damacus/iron-cabinet/internal/metrics"
	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// FilesHandler serves the browser's file operations on the bucket.
type FilesHandler struct {
	files    *services.FileService
	urls     *services.URLService
	archives *services.ArchiveService
	metrics  *metrics.Metrics
}

func NewFilesHandler(files *services.FileService, urls *services.URLService, archives *services.ArchiveService, m *metrics.Metrics) *FilesHandler {
	return &FilesHandler{
		files:    files,
		urls:     urls,
		archives: archives,
		metrics:  m,
	}
}

type fileRequest struct {
	Filepath string `json:"filepath" validate:"required"`
}

type folderRequest struct {
	Folderpath string `json:"folderpath" validate:"required"`
}

type moveRequest struct {
	Filepath    string `json:"filepath" validate:"required"`
	Destination string `json:"destination" validate:"required"`
}

type renameRequest struct {
	OldFolderName string `json:"oldFolderName" validate:"required"`
	NewFolderName string `json:"newFolderName" validate:"required"`
}

type shareRequest struct {
	Filepath string `json:"filepath" validate:"required"`
	Download bool   `json:"download"`
}

type uploadPolicyRequest struct {
	Filepath        string `json:"filepath" validate:"required"`
	FileContentType string `json:"fileContentType" validate:"required"`
	FileSize        int64  `json:"fileSize" validate:"gte=0"`
}

// GetFiles lists one page of a folder.
func (h *FilesHandler) GetFiles(c echo.Context) error {
	pageSize := 0
	if raw := c.QueryParam("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "pageSize must be a number")
		}
		pageSize = n
	}

	listing, err := h.files.List(c.Request().Context(), c.QueryParam("path"), c.QueryParam("pageToken"), pageSize)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, listing)
}

// DownloadFolder streams every file below a folder as a zip archive.
func (h *FilesHandler) DownloadFolder(c echo.Context) error {
	ctx := c.Request().Context()
	archive, err := h.archives.Prepare(ctx, c.QueryParam("path"))
	if err != nil {
		return apiError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/zip")
	res.Header().Set(echo.HeaderContentDisposition, storage.ContentDisposition(archive.Name))
	res.WriteHeader(http.StatusOK)

	n, err := h.archives.Stream(ctx, res, archive)
	h.metrics.RecordArchive(n)
	if err != nil {
		// Headers are sent; the client is left with an unterminated archive.
		log.Error().Err(err).Str("folder", archive.Prefix).Int64("bytes", n).Msg("Folder archive aborted")
		return nil
	}
	log.Info().Str("folder", archive.Prefix).Int("files", len(archive.Objects)).Int64("bytes", n).Msg("Folder archive streamed")
	return nil
}

// RenameFolder moves every object of a folder to a new prefix.
func (h *FilesHandler) RenameFolder(c echo.Context) error {
	var req renameRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	result, err := h.files.RenameFolder(c.Request().Context(), req.OldFolderName, req.NewFolderName)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]any{
			"message": "Folder renamed successfully",
			"success": true,
			"moved":   result.Moved,
		})
	case errors.Is(err, services.ErrPartialRename):
		log.Error().Err(err).Str("folder", req.OldFolderName).Msg("Folder rename incomplete")
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"success": false,
			"moved":   result.Moved,
			"failed":  result.Failed,
		})
	case errors.Is(err, services.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]any{
			"error":   "folder-exists",
			"success": false,
		})
	}
	return apiError(c, err)
}

// GetShareURL signs a read URL valid for the configured number of days.
func (h *FilesHandler) GetShareURL(c echo.Context) error {
	var req shareRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}
	policy, err := GetPolicy(c)
	if err != nil {
		return err
	}

	link, err := h.urls.ShareURL(c.Request().Context(), req.Filepath, req.Download, policy.PrivateURLExpiryDays())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, link)
}

// GetNewUploadPolicy issues a direct browser upload credential.
func (h *FilesHandler) GetNewUploadPolicy(c echo.Context) error {
	var req uploadPolicyRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	policy, err := h.urls.UploadPolicy(c.Request().Context(), req.Filepath, req.FileContentType, req.FileSize)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, policy)
}

// AddFolder creates a folder marker.
func (h *FilesHandler) AddFolder(c echo.Context) error {
	var req folderRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	_, err := h.files.AddFolder(c.Request().Context(), req.Folderpath)
	if errors.Is(err, services.ErrConflict) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "file-exists"})
	}
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"saved": true})
}

// DeleteFile removes one object.
func (h *FilesHandler) DeleteFile(c echo.Context) error {
	var req fileRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	if err := h.files.DeleteFile(c.Request().Context(), req.Filepath); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

// MoveFile moves one object, refusing to overwrite the destination.
func (h *FilesHandler) MoveFile(c echo.Context) error {
	var req moveRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	err := h.files.MoveFile(c.Request().Context(), req.Filepath, req.Destination)
	if errors.Is(err, services.ErrConflict) {
		return c.JSON(http.StatusConflict, map[string]bool{"alreadyExists": true, "success": false})
	}
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *FilesHandler) setVisibility(c echo.Context, public bool) error {
	var req fileRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	if err := h.files.SetVisibility(c.Request().Context(), req.Filepath, public); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// SetPublic makes one object publicly readable.
func (h *FilesHandler) SetPublic(c echo.Context) error {
	return h.setVisibility(c, true)
}

// SetPrivate revokes public read access to one object.
func (h *FilesHandler) SetPrivate(c echo.Context) error {
	return h.setVisibility(c, false)
}

// IsPublic reports whether one object is publicly readable.
func (h *FilesHandler) IsPublic(c echo.Context) error {
	var req fileRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	public, err := h.files.IsPublic(c.Request().Context(), req.Filepath)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"public": public})
}
