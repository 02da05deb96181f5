package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"testing"

	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFilesListsDirectChildren(t *testing.T) {
	env := newTestEnv(t, "docs/", "docs/a.txt", "docs/img/logo.png", "root.txt")

	rec := env.do(t, http.MethodGet, "/get-files?path=docs", downEmail, nil)
	requireStatus(t, http.StatusOK, rec)

	listing := decode[models.Listing](t, rec)
	assert.Equal(t, "files", listing.Bucket)
	assert.Equal(t, "docs/", listing.CurrentPath)
	require.Len(t, listing.Files, 2)
	assert.Equal(t, models.EntryDirectory, listing.Files[0].Type)
	assert.Equal(t, "docs/img/", listing.Files[0].Path)
	assert.Equal(t, models.EntryFile, listing.Files[1].Type)
	assert.Equal(t, "docs/a.txt", listing.Files[1].Path)
}

func TestGetFilesPaginates(t *testing.T) {
	env := newTestEnv(t, "a.txt", "b.txt", "c.txt")

	var paths []string
	target := "/get-files?pageSize=2"
	for range 5 {
		rec := env.do(t, http.MethodGet, target, downEmail, nil)
		requireStatus(t, http.StatusOK, rec)
		listing := decode[models.Listing](t, rec)
		for _, f := range listing.Files {
			paths = append(paths, f.Path)
		}
		if listing.NextPageToken == "" {
			break
		}
		target = "/get-files?pageSize=2&pageToken=" + url.QueryEscape(listing.NextPageToken)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, paths)
}

func TestGetFilesRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/get-files?pageSize=ten", downEmail, nil)
	requireStatus(t, http.StatusBadRequest, rec)

	rec = env.do(t, http.MethodGet, "/get-files?pageToken=!!not-a-token", downEmail, nil)
	requireStatus(t, http.StatusBadRequest, rec)
}

func TestGetFilesRequiresAllowlistedCaller(t *testing.T) {
	env := newTestEnv(t, "a.txt")

	rec := env.do(t, http.MethodGet, "/get-files", strangerEmail, nil)
	requireStatus(t, http.StatusForbidden, rec)
	assert.Equal(t, map[string]string{"error": "Unauthorized"}, decode[map[string]string](t, rec))

	rec = env.do(t, http.MethodGet, "/get-files", "", nil)
	requireStatus(t, http.StatusForbidden, rec)
}

func TestAddFolder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/add-folder", upEmail, map[string]string{"folderpath": "reports/2024"})
	requireStatus(t, http.StatusOK, rec)
	assert.Equal(t, map[string]bool{"saved": true}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/add-folder", upEmail, map[string]string{"folderpath": "reports/2024/"})
	requireStatus(t, http.StatusConflict, rec)
	assert.Equal(t, map[string]string{"error": "file-exists"}, decode[map[string]string](t, rec))

	rec = env.do(t, http.MethodGet, "/get-files?path=reports", downEmail, nil)
	listing := decode[models.Listing](t, rec)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "reports/2024/", listing.Files[0].Path)
}

func TestAddFolderRoleAndValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/add-folder", downEmail, map[string]string{"folderpath": "x"})
	requireStatus(t, http.StatusForbidden, rec)

	rec = env.do(t, http.MethodPost, "/add-folder", upEmail, map[string]string{})
	requireStatus(t, http.StatusBadRequest, rec)
}

func TestDeleteFile(t *testing.T) {
	env := newTestEnv(t, "a.txt")

	rec := env.do(t, http.MethodPost, "/delete-file", upEmail, map[string]string{"filepath": "a.txt"})
	requireStatus(t, http.StatusForbidden, rec)

	rec = env.do(t, http.MethodPost, "/delete-file", adminEmail, map[string]string{"filepath": "a.txt"})
	requireStatus(t, http.StatusOK, rec)
	assert.Equal(t, map[string]bool{"deleted": true}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/delete-file", adminEmail, map[string]string{"filepath": "a.txt"})
	requireStatus(t, http.StatusNotFound, rec)
}

func TestMoveFile(t *testing.T) {
	env := newTestEnv(t, "a.txt", "b.txt")
	ctx := context.Background()
	require.NoError(t, env.bucket.SetPublic(ctx, "a.txt", true))

	rec := env.do(t, http.MethodPost, "/move-file", adminEmail, map[string]string{"filepath": "a.txt", "destination": "b.txt"})
	requireStatus(t, http.StatusConflict, rec)
	assert.Equal(t, map[string]bool{"alreadyExists": true, "success": false}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/move-file", adminEmail, map[string]string{"filepath": "a.txt", "destination": "moved/a.txt"})
	requireStatus(t, http.StatusOK, rec)
	assert.Equal(t, map[string]bool{"success": true}, decode[map[string]bool](t, rec))

	public, err := env.bucket.IsPublic(ctx, "moved/a.txt")
	require.NoError(t, err)
	assert.True(t, public)
}

type renameResponse struct {
	Message string               `json:"message"`
	Error   string               `json:"error"`
	Success bool                 `json:"success"`
	Moved   []string             `json:"moved"`
	Failed  []models.MoveFailure `json:"failed"`
}

func TestRenameFolder(t *testing.T) {
	env := newTestEnv(t, "old/", "old/a.txt", "old/sub/b.txt", "taken/x.txt")

	rec := env.do(t, http.MethodPost, "/rename-folder", adminEmail, map[string]string{"oldFolderName": "old", "newFolderName": "taken"})
	requireStatus(t, http.StatusConflict, rec)

	rec = env.do(t, http.MethodPost, "/rename-folder", adminEmail, map[string]string{"oldFolderName": "old", "newFolderName": "old/inner"})
	requireStatus(t, http.StatusBadRequest, rec)

	rec = env.do(t, http.MethodPost, "/rename-folder", adminEmail, map[string]string{"oldFolderName": "old", "newFolderName": "new"})
	requireStatus(t, http.StatusOK, rec)
	resp := decode[renameResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"old/", "old/a.txt", "old/sub/b.txt"}, resp.Moved)

	exists, err := env.bucket.Exists(context.Background(), "new/sub/b.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRenameFolderReportsPartialFailure(t *testing.T) {
	env := newTestEnv(t, "old/a.txt", "old/b.txt")
	env.bucket.SetFault("move", "old/b.txt", errors.New("disk full"))

	rec := env.do(t, http.MethodPost, "/rename-folder", adminEmail, map[string]string{"oldFolderName": "old/", "newFolderName": "new"})
	requireStatus(t, http.StatusInternalServerError, rec)

	resp := decode[renameResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"old/a.txt"}, resp.Moved)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "old/b.txt", resp.Failed[0].Key)
	assert.Contains(t, resp.Error, "partially renamed")
}

func TestGetShareURL(t *testing.T) {
	env := newTestEnv(t, "docs/report.pdf")

	rec := env.do(t, http.MethodPost, "/get-share-url", downEmail, map[string]any{"filepath": "docs/report.pdf"})
	requireStatus(t, http.StatusOK, rec)
	link := decode[models.ShareLink](t, rec)
	assert.Equal(t, 7, link.Duration)
	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.Equal(t, "cdn.example.com", u.Host)

	rec = env.do(t, http.MethodPost, "/get-share-url", downEmail, map[string]any{"filepath": "docs/report.pdf", "download": true})
	requireStatus(t, http.StatusOK, rec)
	link = decode[models.ShareLink](t, rec)
	u, err = url.Parse(link.URL)
	require.NoError(t, err)
	assert.NotEqual(t, "cdn.example.com", u.Host)
	assert.Contains(t, u.Query().Get("response-content-disposition"), `filename="report.pdf"`)

	rec = env.do(t, http.MethodPost, "/get-share-url", downEmail, map[string]any{"filepath": "missing.pdf"})
	requireStatus(t, http.StatusNotFound, rec)
}

func TestGetNewUploadPolicy(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/get-new-upload-policy", upEmail, map[string]any{
		"filepath":        "uploads/photo.jpg",
		"fileContentType": "image/jpeg",
		"fileSize":        2048,
	})
	requireStatus(t, http.StatusOK, rec)

	policy := decode[storage.PostPolicy](t, rec)
	assert.Equal(t, "image/jpeg", policy.Fields["Content-Type"])
	assert.Equal(t, "201", policy.Fields["success_action_status"])
	assert.Equal(t, "3072", policy.Fields["x-max-content-length"])

	cors := env.bucket.CORS()
	require.NotNil(t, cors)
	assert.Equal(t, []string{"https://dashboard.example.com"}, cors.Origins)

	rec = env.do(t, http.MethodPost, "/get-new-upload-policy", downEmail, map[string]any{
		"filepath":        "uploads/photo.jpg",
		"fileContentType": "image/jpeg",
	})
	requireStatus(t, http.StatusForbidden, rec)
}

func TestVisibilityRoutes(t *testing.T) {
	env := newTestEnv(t, "a.txt")

	rec := env.do(t, http.MethodPost, "/is-public", downEmail, map[string]string{"filepath": "a.txt"})
	requireStatus(t, http.StatusOK, rec)
	assert.Equal(t, map[string]bool{"public": false}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/set-public", downEmail, map[string]string{"filepath": "a.txt"})
	requireStatus(t, http.StatusForbidden, rec)

	rec = env.do(t, http.MethodPost, "/set-public", adminEmail, map[string]string{"filepath": "a.txt"})
	requireStatus(t, http.StatusOK, rec)

	rec = env.do(t, http.MethodPost, "/is-public", downEmail, map[string]string{"filepath": "a.txt"})
	assert.Equal(t, map[string]bool{"public": true}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/set-private", adminEmail, map[string]string{"filepath": "a.txt"})
	requireStatus(t, http.StatusOK, rec)

	rec = env.do(t, http.MethodPost, "/is-public", downEmail, map[string]string{"filepath": "a.txt"})
	assert.Equal(t, map[string]bool{"public": false}, decode[map[string]bool](t, rec))
}

func TestDownloadFolder(t *testing.T) {
	env := newTestEnv(t, "docs/", "docs/a.txt", "docs/sub/b.txt", "other.txt")

	rec := env.do(t, http.MethodGet, "/download-folder?path=docs", downEmail, nil)
	requireStatus(t, http.StatusOK, rec)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `attachment; filename="docs.zip"`)

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == "a.txt" {
			r, err := f.Open()
			require.NoError(t, err)
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, "content of docs/a.txt", string(data))
			r.Close()
		}
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, names)
}

func TestDownloadFolderEmpty(t *testing.T) {
	env := newTestEnv(t, "empty/")

	rec := env.do(t, http.MethodGet, "/download-folder?path=empty", downEmail, nil)
	requireStatus(t, http.StatusNotFound, rec)
}

func TestDownloadFolderAbortsOnReadFailure(t *testing.T) {
	env := newTestEnv(t, "docs/a.txt", "docs/b.txt")
	env.bucket.SetFault("open", "docs/b.txt", errors.New("read failed"))

	rec := env.do(t, http.MethodGet, "/download-folder?path=docs", downEmail, nil)
	requireStatus(t, http.StatusOK, rec)

	_, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	assert.Error(t, err)
}

func TestMoveFileConflictLeavesBothObjects(t *testing.T) {
	env := newTestEnv(t, "a.txt", "b.txt")

	rec := env.do(t, http.MethodPost, "/move-file", adminEmail, map[string]string{"filepath": "a.txt", "destination": "b.txt"})
	requireStatus(t, http.StatusConflict, rec)

	for _, key := range []string{"a.txt", "b.txt"} {
		r, err := env.bucket.Open(context.Background(), key)
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		r.Close()
		assert.Equal(t, "content of "+key, string(data))
	}
}
