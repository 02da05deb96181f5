package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(keys ...string) *memstore.Store {
	s := memstore.New("files")
	for _, k := range keys {
		s.Put(k, []byte("content of "+k), "text/plain")
	}
	return s
}

func TestNormalizeFolder(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"/":            "",
		"docs":         "docs/",
		"docs/":        "docs/",
		"/docs//a///":  "docs/a/",
		"  a//b  ":     "a/b/",
		"//":           "",
		"deep/x/y/z//": "deep/x/y/z/",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeFolder(in), "NormalizeFolder(%q)", in)
	}
}

func TestParentAndBase(t *testing.T) {
	assert.Equal(t, "", ParentFolder("a/"))
	assert.Equal(t, "a/", ParentFolder("a/b/"))
	assert.Equal(t, "a/b/", ParentFolder("a/b/c.txt"))
	assert.Equal(t, "c.txt", BaseName("a/b/c.txt"))
	assert.Equal(t, "b", BaseName("a/b/"))
	assert.True(t, IsReserved(".bucket.dashboard-settings.json"))
	assert.True(t, IsReserved("x/.bucket.thing"))
	assert.False(t, IsReserved("bucket.txt"))
}

func TestListReturnsDirectChildrenDirectoriesFirst(t *testing.T) {
	bucket := newTestBucket(
		"docs/",
		"docs/b.txt",
		"docs/a.txt",
		"docs/img/",
		"docs/img/logo.png",
		"docs/zeta/deep/file.bin",
		"root.txt",
		SettingsKey,
	)
	svc := NewFileService(bucket)

	listing, err := svc.List(context.Background(), "/docs", "", 0)
	require.NoError(t, err)

	assert.Equal(t, "files", listing.Bucket)
	assert.Equal(t, "docs/", listing.CurrentPath)
	assert.Empty(t, listing.NextPageToken)

	var paths []string
	for _, e := range listing.Files {
		paths = append(paths, e.Path)
		assert.Equal(t, "docs/", ParentFolder(e.Path))
		if e.Type == models.EntryDirectory {
			assert.True(t, strings.HasSuffix(e.Path, "/"))
		} else {
			assert.False(t, strings.HasSuffix(e.Path, "/"))
		}
	}
	assert.Equal(t, []string{"docs/img/", "docs/zeta/", "docs/a.txt", "docs/b.txt"}, paths)
}

func TestListHidesReservedObjectsAtRoot(t *testing.T) {
	svc := NewFileService(newTestBucket(SettingsKey, CORSMarkerKey, "visible.txt"))

	listing, err := svc.List(context.Background(), "", "", 0)
	require.NoError(t, err)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "visible.txt", listing.Files[0].Path)
}

func TestListSkipsUnreachablePrefixes(t *testing.T) {
	svc := NewFileService(newTestBucket("p/a/x.txt", "p//d", "/lead.txt", "top.txt"))
	ctx := context.Background()

	listing, err := svc.List(ctx, "p", "", 0)
	require.NoError(t, err)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "p/a/", listing.Files[0].Path)

	listing, err = svc.List(ctx, "", "", 0)
	require.NoError(t, err)
	var paths []string
	for _, f := range listing.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"p/", "top.txt"}, paths)
}

func TestListEmptyBucketAndUnknownPath(t *testing.T) {
	svc := NewFileService(memstore.New("files"))

	listing, err := svc.List(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, listing.Files)

	listing, err = svc.List(context.Background(), "nope/never", "", 0)
	require.NoError(t, err)
	assert.Empty(t, listing.Files)
}

func TestListPaginationConcatenatesToFullListing(t *testing.T) {
	var keys []string
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		keys = append(keys, "p/"+k+".txt", "p/"+k+"dir/x")
	}
	svc := NewFileService(newTestBucket(keys...))
	ctx := context.Background()

	full, err := svc.List(ctx, "p", "", MaxPageSize)
	require.NoError(t, err)
	require.Len(t, full.Files, 14)

	seen := map[string]int{}
	token := ""
	pages := 0
	for {
		page, err := svc.List(ctx, "p", token, 3)
		require.NoError(t, err)
		pages++
		for _, e := range page.Files {
			seen[e.Path]++
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
		require.Less(t, pages, 20)
	}

	assert.Len(t, seen, len(full.Files))
	for _, e := range full.Files {
		assert.Equal(t, 1, seen[e.Path], "entry %s", e.Path)
	}
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, clampPageSize(0))
	assert.Equal(t, DefaultPageSize, clampPageSize(-5))
	assert.Equal(t, MaxPageSize, clampPageSize(MaxPageSize+1))
	assert.Equal(t, 7, clampPageSize(7))
}

func TestAddFolderThenListParent(t *testing.T) {
	bucket := newTestBucket("docs/readme.md")
	svc := NewFileService(bucket)
	ctx := context.Background()

	key, err := svc.AddFolder(ctx, "docs/new")
	require.NoError(t, err)
	assert.Equal(t, "docs/new/", key)

	listing, err := svc.List(ctx, "docs", "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, listing.Files)
	assert.Equal(t, models.Entry{Type: models.EntryDirectory, Name: "new", Path: "docs/new/"}, listing.Files[0])
}

func TestAddFolderConflictDoesNotOverwrite(t *testing.T) {
	bucket := memstore.New("files")
	bucket.Put("docs/", []byte("keep me"), "text/plain")
	svc := NewFileService(bucket)

	_, err := svc.AddFolder(context.Background(), "docs")
	assert.ErrorIs(t, err, ErrConflict)

	r, err := bucket.Open(context.Background(), "docs/")
	require.NoError(t, err)
	body, _ := io.ReadAll(r)
	assert.Equal(t, "keep me", string(body))
}

func TestAddFolderRejectsRoot(t *testing.T) {
	_, err := NewFileService(memstore.New("files")).AddFolder(context.Background(), "//")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestDeleteFile(t *testing.T) {
	bucket := newTestBucket("a.txt", "dir/", "dir/child.txt")
	svc := NewFileService(bucket)
	ctx := context.Background()

	require.NoError(t, svc.DeleteFile(ctx, "a.txt"))
	assert.ErrorIs(t, svc.DeleteFile(ctx, "a.txt"), storage.ErrNotFound)

	// Deleting a marker leaves children in place.
	require.NoError(t, svc.DeleteFile(ctx, "dir/"))
	exists, _ := bucket.Exists(ctx, "dir/child.txt")
	assert.True(t, exists)
}

func TestMoveFileConflictLeavesBothUnchanged(t *testing.T) {
	bucket := newTestBucket("a.txt", "b.txt")
	svc := NewFileService(bucket)
	ctx := context.Background()

	err := svc.MoveFile(ctx, "a.txt", "b.txt")
	assert.ErrorIs(t, err, ErrConflict)

	for _, k := range []string{"a.txt", "b.txt"} {
		r, err := bucket.Open(ctx, k)
		require.NoError(t, err)
		body, _ := io.ReadAll(r)
		assert.Equal(t, "content of "+k, string(body))
	}
}

func TestMoveFilePreservesVisibility(t *testing.T) {
	for _, public := range []bool{true, false} {
		bucket := newTestBucket("a.txt")
		svc := NewFileService(bucket)
		ctx := context.Background()
		require.NoError(t, bucket.SetPublic(ctx, "a.txt", public))

		require.NoError(t, svc.MoveFile(ctx, "a.txt", "moved/a.txt"))

		got, err := bucket.IsPublic(ctx, "moved/a.txt")
		require.NoError(t, err)
		assert.Equal(t, public, got)
		exists, _ := bucket.Exists(ctx, "a.txt")
		assert.False(t, exists)
	}
}

func TestMoveFileMissingSource(t *testing.T) {
	svc := NewFileService(memstore.New("files"))
	err := svc.MoveFile(context.Background(), "ghost.txt", "b.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRenameTarget(t *testing.T) {
	assert.Equal(t, "photos/2024/", RenameTarget("photos/old/", "2024"))
	assert.Equal(t, "renamed/", RenameTarget("old/", "renamed"))
	assert.Equal(t, "archive/2024/", RenameTarget("photos/old/", "/archive//2024/"))
	assert.Equal(t, "", RenameTarget("old/", " / "))
}

func TestRenameFolderMovesEverythingAndKeepsVisibility(t *testing.T) {
	bucket := newTestBucket("old/", "old/a.txt", "old/sub/b.txt", "other/c.txt")
	svc := NewFileService(bucket)
	ctx := context.Background()
	require.NoError(t, bucket.SetPublic(ctx, "old/a.txt", true))

	result, err := svc.RenameFolder(ctx, "old", "new")
	require.NoError(t, err)
	assert.Equal(t, []string{"old/", "old/a.txt", "old/sub/b.txt"}, result.Moved)
	assert.Empty(t, result.Failed)

	objects, err := bucket.ListAll(ctx, "")
	require.NoError(t, err)
	var keys []string
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"new/", "new/a.txt", "new/sub/b.txt", "other/c.txt"}, keys)

	public, err := bucket.IsPublic(ctx, "new/a.txt")
	require.NoError(t, err)
	assert.True(t, public)
}

func TestRenameFolderPartialFailureReportsCommittedMoves(t *testing.T) {
	bucket := newTestBucket("old/a.txt", "old/b.txt", "old/c.txt")
	bucket.SetFault("move", "old/b.txt", errors.New("backend unavailable"))
	svc := NewFileService(bucket)
	ctx := context.Background()

	result, err := svc.RenameFolder(ctx, "old/", "new")
	assert.ErrorIs(t, err, ErrPartialRename)
	assert.Equal(t, []string{"old/a.txt", "old/c.txt"}, result.Moved)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "old/b.txt", result.Failed[0].Key)

	// No rollback: moved objects stay at the destination.
	exists, _ := bucket.Exists(ctx, "new/a.txt")
	assert.True(t, exists)
	exists, _ = bucket.Exists(ctx, "old/b.txt")
	assert.True(t, exists)
}

func TestRenameFolderValidation(t *testing.T) {
	bucket := newTestBucket("old/a.txt", "taken/x.txt")
	svc := NewFileService(bucket)
	ctx := context.Background()

	_, err := svc.RenameFolder(ctx, "old", "old")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = svc.RenameFolder(ctx, "old", "old/inner/deeper")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = svc.RenameFolder(ctx, "old", "taken")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.RenameFolder(ctx, "missing", "fresh")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVisibilityToggle(t *testing.T) {
	bucket := newTestBucket("a.txt")
	svc := NewFileService(bucket)
	ctx := context.Background()

	require.NoError(t, svc.SetVisibility(ctx, "a.txt", true))
	public, err := svc.IsPublic(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, public)

	require.NoError(t, svc.SetVisibility(ctx, "/a.txt", false))
	public, err = svc.IsPublic(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, public)

	assert.ErrorIs(t, svc.SetVisibility(ctx, "missing.txt", true), storage.ErrNotFound)
}
