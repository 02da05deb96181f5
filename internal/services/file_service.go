package services

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPageSize is the default number of entries to return per page
	DefaultPageSize = 100
	// MaxPageSize bounds client supplied page sizes
	MaxPageSize = 1000

	renameConcurrency = 10
	folderContentType = "application/x-directory"
)

// FileService implements folder listing and mutations over a bucket.
type FileService struct {
	bucket storage.Bucket
}

func NewFileService(bucket storage.Bucket) *FileService {
	return &FileService{bucket: bucket}
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

// List returns one page of the direct children of folder.
func (s *FileService) List(ctx context.Context, folder, pageToken string, pageSize int) (models.Listing, error) {
	prefix := NormalizeFolder(folder)
	page, err := s.bucket.List(ctx, storage.ListOptions{
		Prefix:    prefix,
		Delimiter: storage.Separator,
		PageToken: pageToken,
		PageSize:  clampPageSize(pageSize),
	})
	if err != nil {
		return models.Listing{}, fmt.Errorf("list %q: %w", prefix, err)
	}

	listing := models.Listing{
		Bucket:        s.bucket.Name(),
		CurrentPath:   prefix,
		Files:         make([]models.Entry, 0, len(page.Prefixes)+len(page.Objects)),
		NextPageToken: page.NextPageToken,
	}

	for _, p := range page.Prefixes {
		// Prefixes with empty segments ("p//") cannot be requested back.
		if IsReserved(p) || NormalizeFolder(p) != p {
			continue
		}
		listing.Files = append(listing.Files, models.Entry{
			Type: models.EntryDirectory,
			Name: BaseName(p),
			Path: p,
		})
	}
	for _, obj := range page.Objects {
		if obj.Key == prefix || obj.IsMarker() || IsReserved(obj.Key) {
			continue
		}
		updated := obj.Updated
		listing.Files = append(listing.Files, models.Entry{
			Type:          models.EntryFile,
			Name:          BaseName(obj.Key),
			Path:          obj.Key,
			Size:          obj.Size,
			FormattedSize: utils.FormatFileSize(obj.Size),
			ContentType:   obj.ContentType,
			Updated:       &updated,
			Version:       obj.Generation,
		})
	}
	return listing, nil
}

// AddFolder writes a zero-byte marker for folder. An existing marker is never overwritten.
func (s *FileService) AddFolder(ctx context.Context, folder string) (string, error) {
	key := NormalizeFolder(folder)
	if key == "" {
		return "", fmt.Errorf("%w: folder path is empty", ErrInvalidPath)
	}

	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrConflict, key)
	}
	if err := s.bucket.Write(ctx, key, bytes.NewReader(nil), 0, folderContentType); err != nil {
		return "", fmt.Errorf("create folder %q: %w", key, err)
	}
	return key, nil
}

// DeleteFile removes one object. Folder contents are not removed recursively.
func (s *FileService) DeleteFile(ctx context.Context, filepath string) error {
	key, err := NormalizeKey(filepath)
	if err != nil {
		// A folder marker can be deleted by its exact key.
		key = collapse(strings.TrimSpace(filepath))
		if key == "" {
			return err
		}
	}
	return s.bucket.Delete(ctx, key)
}

// MoveFile moves src to dst and re-applies src's visibility on dst.
func (s *FileService) MoveFile(ctx context.Context, src, dst string) error {
	srcKey, err := NormalizeKey(src)
	if err != nil {
		return err
	}
	dstKey, err := NormalizeKey(dst)
	if err != nil {
		return err
	}
	if srcKey == dstKey {
		return fmt.Errorf("%w: source and destination are the same", ErrInvalidPath)
	}

	exists, err := s.bucket.Exists(ctx, dstKey)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrConflict, dstKey)
	}
	return s.move(ctx, srcKey, dstKey)
}

func (s *FileService) move(ctx context.Context, src, dst string) error {
	public, err := s.bucket.IsPublic(ctx, src)
	if err != nil {
		return err
	}
	if err := s.bucket.Move(ctx, src, dst); err != nil {
		return err
	}
	if err := s.bucket.SetPublic(ctx, dst, public); err != nil {
		return fmt.Errorf("restore visibility of %q: %w", dst, err)
	}
	return nil
}

// RenameTarget resolves the destination prefix of a folder rename. A bare
// name renames within the old folder's parent.
func RenameTarget(oldPrefix, newName string) string {
	trimmed := strings.Trim(collapse(strings.TrimSpace(newName)), storage.Separator)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, storage.Separator) {
		return ParentFolder(oldPrefix) + trimmed + storage.Separator
	}
	return NormalizeFolder(trimmed)
}

// RenameFolder moves every object under oldFolder. Moves run independently;
// objects already moved stay moved when others fail.
func (s *FileService) RenameFolder(ctx context.Context, oldFolder, newFolder string) (models.RenameResult, error) {
	result := models.RenameResult{Moved: []string{}, Failed: []models.MoveFailure{}}

	oldPrefix := NormalizeFolder(oldFolder)
	newPrefix := RenameTarget(oldPrefix, newFolder)
	switch {
	case oldPrefix == "" || newPrefix == "":
		return result, fmt.Errorf("%w: folder names must not be empty", ErrInvalidPath)
	case oldPrefix == newPrefix:
		return result, fmt.Errorf("%w: folder name unchanged", ErrInvalidPath)
	case strings.HasPrefix(newPrefix, oldPrefix):
		return result, fmt.Errorf("%w: cannot move a folder into itself", ErrInvalidPath)
	}

	taken, err := s.bucket.List(ctx, storage.ListOptions{Prefix: newPrefix, PageSize: 1})
	if err != nil {
		return result, err
	}
	if len(taken.Objects) > 0 {
		return result, fmt.Errorf("%w: %s", ErrConflict, newPrefix)
	}

	objects, err := s.bucket.ListAll(ctx, oldPrefix)
	if err != nil {
		return result, err
	}
	if len(objects) == 0 {
		return result, fmt.Errorf("%s: %w", oldPrefix, storage.ErrNotFound)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(renameConcurrency)
	for _, obj := range objects {
		src := obj.Key
		dst := newPrefix + strings.TrimPrefix(src, oldPrefix)
		g.Go(func() error {
			err := s.move(ctx, src, dst)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("key", src).Str("destination", dst).Msg("Failed to move object during folder rename")
				result.Failed = append(result.Failed, models.MoveFailure{Key: src, Error: err.Error()})
				return nil
			}
			result.Moved = append(result.Moved, src)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Moved)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Key < result.Failed[j].Key })

	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%w: %d of %d objects not moved", ErrPartialRename, len(result.Failed), len(objects))
	}
	return result, nil
}

// SetVisibility makes one object public or private.
func (s *FileService) SetVisibility(ctx context.Context, filepath string, public bool) error {
	key, err := NormalizeKey(filepath)
	if err != nil {
		return err
	}
	return s.bucket.SetPublic(ctx, key, public)
}

// IsPublic reports the visibility of one object.
func (s *FileService) IsPublic(ctx context.Context, filepath string) (bool, error) {
	key, err := NormalizeKey(filepath)
	if err != nil {
		return false, err
	}
	return s.bucket.IsPublic(ctx, key)
}
