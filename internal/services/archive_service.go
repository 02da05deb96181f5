package services

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/damacus/iron-cabinet/internal/storage"
)

// Archive is the set of objects a folder download will stream.
type Archive struct {
	Name    string
	Prefix  string
	Objects []storage.Object
}

// ArchiveService streams folders as zip archives.
type ArchiveService struct {
	bucket storage.Bucket
}

func NewArchiveService(bucket storage.Bucket) *ArchiveService {
	return &ArchiveService{bucket: bucket}
}

// Prepare lists the files below folder. It fails with storage.ErrNotFound
// when there is nothing to archive, before any response is written.
func (s *ArchiveService) Prepare(ctx context.Context, folder string) (*Archive, error) {
	prefix := NormalizeFolder(folder)
	objects, err := s.bucket.ListAll(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	// Filter out folder markers and bookkeeping objects
	var files []storage.Object
	for _, obj := range objects {
		if !obj.IsMarker() && !IsReserved(obj.Key) {
			files = append(files, obj)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files under %q: %w", prefix, storage.ErrNotFound)
	}

	name := s.bucket.Name() + ".zip"
	if prefix != "" {
		name = BaseName(prefix) + ".zip"
	}
	return &Archive{Name: name, Prefix: prefix, Objects: files}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Stream writes the archive to w and returns the bytes written. On any read
// failure it returns without finalizing, so the output is not a valid zip.
func (s *ArchiveService) Stream(ctx context.Context, w io.Writer, a *Archive) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	for _, obj := range a.Objects {
		if err := ctx.Err(); err != nil {
			return cw.n, err
		}
		if err := s.addEntry(ctx, zw, a.Prefix, obj); err != nil {
			return cw.n, err
		}
	}

	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("finalize archive: %w", err)
	}
	return cw.n, nil
}

func (s *ArchiveService) addEntry(ctx context.Context, zw *zip.Writer, prefix string, obj storage.Object) error {
	reader, err := s.bucket.Open(ctx, obj.Key)
	if err != nil {
		return fmt.Errorf("open %q: %w", obj.Key, err)
	}
	defer reader.Close()

	header := &zip.FileHeader{
		Name:     strings.TrimPrefix(obj.Key, prefix),
		Method:   zip.Deflate,
		Modified: obj.Updated,
	}
	entry, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create entry %q: %w", header.Name, err)
	}
	if _, err := io.Copy(entry, reader); err != nil {
		return fmt.Errorf("copy %q: %w", obj.Key, err)
	}
	return nil
}
