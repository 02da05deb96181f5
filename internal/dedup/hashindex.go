package dedup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/damacus/iron-cabinet/internal/metrics"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// MetaFileHash holds the MD5 of the object content.
	MetaFileHash = "file-hash"
	// MetaHashedAt holds the RFC3339 time the hash was stamped.
	MetaHashedAt = "hashed-at"

	DefaultWorkers = 10
)

// StampReport summarises a Stamp pass.
type StampReport struct {
	Processed int          `json:"processed"`
	Skipped   int          `json:"skipped"`
	Failed    []FailedFile `json:"failed"`
}

// StampStatus is the outcome of stamping a single file.
type StampStatus string

const (
	StampStamped StampStatus = "stamped"
	StampSkipped StampStatus = "skipped"
)

// StampResult reports a StampOne call.
type StampResult struct {
	Key    string      `json:"file"`
	Status StampStatus `json:"status"`
	Hash   string      `json:"fileHash,omitempty"`
}

// ClearReport summarises a ClearStamps pass.
type ClearReport struct {
	Processed int          `json:"totalFilesProcessed"`
	Removed   int          `json:"filesWithMetadataRemoved"`
	Failed    []FailedFile `json:"failed"`
}

// Stats counts stamped and unstamped files.
type Stats struct {
	TotalFiles       int            `json:"totalFiles"`
	FilesWithHash    int            `json:"filesWithHash"`
	FilesWithoutHash int            `json:"filesWithoutHash"`
	Usage            *storage.Usage `json:"usage,omitempty"`
}

// StampedFile is a file carrying a hash stamp.
type StampedFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// ClassificationCounts counts redundant copies per category.
type ClassificationCounts struct {
	IdenticalContentAndName       int `json:"identicalContentAndName"`
	IdenticalContentDifferentName int `json:"identicalContentDifferentName"`
	IdenticalNameDifferentContent int `json:"identicalNameDifferentContent"`
	TotalDuplicateCount           int `json:"totalDuplicateCount"`
}

// Classification groups stamped files by how they collide.
type Classification struct {
	IdenticalContentAndName       [][]StampedFile      `json:"identicalContentAndName"`
	IdenticalContentDifferentName [][]StampedFile      `json:"identicalContentDifferentName"`
	IdenticalNameDifferentContent [][]StampedFile      `json:"identicalNameDifferentContent"`
	Counts                        ClassificationCounts `json:"counts"`
}

// ChecksumFile is a file as described by the store's own checksum.
type ChecksumFile struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Updated     time.Time `json:"updated"`
	ContentType string    `json:"contentType"`
	MD5         string    `json:"md5"`
}

// ChecksumReport groups files by store checksum.
type ChecksumReport struct {
	DuplicateGroups [][]ChecksumFile `json:"duplicateGroups"`
	TotalFiles      int              `json:"totalFiles"`
	UniqueCount     int              `json:"uniqueCount"`
	DuplicateCount  int              `json:"duplicateCount"`
}

// HashIndex stamps content hashes into object metadata so duplicates can be
// found later without reading content again.
type HashIndex struct {
	bucket  storage.Bucket
	workers int
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHashIndex creates an index. A non-positive workers selects
// DefaultWorkers. m may be nil.
func NewHashIndex(bucket storage.Bucket, workers int, m *metrics.Metrics) *HashIndex {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &HashIndex{bucket: bucket, workers: workers, metrics: m, now: time.Now}
}

func (h *HashIndex) files(ctx context.Context) ([]storage.Object, error) {
	all, err := h.bucket.ListAll(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", h.bucket.Name(), err)
	}
	files := all[:0]
	for _, obj := range all {
		if obj.IsMarker() || utils.IsReservedKey(obj.Key) {
			continue
		}
		files = append(files, obj)
	}
	return files, nil
}

func stamp(obj storage.Object) string {
	return obj.Metadata[MetaFileHash]
}

// forEach runs fn over objects with at most h.workers in flight and collects
// per-object failures.
func (h *HashIndex) forEach(ctx context.Context, objects []storage.Object, fn func(storage.Object) error) []FailedFile {
	var (
		mu     sync.Mutex
		failed = []FailedFile{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for _, obj := range objects {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(obj); err != nil {
				log.Warn().Err(err).Str("key", obj.Key).Msg("Hash index update failed")
				mu.Lock()
				failed = append(failed, FailedFile{Key: obj.Key, Error: err.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Stamp hashes every file without a stamp and records the digest in its
// metadata.
func (h *HashIndex) Stamp(ctx context.Context) (StampReport, error) {
	files, err := h.files(ctx)
	if err != nil {
		return StampReport{}, err
	}
	var pending []storage.Object
	report := StampReport{}
	for _, obj := range files {
		if stamp(obj) != "" {
			report.Skipped++
			continue
		}
		pending = append(pending, obj)
	}
	log.Info().Int("pending", len(pending)).Int("skipped", report.Skipped).Msg("Stamping file hashes")

	report.Failed = h.forEach(ctx, pending, func(obj storage.Object) error {
		digest, err := HashObject(ctx, h.bucket, obj.Key)
		h.metrics.RecordHash(err)
		if err != nil {
			return err
		}
		return h.bucket.UpdateMetadata(ctx, obj.Key, map[string]string{
			MetaFileHash: digest,
			MetaHashedAt: h.now().UTC().Format(time.RFC3339),
		})
	})
	report.Processed = len(pending) - len(report.Failed)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// StampOne stamps a single file, typically right after it was uploaded.
// Files that already carry a stamp, folder markers and reserved objects are
// skipped. A missing file is storage.ErrNotFound.
func (h *HashIndex) StampOne(ctx context.Context, key string) (StampResult, error) {
	obj, err := h.bucket.Stat(ctx, key)
	if err != nil {
		return StampResult{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if obj.IsMarker() || utils.IsReservedKey(obj.Key) {
		return StampResult{Key: key, Status: StampSkipped}, nil
	}
	if existing := stamp(obj); existing != "" {
		log.Debug().Str("key", key).Msg("File already stamped")
		return StampResult{Key: key, Status: StampSkipped, Hash: existing}, nil
	}

	digest, err := HashObject(ctx, h.bucket, key)
	h.metrics.RecordHash(err)
	if err != nil {
		return StampResult{}, err
	}
	if err := h.bucket.UpdateMetadata(ctx, key, map[string]string{
		MetaFileHash: digest,
		MetaHashedAt: h.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return StampResult{}, fmt.Errorf("stamp %s: %w", key, err)
	}
	log.Info().Str("key", key).Str("hash", digest).Msg("File hash stamped")
	return StampResult{Key: key, Status: StampStamped, Hash: digest}, nil
}

// FileMetadata returns the user metadata of one file. A missing file, or a
// file without metadata, is storage.ErrNotFound.
func (h *HashIndex) FileMetadata(ctx context.Context, key string) (map[string]string, error) {
	obj, err := h.bucket.Stat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if len(obj.Metadata) == 0 {
		return nil, fmt.Errorf("no metadata found for %s: %w", key, storage.ErrNotFound)
	}
	return obj.Metadata, nil
}

// Stats counts stamped files and adds backend usage when the store reports it.
func (h *HashIndex) Stats(ctx context.Context) (Stats, error) {
	files, err := h.files(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalFiles: len(files)}
	for _, obj := range files {
		if stamp(obj) != "" {
			stats.FilesWithHash++
		}
	}
	stats.FilesWithoutHash = stats.TotalFiles - stats.FilesWithHash

	if reporter, ok := h.bucket.(storage.UsageReporter); ok {
		usage, err := reporter.BucketUsage(ctx)
		switch {
		case err == nil:
			stats.Usage = &usage
		case errors.Is(err, storage.ErrUnsupported):
		default:
			log.Warn().Err(err).Str("bucket", h.bucket.Name()).Msg("Failed to read bucket usage")
		}
	}
	return stats, nil
}

// Classify groups stamped files by content and name collisions.
func (h *HashIndex) Classify(ctx context.Context) (Classification, error) {
	files, err := h.files(ctx)
	if err != nil {
		return Classification{}, err
	}
	return Classify(files), nil
}

type contentKey struct {
	hash string
	size int64
}

// Classify groups the stamped objects among objects. Groups and their
// members follow the order of objects.
func Classify(objects []storage.Object) Classification {
	out := Classification{
		IdenticalContentAndName:       [][]StampedFile{},
		IdenticalContentDifferentName: [][]StampedFile{},
		IdenticalNameDifferentContent: [][]StampedFile{},
	}

	var (
		byContent    = map[contentKey][]StampedFile{}
		contentOrder []contentKey
		byName       = map[string][]StampedFile{}
		nameOrder    []string
	)
	for _, obj := range objects {
		hash := stamp(obj)
		if hash == "" {
			continue
		}
		f := StampedFile{Name: obj.Key, Size: obj.Size, Hash: hash}
		ck := contentKey{hash: hash, size: obj.Size}
		if _, ok := byContent[ck]; !ok {
			contentOrder = append(contentOrder, ck)
		}
		byContent[ck] = append(byContent[ck], f)

		base := path.Base(obj.Key)
		if _, ok := byName[base]; !ok {
			nameOrder = append(nameOrder, base)
		}
		byName[base] = append(byName[base], f)
	}

	for _, ck := range contentOrder {
		group := byContent[ck]
		if len(group) < 2 {
			continue
		}
		sameName := map[string][]StampedFile{}
		var order []string
		for _, f := range group {
			base := path.Base(f.Name)
			if _, ok := sameName[base]; !ok {
				order = append(order, base)
			}
			sameName[base] = append(sameName[base], f)
		}
		for _, base := range order {
			if sub := sameName[base]; len(sub) > 1 {
				out.IdenticalContentAndName = append(out.IdenticalContentAndName, sub)
				out.Counts.IdenticalContentAndName += len(sub) - 1
			}
		}
		if len(order) > 1 {
			out.IdenticalContentDifferentName = append(out.IdenticalContentDifferentName, group)
			out.Counts.IdenticalContentDifferentName += len(group) - 1
		}
	}

	for _, base := range nameOrder {
		group := byName[base]
		if len(group) < 2 {
			continue
		}
		distinct := map[contentKey]struct{}{}
		for _, f := range group {
			distinct[contentKey{hash: f.Hash, size: f.Size}] = struct{}{}
		}
		if len(distinct) > 1 {
			out.IdenticalNameDifferentContent = append(out.IdenticalNameDifferentContent, group)
			out.Counts.IdenticalNameDifferentContent += len(group) - 1
		}
	}

	out.Counts.TotalDuplicateCount = out.Counts.IdenticalContentAndName +
		out.Counts.IdenticalContentDifferentName +
		out.Counts.IdenticalNameDifferentContent
	return out
}

// CompareStoredChecksums groups files by the checksum the store already
// keeps, without reading any content. Files without a store checksum are
// counted but never grouped.
func (h *HashIndex) CompareStoredChecksums(ctx context.Context) (ChecksumReport, error) {
	files, err := h.files(ctx)
	if err != nil {
		return ChecksumReport{}, err
	}

	groups := map[string][]ChecksumFile{}
	var order []string
	for _, obj := range files {
		if obj.MD5 == "" {
			continue
		}
		if _, ok := groups[obj.MD5]; !ok {
			order = append(order, obj.MD5)
		}
		groups[obj.MD5] = append(groups[obj.MD5], ChecksumFile{
			Name:        obj.Key,
			Size:        obj.Size,
			Updated:     obj.Updated,
			ContentType: obj.ContentType,
			MD5:         obj.MD5,
		})
	}

	report := ChecksumReport{DuplicateGroups: [][]ChecksumFile{}, TotalFiles: len(files)}
	for _, sum := range order {
		group := groups[sum]
		if len(group) == 1 {
			report.UniqueCount++
			continue
		}
		report.DuplicateGroups = append(report.DuplicateGroups, group)
		report.DuplicateCount += len(group)
	}
	return report, nil
}

// ClearStamps removes hash stamps from every file.
func (h *HashIndex) ClearStamps(ctx context.Context) (ClearReport, error) {
	files, err := h.files(ctx)
	if err != nil {
		return ClearReport{}, err
	}
	var stamped []storage.Object
	for _, obj := range files {
		if _, ok := obj.Metadata[MetaFileHash]; ok {
			stamped = append(stamped, obj)
			continue
		}
		if _, ok := obj.Metadata[MetaHashedAt]; ok {
			stamped = append(stamped, obj)
		}
	}

	report := ClearReport{Processed: len(files)}
	report.Failed = h.forEach(ctx, stamped, func(obj storage.Object) error {
		return h.bucket.UpdateMetadata(ctx, obj.Key, map[string]string{MetaFileHash: "", MetaHashedAt: ""})
	})
	report.Removed = len(stamped) - len(report.Failed)
	log.Info().Int("processed", report.Processed).Int("removed", report.Removed).Msg("Cleared file hash stamps")
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
