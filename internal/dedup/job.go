// Package dedup finds objects with identical content by hashing every object
// in a bucket, and maintains per-object hash stamps in object metadata.
package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/damacus/iron-cabinet/internal/metrics"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds both the batch length and in-flight hashes.
const DefaultBatchSize = 100

// State is the lifecycle position of a Job.
type State int32

const (
	StateIdle State = iota
	StateListing
	StateHashing
	StateReporting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListing:
		return "listing"
	case StateHashing:
		return "hashing"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventKind discriminates Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventFailed
)

// Progress is emitted after every batch.
type Progress struct {
	ProcessedFiles  int `json:"processedFiles"`
	TotalFiles      int `json:"totalFiles"`
	PercentComplete int `json:"percentComplete"`
}

// Event is one item of a run's event stream. Progress is set for
// EventProgress, Result for EventComplete and Err for EventFailed.
type Event struct {
	Kind     EventKind
	Progress Progress
	Result   *Result
	Err      error
}

// Terminal reports whether no events follow this one.
func (e Event) Terminal() bool {
	return e.Kind != EventProgress
}

// FileResult is the outcome of hashing one object: either Digest or Err.
type FileResult struct {
	Key    string
	Digest string
	Err    error
}

// FailedFile is an object that could not be hashed.
type FailedFile struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// Result is the report of a completed run. Duplicates maps a digest to the
// keys sharing it, in listing order, and only holds digests with two or more
// keys.
type Result struct {
	Duplicates  map[string][]string `json:"duplicates"`
	Failed      []FailedFile        `json:"failed"`
	TotalFiles  int                 `json:"totalFiles"`
	HashedFiles int                 `json:"hashedFiles"`
}

// DuplicateKeys counts keys that are copies of an earlier listed key.
func (r *Result) DuplicateKeys() int {
	n := 0
	for _, keys := range r.Duplicates {
		n += len(keys) - 1
	}
	return n
}

// Job hashes every object of a bucket once. A Job runs at most once.
type Job struct {
	bucket    storage.Bucket
	batchSize int
	metrics   *metrics.Metrics

	state   atomic.Int32
	started atomic.Bool
}

// NewJob creates a job. A non-positive batchSize selects DefaultBatchSize.
// m may be nil.
func NewJob(bucket storage.Bucket, batchSize int, m *metrics.Metrics) *Job {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Job{bucket: bucket, batchSize: batchSize, metrics: m}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	return State(j.state.Load())
}

func (j *Job) setState(s State) {
	j.state.Store(int32(s))
}

// Run starts the job and returns its event stream. The channel carries zero
// or more progress events followed by exactly one terminal event, then
// closes. Callers must drain it. Cancelling ctx ends the run as failed.
func (j *Job) Run(ctx context.Context) <-chan Event {
	events := make(chan Event, 1)
	if !j.started.CompareAndSwap(false, true) {
		events <- Event{Kind: EventFailed, Err: fmt.Errorf("dedup job already started")}
		close(events)
		return events
	}

	go func() {
		defer close(events)
		start := time.Now()
		result, err := j.run(ctx, events)
		j.metrics.RecordDedupRun(err, time.Since(start))
		if err != nil {
			j.setState(StateFailed)
			log.Error().Err(err).Str("bucket", j.bucket.Name()).Msg("Dedup run failed")
			events <- Event{Kind: EventFailed, Err: err}
			return
		}
		j.setState(StateDone)
		log.Info().
			Str("bucket", j.bucket.Name()).
			Int("total", result.TotalFiles).
			Int("groups", len(result.Duplicates)).
			Int("failed", len(result.Failed)).
			Dur("elapsed", time.Since(start)).
			Msg("Dedup run complete")
		events <- Event{Kind: EventComplete, Result: result}
	}()
	return events
}

func (j *Job) run(ctx context.Context, events chan<- Event) (*Result, error) {
	j.setState(StateListing)
	objects, err := j.listFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", j.bucket.Name(), err)
	}
	total := len(objects)
	log.Info().Str("bucket", j.bucket.Name()).Int("files", total).Msg("Hashing files")

	j.setState(StateHashing)
	t := newTally(total)
	for start := 0; start < total; start += j.batchSize {
		end := min(start+j.batchSize, total)
		for _, r := range j.hashBatch(ctx, objects[start:end]) {
			t.add(r)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events <- Event{Kind: EventProgress, Progress: NewProgress(end, total)}
	}
	if total == 0 {
		events <- Event{Kind: EventProgress, Progress: NewProgress(0, 0)}
	}

	j.setState(StateReporting)
	return t.result(), nil
}

// listFiles returns every hashable object in listing order.
func (j *Job) listFiles(ctx context.Context) ([]storage.Object, error) {
	all, err := j.bucket.ListAll(ctx, "")
	if err != nil {
		return nil, err
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

func (j *Job) hashBatch(ctx context.Context, batch []storage.Object) []FileResult {
	results := make([]FileResult, len(batch))
	var g errgroup.Group
	g.SetLimit(j.batchSize)
	for i, obj := range batch {
		g.Go(func() error {
			digest, err := HashObject(ctx, j.bucket, obj.Key)
			j.metrics.RecordHash(err)
			if err != nil {
				log.Warn().Err(err).Str("key", obj.Key).Msg("Failed to hash file")
			}
			results[i] = FileResult{Key: obj.Key, Digest: digest, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// HashObject streams key through MD5 and returns the hex digest.
func HashObject(ctx context.Context, bucket storage.Bucket, key string) (string, error) {
	r, err := bucket.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewProgress computes the rounded completion percentage. An empty run is
// complete.
func NewProgress(processed, total int) Progress {
	pct := 100
	if total > 0 {
		pct = int(math.Round(float64(processed) * 100 / float64(total)))
	}
	return Progress{ProcessedFiles: processed, TotalFiles: total, PercentComplete: pct}
}

// tally accumulates FileResults in listing order.
type tally struct {
	first      map[string]string
	duplicates map[string][]string
	failed     []FailedFile
	total      int
	hashed     int
}

func newTally(total int) *tally {
	return &tally{
		first:      make(map[string]string),
		duplicates: make(map[string][]string),
		failed:     []FailedFile{},
		total:      total,
	}
}

func (t *tally) add(r FileResult) {
	if r.Err != nil {
		t.failed = append(t.failed, FailedFile{Key: r.Key, Error: r.Err.Error()})
		return
	}
	t.hashed++
	if group, ok := t.duplicates[r.Digest]; ok {
		t.duplicates[r.Digest] = append(group, r.Key)
		return
	}
	if original, ok := t.first[r.Digest]; ok {
		t.duplicates[r.Digest] = []string{original, r.Key}
		return
	}
	t.first[r.Digest] = r.Key
}

func (t *tally) result() *Result {
	return &Result{
		Duplicates:  t.duplicates,
		Failed:      t.failed,
		TotalFiles:  t.total,
		HashedFiles: t.hashed,
	}
}
