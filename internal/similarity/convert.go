package similarity

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"path"
	"strings"
	"sync"

	"github.com/damacus/iron-cabinet/internal/metrics"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/tiff"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConvertBatchSize   = 10
	DefaultConvertConcurrency = 5
)

// ConvertReport lists the PNG keys that exist after a conversion pass.
type ConvertReport struct {
	Converted []string      `json:"convertedFiles"`
	Skipped   int           `json:"skipped"`
	Failed    []FailedImage `json:"failed"`
	Total     int           `json:"totalConverted"`
}

// Converter turns TIFF objects into PNG objects in another bucket.
type Converter struct {
	source      storage.Bucket
	dest        storage.Bucket
	batchSize   int
	concurrency int64
	metrics     *metrics.Metrics
}

// NewConverter creates a converter. Non-positive sizes select the defaults.
func NewConverter(source, dest storage.Bucket, batchSize, concurrency int, m *metrics.Metrics) *Converter {
	if batchSize <= 0 {
		batchSize = DefaultConvertBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConvertConcurrency
	}
	return &Converter{source: source, dest: dest, batchSize: batchSize, concurrency: int64(concurrency), metrics: m}
}

// IsTIFF reports whether key names a TIFF image.
func IsTIFF(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	return ext == ".tif" || ext == ".tiff"
}

// PNGKey returns key with its extension replaced by .png.
func PNGKey(key string) string {
	return strings.TrimSuffix(key, path.Ext(key)) + ".png"
}

type convertOutcome struct {
	key     string
	skipped bool
	err     error
}

// Convert converts every TIFF in the source bucket, skipping outputs that
// already exist. Batches run one after another.
func (c *Converter) Convert(ctx context.Context) (ConvertReport, error) {
	all, err := c.source.ListAll(ctx, "")
	if err != nil {
		return ConvertReport{}, fmt.Errorf("list %s: %w", c.source.Name(), err)
	}
	var tiffs []storage.Object
	for _, obj := range all {
		if !obj.IsMarker() && IsTIFF(obj.Key) {
			tiffs = append(tiffs, obj)
		}
	}

	report := ConvertReport{Converted: []string{}, Failed: []FailedImage{}}
	sem := semaphore.NewWeighted(c.concurrency)
	batches := (len(tiffs) + c.batchSize - 1) / c.batchSize
	for start := 0; start < len(tiffs); start += c.batchSize {
		batch := tiffs[start:min(start+c.batchSize, len(tiffs))]
		outcomes := make([]convertOutcome, len(batch))

		var wg sync.WaitGroup
		for i, obj := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return report, err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				skipped, err := c.convertOne(ctx, obj.Key)
				outcomes[i] = convertOutcome{key: PNGKey(obj.Key), skipped: skipped, err: err}
			}()
		}
		wg.Wait()

		for i, o := range outcomes {
			if o.err != nil {
				log.Warn().Err(o.err).Str("key", batch[i].Key).Msg("TIFF conversion failed")
				report.Failed = append(report.Failed, FailedImage{Key: batch[i].Key, Error: o.err.Error()})
				continue
			}
			if o.skipped {
				report.Skipped++
			}
			report.Converted = append(report.Converted, o.key)
		}
		log.Info().Int("batch", start/c.batchSize+1).Int("of", batches).Msg("Converted batch")
	}
	report.Total = len(report.Converted)
	return report, nil
}

func (c *Converter) convertOne(ctx context.Context, key string) (skipped bool, err error) {
	defer func() {
		if !skipped {
			c.metrics.RecordImage("convert", err)
		}
	}()

	target := PNGKey(key)
	exists, err := c.dest.Exists(ctx, target)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	r, err := c.source.Open(ctx, key)
	if err != nil {
		return false, err
	}
	defer r.Close()

	img, err := tiff.Decode(r)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return false, fmt.Errorf("encode %s: %w", target, err)
	}
	if err := c.dest.Write(ctx, target, &buf, int64(buf.Len()), "image/png"); err != nil {
		return false, fmt.Errorf("write %s: %w", target, err)
	}
	log.Debug().Str("source", key).Str("target", target).Msg("Converted TIFF to PNG")
	return false, nil
}
