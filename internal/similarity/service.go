// Package similarity indexes PNG images in a vision product set and reports
// visually similar pairs.
package similarity

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/damacus/iron-cabinet/internal/metrics"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCategory = "general-v1"
	// DefaultThreshold applies to interactive comparisons.
	DefaultThreshold = 0.9
	// DefaultJobThreshold applies to batch comparisons.
	DefaultJobThreshold = 0.7
)

var (
	// ErrAlreadyExists is returned when a product or product set exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when the product set does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned when comparing against a missing or empty set.
	ErrNotReady = errors.New("product set is not set up or is empty")
)

// Product is one image registered in the product set.
type Product struct {
	ID          string
	DisplayName string
	ImageURI    string
}

// Hit is one product search result.
type Hit struct {
	DisplayName string
	Score       float32
}

// ProductSearch is the product set the service maintains and queries.
type ProductSearch interface {
	CreateProductSet(ctx context.Context) error
	// ProductsInSet returns ErrNotFound when the set does not exist.
	ProductsInSet(ctx context.Context) (int, error)
	AddProduct(ctx context.Context, p Product) error
	Search(ctx context.Context, imageURI string) ([]Hit, error)
	ListProducts(ctx context.Context) ([]string, error)
	DeleteProduct(ctx context.Context, name string) error
}

// FailedImage is an image a stage could not process.
type FailedImage struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// Image is a PNG available for indexing.
type Image struct {
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Updated     time.Time `json:"updated"`
	URI         string    `json:"gcsUri"`
}

// Match is a pair of distinct images the search considers similar.
type Match struct {
	BaseImage    string  `json:"baseImage"`
	SimilarImage string  `json:"similarImage"`
	Folder       string  `json:"folder"`
	Score        float32 `json:"score"`
}

// SetupReport summarises a SetupProductSet pass.
type SetupReport struct {
	Added  int           `json:"added"`
	Failed []FailedImage `json:"failed"`
}

// CompareOptions controls a comparison pass.
type CompareOptions struct {
	Threshold float32
	// FilteredCSV also writes the thresholded matches as CSV.
	FilteredCSV bool
	// JSONResults also writes the thresholded matches as JSON.
	JSONResults bool
}

// Comparison is the outcome of a comparison pass.
type Comparison struct {
	ImageCount       int      `json:"imageCount"`
	ComparisonCount  int      `json:"comparisonCount"`
	Images           []Image  `json:"images"`
	Comparisons      []Match  `json:"comparisons"`
	TotalComparisons int      `json:"totalComparisons"`
	Reports          []string `json:"reports"`
}

// Service runs the similarity pipeline over the converted images bucket.
type Service struct {
	index     ProductSearch
	converter *Converter
	images    storage.Bucket
	results   storage.Bucket
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService wires a pipeline. converter may be nil when conversion is not
// offered. results receives reports. m may be nil.
func NewService(index ProductSearch, converter *Converter, images, results storage.Bucket, m *metrics.Metrics) *Service {
	return &Service{
		index:     index,
		converter: converter,
		images:    images,
		results:   results,
		metrics:   m,
		now:       time.Now,
	}
}

// Convert converts TIFF sources into the images bucket.
func (s *Service) Convert(ctx context.Context) (ConvertReport, error) {
	if s.converter == nil {
		return ConvertReport{}, fmt.Errorf("tiff conversion: %w", storage.ErrUnsupported)
	}
	return s.converter.Convert(ctx)
}

func (s *Service) imageURI(key string) string {
	return "gs://" + s.images.Name() + "/" + key
}

// ListImages returns every PNG in the images bucket in listing order.
func (s *Service) ListImages(ctx context.Context) ([]Image, error) {
	objects, err := s.images.ListAll(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.images.Name(), err)
	}
	images := []Image{}
	for _, obj := range objects {
		if !strings.EqualFold(path.Ext(obj.Key), ".png") {
			continue
		}
		images = append(images, Image{
			Name:        obj.Key,
			ContentType: obj.ContentType,
			Size:        obj.Size,
			Updated:     obj.Updated,
			URI:         s.imageURI(obj.Key),
		})
	}
	return images, nil
}

// ProductID is the file name of key without its extension.
func ProductID(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}

// SetupProductSet creates the set if needed and registers every PNG, largest
// first. Products that fail are reported and skipped.
func (s *Service) SetupProductSet(ctx context.Context) (SetupReport, error) {
	if err := s.index.CreateProductSet(ctx); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return SetupReport{}, fmt.Errorf("create product set: %w", err)
	}
	images, err := s.ListImages(ctx)
	if err != nil {
		return SetupReport{}, err
	}
	sort.SliceStable(images, func(i, j int) bool { return images[i].Size > images[j].Size })

	report := SetupReport{Failed: []FailedImage{}}
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log.Info().Int("n", i+1).Int("of", len(images)).Str("image", img.Name).Msg("Adding image to product set")
		err := s.index.AddProduct(ctx, Product{ID: ProductID(img.Name), DisplayName: img.Name, ImageURI: img.URI})
		s.metrics.RecordImage("index", err)
		if err != nil {
			log.Warn().Err(err).Str("image", img.Name).Msg("Failed to add product")
			report.Failed = append(report.Failed, FailedImage{Key: img.Name, Error: err.Error()})
			continue
		}
		report.Added++
	}
	return report, nil
}

// Verify reports whether the set exists and holds products. A missing set is
// created and reported as not ready.
func (s *Service) Verify(ctx context.Context) (bool, error) {
	n, err := s.index.ProductsInSet(ctx)
	if errors.Is(err, ErrNotFound) {
		log.Info().Msg("Product set not found, creating it")
		if err := s.index.CreateProductSet(ctx); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return false, fmt.Errorf("create product set: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify product set: %w", err)
	}
	return n > 0, nil
}

// Compare searches the set with every PNG, drops self matches, and writes
// reports to the results bucket. Matches below the threshold only appear in
// the full report.
func (s *Service) Compare(ctx context.Context, opts CompareOptions) (*Comparison, error) {
	ready, err := s.Verify(ctx)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, ErrNotReady
	}
	images, err := s.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images in %s: %w", s.images.Name(), storage.ErrNotFound)
	}

	all := []Match{}
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug().Int("n", i+1).Int("of", len(images)).Str("image", img.Name).Msg("Comparing image")
		hits, err := s.index.Search(ctx, img.URI)
		s.metrics.RecordImage("search", err)
		if err != nil {
			log.Warn().Err(err).Str("image", img.Name).Msg("Image search failed")
			continue
		}
		for _, h := range hits {
			if h.DisplayName == img.Name {
				continue
			}
			all = append(all, Match{
				BaseImage:    img.Name,
				SimilarImage: h.DisplayName,
				Folder:       path.Dir(img.Name),
				Score:        h.Score,
			})
		}
	}

	filtered := FilterMatches(all, opts.Threshold)
	cmp := &Comparison{
		ImageCount:       len(images),
		ComparisonCount:  len(filtered),
		Images:           images,
		Comparisons:      filtered,
		TotalComparisons: len(all),
		Reports:          []string{},
	}

	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.writeReport(ctx, cmp, "image_comparison_"+ts+"_full.csv", "text/csv", func() ([]byte, error) {
		return MatchesCSV(all)
	}); err != nil {
		return nil, err
	}
	if opts.FilteredCSV && len(filtered) > 0 {
		if err := s.writeReport(ctx, cmp, "image_comparison_"+ts+".csv", "text/csv", func() ([]byte, error) {
			return MatchesCSV(filtered)
		}); err != nil {
			return nil, err
		}
	}
	if opts.JSONResults {
		if err := s.writeReport(ctx, cmp, "image_comparison_results_"+ts+".json", "application/json", func() ([]byte, error) {
			return json.Marshal(filtered)
		}); err != nil {
			return nil, err
		}
	}
	log.Info().
		Int("images", cmp.ImageCount).
		Int("matches", cmp.TotalComparisons).
		Int("above_threshold", cmp.ComparisonCount).
		Msg("Image comparison complete")
	return cmp, nil
}

func (s *Service) writeReport(ctx context.Context, cmp *Comparison, key, contentType string, render func() ([]byte, error)) error {
	data, err := render()
	if err != nil {
		return fmt.Errorf("render %s: %w", key, err)
	}
	if err := s.results.Write(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	cmp.Reports = append(cmp.Reports, key)
	return nil
}

// FilterMatches keeps matches scoring at least threshold.
func FilterMatches(matches []Match, threshold float32) []Match {
	out := []Match{}
	for _, m := range matches {
		if m.Score >= threshold {
			out = append(out, m)
		}
	}
	return out
}

// MatchesCSV renders matches with a header row.
func MatchesCSV(matches []Match) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"baseImage", "similarImage", "folder", "score"}); err != nil {
		return nil, err
	}
	for _, m := range matches {
		row := []string{m.BaseImage, m.SimilarImage, m.Folder, strconv.FormatFloat(float64(m.Score), 'f', -1, 32)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// DeleteAllProducts removes every product in the location and returns how
// many were deleted. The first failure stops the pass.
func (s *Service) DeleteAllProducts(ctx context.Context) (int, error) {
	names, err := s.index.ListProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list products: %w", err)
	}
	log.Info().Int("products", len(names)).Msg("Deleting products")
	for i, name := range names {
		if err := s.index.DeleteProduct(ctx, name); err != nil {
			return i, fmt.Errorf("delete product %s: %w", name, err)
		}
	}
	return len(names), nil
}
