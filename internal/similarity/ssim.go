package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/damacus/iron-cabinet/internal/metrics"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/tiff"
)

const (
	DefaultSSIMThreshold = 0.9

	ssimWindow = 7
	ssimK1     = 0.01
	ssimK2     = 0.03
)

var (
	// ErrDimensionMismatch is returned when two images differ in size or channels.
	ErrDimensionMismatch = errors.New("images have different dimensions")
	// ErrImageTooSmall is returned when no comparison window fits an image.
	ErrImageTooSmall = errors.New("image too small for SSIM")
)

// ImageMetadata describes one analysed file.
type ImageMetadata struct {
	FullPath    string            `json:"fullPath"`
	Size        int64             `json:"size"`
	ContentType string            `json:"contentType"`
	Updated     time.Time         `json:"updated"`
	MD5         string            `json:"md5Hash,omitempty"`
	Custom      map[string]string `json:"customMetadata,omitempty"`
}

// PairResult is the outcome of comparing two images: a score or an error.
type PairResult struct {
	SSIM  *float64 `json:"ssim,omitempty"`
	Error string   `json:"error,omitempty"`
}

// SSIMReport is the stored report. Comparisons are keyed by PairKey.
type SSIMReport struct {
	Metadata    map[string]ImageMetadata `json:"metadata"`
	Comparisons map[string]PairResult    `json:"comparisons"`
}

// SSIMOptions controls an analysis run.
type SSIMOptions struct {
	Threshold float64
	// ReportKey names the stored report. Empty selects a timestamped name.
	ReportKey string
}

// SSIMSummary is returned once the report is stored.
type SSIMSummary struct {
	Message   string `json:"message"`
	ReportKey string `json:"reportKey"`
	Files     int    `json:"files"`
	Pairs     int    `json:"pairs"`
	Reported  int    `json:"reported"`
}

// SSIMAnalyzer compares TIFF originals pixel by pixel with the structural
// similarity index. It needs nothing beyond the bucket.
type SSIMAnalyzer struct {
	bucket  storage.Bucket
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSSIMAnalyzer creates an analyzer over bucket. m may be nil.
func NewSSIMAnalyzer(bucket storage.Bucket, m *metrics.Metrics) *SSIMAnalyzer {
	return &SSIMAnalyzer{bucket: bucket, metrics: m, now: time.Now}
}

// PairKey names the comparison of a and b.
func PairKey(a, b string) string {
	return a + " vs " + b
}

func (a *SSIMAnalyzer) tiffs(ctx context.Context) ([]storage.Object, error) {
	all, err := a.bucket.ListAll(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.bucket.Name(), err)
	}
	var out []storage.Object
	for _, obj := range all {
		if obj.IsMarker() || utils.IsReservedKey(obj.Key) || !IsTIFF(obj.Key) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// Analyze compares every pair of TIFF files. Pairs scoring below threshold
// are left out. Pairs that cannot be compared are always reported with their
// error.
func (a *SSIMAnalyzer) Analyze(ctx context.Context, threshold float64) (*SSIMReport, error) {
	files, err := a.tiffs(ctx)
	if err != nil {
		return nil, err
	}

	report := &SSIMReport{
		Metadata:    make(map[string]ImageMetadata, len(files)),
		Comparisons: map[string]PairResult{},
	}
	for _, obj := range files {
		report.Metadata[obj.Key] = ImageMetadata{
			FullPath:    obj.Key,
			Size:        obj.Size,
			ContentType: obj.ContentType,
			Updated:     obj.Updated,
			MD5:         obj.MD5,
			Custom:      obj.Metadata,
		}
	}

	total := len(files) * (len(files) - 1) / 2
	log.Info().Int("files", len(files)).Int("pairs", total).Float64("threshold", threshold).Msg("Starting SSIM analysis")

	done := 0
	for i, first := range files[:max(len(files)-1, 0)] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base, baseErr := a.decode(ctx, first.Key)
		for _, second := range files[i+1:] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			done++
			key := PairKey(first.Key, second.Key)

			score, err := 0.0, baseErr
			if err == nil {
				var other *Planes
				if other, err = a.decode(ctx, second.Key); err == nil {
					score, err = SSIM(base, other)
				}
			}
			a.metrics.RecordImage("ssim", err)

			switch {
			case err != nil:
				log.Warn().Err(err).Str("pair", key).Msg("SSIM comparison failed")
				report.Comparisons[key] = PairResult{Error: err.Error()}
			case score >= threshold:
				report.Comparisons[key] = PairResult{SSIM: &score}
			}
			log.Debug().Int("n", done).Int("of", total).Str("pair", key).Float64("ssim", score).Msg("Compared images")
		}
	}
	return report, nil
}

// Run analyses the bucket and stores the report in it.
func (a *SSIMAnalyzer) Run(ctx context.Context, opts SSIMOptions) (SSIMSummary, error) {
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return SSIMSummary{}, fmt.Errorf("threshold %v is outside [0, 1]", opts.Threshold)
	}
	report, err := a.Analyze(ctx, opts.Threshold)
	if err != nil {
		return SSIMSummary{}, err
	}

	key := opts.ReportKey
	if key == "" {
		key = "similarity_report_" + a.now().UTC().Format("20060102T150405Z") + ".json"
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return SSIMSummary{}, fmt.Errorf("render %s: %w", key, err)
	}
	if err := a.bucket.Write(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return SSIMSummary{}, fmt.Errorf("write %s: %w", key, err)
	}

	n := len(report.Metadata)
	summary := SSIMSummary{
		Message:   "Analysis complete",
		ReportKey: key,
		Files:     n,
		Pairs:     n * (n - 1) / 2,
		Reported:  len(report.Comparisons),
	}
	log.Info().Str("report", key).Int("pairs", summary.Pairs).Int("reported", summary.Reported).Msg("SSIM analysis complete")
	return summary, nil
}

func (a *SSIMAnalyzer) decode(ctx context.Context, key string) (*Planes, error) {
	r, err := a.bucket.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	img, err := tiff.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return NewPlanes(img), nil
}

// Planes holds an image as one row-major plane per channel, scaled to [0, 1].
type Planes struct {
	Width, Height int
	Channels      [][]float64
}

// NewPlanes splits img into planes. Grayscale images have one channel,
// everything else three. Alpha is dropped.
func NewPlanes(img image.Image) *Planes {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := 3
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		n = 1
	}

	p := &Planes{Width: w, Height: h, Channels: make([][]float64, n)}
	for c := range p.Channels {
		p.Channels[c] = make([]float64, w*h)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			p.Channels[0][i] = float64(r) / 0xffff
			if n == 3 {
				p.Channels[1][i] = float64(g) / 0xffff
				p.Channels[2][i] = float64(bl) / 0xffff
			}
		}
	}
	return p
}

// dataRange is the spread of values in p, or the full scale for a flat image.
func (p *Planes) dataRange() float64 {
	lo, hi := 1.0, 0.0
	for _, ch := range p.Channels {
		for _, v := range ch {
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	if hi <= lo {
		return 1
	}
	return hi - lo
}

// WindowSize returns the comparison window for images whose smaller side is
// minDim: 7, or the largest odd size that fits.
func WindowSize(minDim int) int {
	if minDim >= ssimWindow {
		return ssimWindow
	}
	if minDim%2 == 0 {
		return minDim - 1
	}
	return minDim
}

// SSIM is the mean structural similarity of x and y over every window that
// fits, averaged across channels. The data range is taken from x.
func SSIM(x, y *Planes) (float64, error) {
	if x.Width != y.Width || x.Height != y.Height || len(x.Channels) != len(y.Channels) {
		return 0, fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrDimensionMismatch,
			x.Width, x.Height, len(x.Channels), y.Width, y.Height, len(y.Channels))
	}
	win := WindowSize(min(x.Width, x.Height))
	if win < 3 {
		return 0, fmt.Errorf("%w: %dx%d", ErrImageTooSmall, x.Width, x.Height)
	}
	if win < ssimWindow {
		log.Debug().Int("window", win).Msg("Image smaller than the SSIM window, shrinking it")
	}

	rng := x.dataRange()
	var sum float64
	for c := range x.Channels {
		sum += channelSSIM(x.Channels[c], y.Channels[c], x.Width, x.Height, win, rng)
	}
	return sum / float64(len(x.Channels)), nil
}

func channelSSIM(x, y []float64, w, h, win int, dataRange float64) float64 {
	sx := newSummedArea(w, h, func(i int) float64 { return x[i] })
	sy := newSummedArea(w, h, func(i int) float64 { return y[i] })
	sxx := newSummedArea(w, h, func(i int) float64 { return x[i] * x[i] })
	syy := newSummedArea(w, h, func(i int) float64 { return y[i] * y[i] })
	sxy := newSummedArea(w, h, func(i int) float64 { return x[i] * y[i] })

	np := float64(win * win)
	covNorm := np / (np - 1)
	c1 := (ssimK1 * dataRange) * (ssimK1 * dataRange)
	c2 := (ssimK2 * dataRange) * (ssimK2 * dataRange)

	var total float64
	count := 0
	for y0 := 0; y0+win <= h; y0++ {
		for x0 := 0; x0+win <= w; x0++ {
			ux := sx.sum(x0, y0, win) / np
			uy := sy.sum(x0, y0, win) / np
			vx := covNorm * (sxx.sum(x0, y0, win)/np - ux*ux)
			vy := covNorm * (syy.sum(x0, y0, win)/np - uy*uy)
			vxy := covNorm * (sxy.sum(x0, y0, win)/np - ux*uy)

			num := (2*ux*uy + c1) * (2*vxy + c2)
			den := (ux*ux + uy*uy + c1) * (vx + vy + c2)
			total += num / den
			count++
		}
	}
	return total / float64(count)
}

// summedArea is an integral image with a zero row and column in front.
type summedArea struct {
	stride int
	v      []float64
}

func newSummedArea(w, h int, f func(i int) float64) summedArea {
	stride := w + 1
	v := make([]float64, stride*(h+1))
	for y := 0; y < h; y++ {
		row := 0.0
		for x := 0; x < w; x++ {
			row += f(y*w + x)
			v[(y+1)*stride+x+1] = v[y*stride+x+1] + row
		}
	}
	return summedArea{stride: stride, v: v}
}

// sum adds the n x n block whose top-left corner is (x0, y0).
func (s summedArea) sum(x0, y0, n int) float64 {
	x1, y1 := x0+n, y0+n
	return s.v[y1*s.stride+x1] - s.v[y0*s.stride+x1] - s.v[y1*s.stride+x0] + s.v[y0*s.stride+x0]
}
