package config

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/api/option"

	"github.com/damacus/iron-cabinet/internal/metrics"
	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/damacus/iron-cabinet/internal/similarity"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/storage/gcsstore"
	"github.com/damacus/iron-cabinet/internal/storage/memstore"
	"github.com/damacus/iron-cabinet/internal/storage/miniostore"
)

func (c MinIOConfig) credentials() miniostore.Credentials {
	creds := miniostore.Credentials{
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
	}
	switch c.UseSSL {
	case "true":
		secure := true
		creds.Secure = &secure
	case "false":
		secure := false
		creds.Secure = &secure
	}
	return creds
}

func (c GCSConfig) clientOptions() []option.ClientOption {
	if c.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(c.CredentialsFile)}
}

// OpenBucket opens name on the configured backend. Backends holding a
// connection are returned as io.Closer too.
func OpenBucket(ctx context.Context, cfg StorageConfig, name string) (storage.Bucket, error) {
	switch cfg.Backend {
	case "memory":
		return memstore.New(name), nil
	case "minio":
		b, err := miniostore.Open(cfg.MinIO.credentials(), name)
		if err != nil {
			return nil, fmt.Errorf("open minio bucket %s: %w", name, err)
		}
		return b, nil
	case "gcs":
		b, err := gcsstore.New(ctx, name, cfg.GCS.clientOptions()...)
		if err != nil {
			return nil, fmt.Errorf("open gcs bucket %s: %w", name, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// CloseBucket releases a bucket opened by OpenBucket.
func CloseBucket(b storage.Bucket) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewVerifier builds the identity verifier selected by cfg.
func NewVerifier(cfg AuthConfig) (services.IdentityVerifier, error) {
	switch cfg.Verifier {
	case "google":
		return services.NewGoogleVerifier(cfg.Audience), nil
	case "hmac":
		return services.NewHMACVerifier(cfg.HMACSecret, cfg.Audience), nil
	}
	return nil, fmt.Errorf("unknown verifier %q", cfg.Verifier)
}

// Similarity is an assembled similarity pipeline and the resources to
// release when done with it.
type Similarity struct {
	Service *similarity.Service
	closers []io.Closer
}

// Close releases the vision clients and extra buckets.
func (s *Similarity) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewSimilarity assembles the similarity pipeline over source, the bucket
// holding TIFF originals.
func NewSimilarity(ctx context.Context, cfg *Config, source storage.Bucket, m *metrics.Metrics) (*Similarity, error) {
	sc := cfg.Similarity
	out := &Similarity{}

	converted, err := OpenBucket(ctx, cfg.Storage, sc.ConvertedBucket)
	if err != nil {
		return nil, err
	}
	if c, ok := converted.(io.Closer); ok {
		out.closers = append(out.closers, c)
	}
	results := converted
	if sc.ResultsBucket != sc.ConvertedBucket {
		results, err = OpenBucket(ctx, cfg.Storage, sc.ResultsBucket)
		if err != nil {
			out.Close()
			return nil, err
		}
		if c, ok := results.(io.Closer); ok {
			out.closers = append(out.closers, c)
		}
	}

	index, err := similarity.NewVisionIndex(ctx, similarity.VisionConfig{
		ProjectID:    sc.ProjectID,
		Location:     sc.Location,
		ProductSetID: sc.ProductSetID,
		Category:     sc.ProductCategory,
	}, cfg.Storage.GCS.clientOptions()...)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.closers = append(out.closers, index)

	converter := similarity.NewConverter(source, converted, sc.ConvertBatchSize, sc.ConvertConcurrency, m)
	out.Service = similarity.NewService(index, converter, converted, results, m)
	return out, nil
}
