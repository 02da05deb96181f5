package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/rs/zerolog/log"
)

const (
	// CORSMarkerKey records that bucket CORS has been configured.
	CORSMarkerKey  = ".bucket.cors-configured"
	corsMarkerBody = "This bucket's CORS has been set to allow requests from the file manager"

	signedURLBaseExpiry = time.Hour
	uploadPolicyExpiry  = time.Hour
	// uploadSizeSlack is added to the declared size in the upload policy.
	uploadSizeSlack = 1024
)

// URLService issues signed read URLs and upload policies.
type URLService struct {
	bucket      storage.Bucket
	cdnHost     string
	corsOrigins []string
	now         func() time.Time

	corsReady atomic.Bool
	corsMu    sync.Mutex
}

func NewURLService(bucket storage.Bucket, cdnHost string, corsOrigins []string) *URLService {
	return &URLService{
		bucket:      bucket,
		cdnHost:     cdnHost,
		corsOrigins: corsOrigins,
		now:         time.Now,
	}
}

// ShareExpiry returns when a link issued now expires. Shares add expiryDays
// calendar days to the one hour base used for downloads.
func (s *URLService) ShareExpiry(download bool, expiryDays int) time.Time {
	expires := s.now().Add(signedURLBaseExpiry)
	if !download {
		expires = expires.AddDate(0, 0, expiryDays)
	}
	return expires
}

// ShareURL signs a read URL for filepath. Downloads force an attachment
// named after the object and bypass the CDN.
func (s *URLService) ShareURL(ctx context.Context, filepath string, download bool, expiryDays int) (models.ShareLink, error) {
	key, err := NormalizeKey(filepath)
	if err != nil {
		return models.ShareLink{}, err
	}

	opts := storage.SignedURLOptions{Expires: s.ShareExpiry(download, expiryDays)}
	if download {
		opts.Filename = BaseName(key)
	} else {
		opts.Hostname = s.cdnHost
	}

	u, err := s.bucket.SignedURL(ctx, key, opts)
	if err != nil {
		return models.ShareLink{}, err
	}
	return models.ShareLink{URL: u, Duration: expiryDays}, nil
}

// UploadPolicy returns a direct upload credential constrained to contentType
// and roughly size bytes.
func (s *URLService) UploadPolicy(ctx context.Context, filepath, contentType string, size int64) (storage.PostPolicy, error) {
	key, err := NormalizeKey(filepath)
	if err != nil {
		return storage.PostPolicy{}, err
	}
	if strings.TrimSpace(contentType) == "" || size < 0 {
		return storage.PostPolicy{}, fmt.Errorf("%w: content type and a non-negative size are required", ErrInvalidArgument)
	}

	if err := s.EnsureCORS(ctx); err != nil {
		return storage.PostPolicy{}, err
	}

	return s.bucket.PostPolicy(ctx, key, storage.PostPolicyOptions{
		Expires:       s.now().Add(uploadPolicyExpiry),
		ContentType:   contentType,
		MaxSize:       size + uploadSizeSlack,
		SuccessStatus: http.StatusCreated,
	})
}

// EnsureCORS configures bucket CORS once, recording it with a marker object.
func (s *URLService) EnsureCORS(ctx context.Context) error {
	if s.corsReady.Load() {
		return nil
	}
	s.corsMu.Lock()
	defer s.corsMu.Unlock()
	if s.corsReady.Load() {
		return nil
	}

	exists, err := s.bucket.Exists(ctx, CORSMarkerKey)
	if err != nil {
		return err
	}
	if !exists {
		err := s.bucket.SetCORS(ctx, storage.CORSRule{
			Origins:         s.corsOrigins,
			Methods:         []string{"*"},
			ResponseHeaders: []string{"*"},
			MaxAge:          time.Hour,
		})
		if err != nil {
			return err
		}
		body := strings.NewReader(corsMarkerBody)
		if err := s.bucket.Write(ctx, CORSMarkerKey, body, body.Size(), "text/plain"); err != nil {
			return fmt.Errorf("write CORS marker: %w", err)
		}
		log.Info().Str("bucket", s.bucket.Name()).Strs("origins", s.corsOrigins).Msg("Configured bucket CORS")
	}

	s.corsReady.Store(true)
	return nil
}
