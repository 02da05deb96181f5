package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// SettingsKey is the object holding the dashboard settings document.
const SettingsKey = ".bucket.dashboard-settings.json"

var validate = validator.New()

// SettingsService persists the settings document and publishes access policy
// snapshots built from it.
type SettingsService struct {
	bucket          storage.Bucket
	bootstrapAdmins []string
	policy          atomic.Pointer[AccessPolicy]
}

// NewSettingsService starts with a policy that only knows the bootstrap
// admins; call Reload to apply the stored document.
func NewSettingsService(bucket storage.Bucket, bootstrapAdmins []string) *SettingsService {
	s := &SettingsService{bucket: bucket, bootstrapAdmins: bootstrapAdmins}
	s.policy.Store(NewAccessPolicy(models.Settings{UseSettings: false}, bootstrapAdmins))
	return s
}

// Snapshot returns the current policy. The snapshot never changes.
func (s *SettingsService) Snapshot() *AccessPolicy {
	return s.policy.Load()
}

// Load reads the settings document, writing defaults if it does not exist.
func (s *SettingsService) Load(ctx context.Context) (models.Settings, error) {
	r, err := s.bucket.Open(ctx, SettingsKey)
	if errors.Is(err, storage.ErrNotFound) {
		defaults := models.DefaultSettings()
		if err := s.write(ctx, defaults); err != nil {
			return models.Settings{}, err
		}
		log.Info().Str("bucket", s.bucket.Name()).Msg("Created default dashboard settings")
		return defaults, nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return models.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	settings := models.DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return models.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// Save validates and overwrites the document, then reloads the policy.
func (s *SettingsService) Save(ctx context.Context, settings models.Settings) error {
	if err := validate.Struct(settings); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := s.write(ctx, settings); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Reload rebuilds the policy snapshot from the stored document.
func (s *SettingsService) Reload(ctx context.Context) error {
	settings, err := s.Load(ctx)
	if err != nil {
		return err
	}
	s.policy.Store(NewAccessPolicy(settings, s.bootstrapAdmins))
	return nil
}

func (s *SettingsService) write(ctx context.Context, settings models.Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := s.bucket.Write(ctx, SettingsKey, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
