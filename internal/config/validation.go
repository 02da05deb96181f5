package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags, then rules spanning several fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "minio":
		m := cfg.Storage.MinIO
		if m.Endpoint == "" || m.AccessKey == "" || m.SecretKey == "" {
			return errors.New("storage.minio: endpoint, access_key and secret_key are required for the minio backend")
		}
	}

	switch cfg.Auth.Verifier {
	case "google":
		if cfg.Auth.Audience == "" {
			return errors.New("auth.audience: required for the google verifier")
		}
	case "hmac":
		if len(cfg.Auth.HMACSecret) < 16 {
			return errors.New("auth.hmac_secret: at least 16 characters required for the hmac verifier")
		}
	}

	if s := cfg.Similarity; s.Enabled {
		if cfg.Storage.Backend != "gcs" {
			return errors.New("similarity: requires the gcs storage backend")
		}
		if s.ProjectID == "" || s.ProductSetID == "" || s.ConvertedBucket == "" {
			return errors.New("similarity: project_id, product_set_id and converted_bucket are required when enabled")
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
