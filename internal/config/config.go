// Package config loads the iron-cabinet configuration from a YAML file and
// CABINET_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server and job configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (CABINET_SERVER_LISTEN, CABINET_STORAGE_BUCKET, ...)
//  2. Configuration file
//  3. Defaults
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Hashing    HashingConfig    `mapstructure:"hashing"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" validate:"required"`
	// DashboardOrigin is the browser origin allowed by CORS, on both the API
	// and the bucket.
	DashboardOrigin string        `mapstructure:"dashboard_origin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// TrustProxy honours X-Forwarded-Proto from a fronting load balancer.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=minio gcs memory"`
	Bucket  string `mapstructure:"bucket" validate:"required"`
	// CDNURL is the host serving shared links, when the backend can sign for it.
	CDNURL string      `mapstructure:"cdn_url"`
	MinIO  MinIOConfig `mapstructure:"minio"`
	GCS    GCSConfig   `mapstructure:"gcs"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	// UseSSL is auto, true or false. auto decides from the endpoint.
	UseSSL string `mapstructure:"use_ssl" validate:"oneof=auto true false"`
}

type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AuthConfig struct {
	Verifier        string   `mapstructure:"verifier" validate:"oneof=google hmac"`
	Audience        string   `mapstructure:"audience"`
	HMACSecret      string   `mapstructure:"hmac_secret"`
	BootstrapAdmins []string `mapstructure:"bootstrap_admins" validate:"dive,email"`
}

type DedupConfig struct {
	BatchSize int `mapstructure:"batch_size" validate:"gte=1,lte=1000"`
}

type HashingConfig struct {
	Workers int `mapstructure:"workers" validate:"gte=1,lte=256"`
}

type SimilarityConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	ProjectID       string  `mapstructure:"project_id"`
	Location        string  `mapstructure:"location"`
	ProductSetID    string  `mapstructure:"product_set_id"`
	ProductCategory string  `mapstructure:"product_category"`
	ConvertedBucket string  `mapstructure:"converted_bucket"`
	ResultsBucket   string  `mapstructure:"results_bucket"`
	Threshold       float32 `mapstructure:"threshold" validate:"gte=0,lte=1"`
	JobThreshold    float32 `mapstructure:"job_threshold" validate:"gte=0,lte=1"`
	// SSIMThreshold applies to the pixel comparison of TIFF originals, which
	// runs whether or not the vision pipeline is enabled.
	SSIMThreshold float64 `mapstructure:"ssim_threshold" validate:"gte=0,lte=1"`
	// ConvertBatchSize and ConvertConcurrency are independent: batches run
	// one after another, and at most ConvertConcurrency conversions of a
	// batch run at once.
	ConvertBatchSize   int `mapstructure:"convert_batch_size" validate:"gte=1"`
	ConvertConcurrency int `mapstructure:"convert_concurrency" validate:"gte=1"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configPath (optional), the environment and defaults, then
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// CABINET_STORAGE_MINIO_ENDPOINT -> storage.minio.endpoint
	v.SetEnvPrefix("CABINET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iron-cabinet")
	v.SetConfigName("cabinet")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && configPath == "" {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}
