package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaults also makes every key known to viper, which AutomaticEnv needs to
// resolve environment variables during Unmarshal.
var defaults = map[string]any{
	"server.listen":           ":8080",
	"server.dashboard_origin": "",
	"server.shutdown_timeout": 15 * time.Second,
	"server.trust_proxy":      false,

	"logging.level":  "info",
	"logging.format": "json",

	"storage.backend":              "minio",
	"storage.bucket":               "",
	"storage.cdn_url":              "",
	"storage.minio.endpoint":       "localhost:9000",
	"storage.minio.access_key":     "",
	"storage.minio.secret_key":     "",
	"storage.minio.use_ssl":        "auto",
	"storage.gcs.credentials_file": "",

	"auth.verifier":         "google",
	"auth.audience":         "",
	"auth.hmac_secret":      "",
	"auth.bootstrap_admins": []string{},

	"dedup.batch_size": 100,
	"hashing.workers":  10,

	"similarity.enabled":             false,
	"similarity.project_id":          "",
	"similarity.location":            "us-west1",
	"similarity.product_set_id":      "",
	"similarity.product_category":    "general-v1",
	"similarity.converted_bucket":    "",
	"similarity.results_bucket":      "",
	"similarity.threshold":           0.9,
	"similarity.job_threshold":       0.7,
	"similarity.ssim_threshold":      0.9,
	"similarity.convert_batch_size":  10,
	"similarity.convert_concurrency": 5,

	"metrics.enabled": true,
}

func registerDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// ApplyDefaults fills zero values left after decoding and normalizes
// case-insensitive settings.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLoggingDefaults(&cfg.Logging)
	applyStorageDefaults(&cfg.Storage)
	applyAuthDefaults(&cfg.Auth)

	if cfg.Dedup.BatchSize == 0 {
		cfg.Dedup.BatchSize = 100
	}
	if cfg.Hashing.Workers == 0 {
		cfg.Hashing.Workers = 10
	}
	applySimilarityDefaults(&cfg.Similarity)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	cfg.DashboardOrigin = strings.TrimSuffix(cfg.DashboardOrigin, "/")
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	cfg.Backend = strings.ToLower(cfg.Backend)
	if cfg.Backend == "" {
		cfg.Backend = "minio"
	}
	cfg.MinIO.UseSSL = strings.ToLower(cfg.MinIO.UseSSL)
	if cfg.MinIO.UseSSL == "" {
		cfg.MinIO.UseSSL = "auto"
	}
	// Shares are signed for a host, so only keep the host part of a URL.
	cdn := strings.TrimPrefix(strings.TrimPrefix(cfg.CDNURL, "https://"), "http://")
	cfg.CDNURL = strings.TrimSuffix(cdn, "/")
}

func applyAuthDefaults(cfg *AuthConfig) {
	cfg.Verifier = strings.ToLower(cfg.Verifier)
	if cfg.Verifier == "" {
		cfg.Verifier = "google"
	}
	admins := cfg.BootstrapAdmins[:0]
	for _, a := range cfg.BootstrapAdmins {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			admins = append(admins, a)
		}
	}
	cfg.BootstrapAdmins = admins
}

func applySimilarityDefaults(cfg *SimilarityConfig) {
	if cfg.Location == "" {
		cfg.Location = "us-west1"
	}
	if cfg.ProductCategory == "" {
		cfg.ProductCategory = "general-v1"
	}
	if cfg.ResultsBucket == "" {
		cfg.ResultsBucket = cfg.ConvertedBucket
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.9
	}
	if cfg.JobThreshold == 0 {
		cfg.JobThreshold = 0.7
	}
	if cfg.SSIMThreshold == 0 {
		cfg.SSIMThreshold = 0.9
	}
	if cfg.ConvertBatchSize == 0 {
		cfg.ConvertBatchSize = 10
	}
	if cfg.ConvertConcurrency == 0 {
		cfg.ConvertConcurrency = 5
	}
}
