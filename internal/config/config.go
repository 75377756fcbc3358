package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env           string
	ListenAddr    string
	DatabaseURL   string
	RedisURL      string
	ScanWorkers   int
	CredentialKey string
	Log           Log
	Telemetry     Telemetry
	Queue         Queue
	Pipeline      Pipeline
	Storage       Storage
	Photos        Photos
	Matcher       Matcher
	Progress      Progress
}

type Log struct {
	Level  string
	Format string
}

type Telemetry struct {
	OTLPEndpoint string
	ServiceName  string
}

type Queue struct {
	Backend      string // postgres | redis
	PollInterval time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	Lease        time.Duration
	// Timeout bounds one attempt on the redis backend only.
	Timeout time.Duration
}

type Pipeline struct {
	BatchSize           int
	DownloadConcurrency int
	OriginalConcurrency int
	UploadConcurrency   int
	MatchThreshold      float64
	MaxPages            int
	ProgressEvery       int
}

type Storage struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UploadAttempts  int
	UploadRetryBase time.Duration
	PresignTTL      time.Duration
}

type Photos struct {
	APIURL       string
	ClientID     string
	ClientSecret string
	TokenURL     string
	PageSize     int
	PageDelay    time.Duration
	Timeout      time.Duration
}

type Matcher struct {
	URL     string
	Timeout time.Duration
}

type Progress struct {
	TTL            time.Duration
	StreamInterval time.Duration
}

var defaults = map[string]any{
	"app_env":              "development",
	"listen_addr":          ":8080",
	"redis_url":            "redis://localhost:6379/0",
	"scan_workers":         0,
	"log_level":            "info",
	"log_format":           "",
	"otel_service_name":    "facefinder",
	"queue_backend":        "postgres",
	"queue_poll_interval":  500 * time.Millisecond,
	"job_max_attempts":     3,
	"job_retry_base":       30 * time.Second,
	"job_retry_max":        30 * time.Minute,
	"job_lease":            2 * time.Minute,
	"job_timeout":          6 * time.Hour,
	"batch_size":           100,
	"download_concurrency": 5,
	"original_concurrency": 3,
	"upload_concurrency":   5,
	"match_threshold":      0.6,
	"max_pages":            2000,
	"progress_every":       10,
	"s3_region":            "us-east-1",
	"upload_attempts":      3,
	"upload_retry_base":    time.Second,
	"presign_ttl":          24 * time.Hour,
	"photos_api_url":       "https://photoslibrary.googleapis.com",
	"google_token_url":     "https://oauth2.googleapis.com/token",
	"photos_page_size":     100,
	"page_delay":           500 * time.Millisecond,
	"photos_timeout":       60 * time.Second,
	"matcher_url":          "http://localhost:8500",
	"matcher_timeout":      30 * time.Second,
	"progress_ttl":         24 * time.Hour,
	"stream_interval":      2 * time.Second,
}

// Load reads configuration from the environment. Keys are the upper-cased
// names in defaults (BATCH_SIZE, S3_BUCKET, ...).
func Load() (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range []string{
		"database_url", "credential_key", "otel_exporter_otlp_endpoint",
		"s3_bucket", "s3_endpoint", "s3_access_key_id", "s3_secret_access_key",
		"google_client_id", "google_client_secret",
	} {
		_ = v.BindEnv(k)
	}
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:           v.GetString("app_env"),
		ListenAddr:    v.GetString("listen_addr"),
		DatabaseURL:   v.GetString("database_url"),
		RedisURL:      v.GetString("redis_url"),
		ScanWorkers:   v.GetInt("scan_workers"),
		CredentialKey: v.GetString("credential_key"),
		Log: Log{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		Telemetry: Telemetry{
			OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),
			ServiceName:  v.GetString("otel_service_name"),
		},
		Queue: Queue{
			Backend:      v.GetString("queue_backend"),
			PollInterval: v.GetDuration("queue_poll_interval"),
			MaxAttempts:  v.GetInt("job_max_attempts"),
			RetryBase:    v.GetDuration("job_retry_base"),
			RetryMax:     v.GetDuration("job_retry_max"),
			Lease:        v.GetDuration("job_lease"),
		},
		Pipeline: Pipeline{
			BatchSize:           v.GetInt("batch_size"),
			DownloadConcurrency: v.GetInt("download_concurrency"),
			OriginalConcurrency: v.GetInt("original_concurrency"),
			UploadConcurrency:   v.GetInt("upload_concurrency"),
			MatchThreshold:      v.GetFloat64("match_threshold"),
			MaxPages:            v.GetInt("max_pages"),
			ProgressEvery:       v.GetInt("progress_every"),
		},
		Storage: Storage{
			Bucket:          v.GetString("s3_bucket"),
			Region:          v.GetString("s3_region"),
			Endpoint:        v.GetString("s3_endpoint"),
			AccessKeyID:     v.GetString("s3_access_key_id"),
			SecretAccessKey: v.GetString("s3_secret_access_key"),
			UploadAttempts:  v.GetInt("upload_attempts"),
			UploadRetryBase: v.GetDuration("upload_retry_base"),
			PresignTTL:      v.GetDuration("presign_ttl"),
		},
		Photos: Photos{
			APIURL:       v.GetString("photos_api_url"),
			ClientID:     v.GetString("google_client_id"),
			ClientSecret: v.GetString("google_client_secret"),
			TokenURL:     v.GetString("google_token_url"),
			PageSize:     v.GetInt("photos_page_size"),
			PageDelay:    v.GetDuration("page_delay"),
			Timeout:      v.GetDuration("photos_timeout"),
		},
		Matcher: Matcher{
			URL:     v.GetString("matcher_url"),
			Timeout: v.GetDuration("matcher_timeout"),
		},
		Progress: Progress{
			TTL:            v.GetDuration("progress_ttl"),
			StreamInterval: v.GetDuration("stream_interval"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL not set")
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Pipeline.BatchSize < 1:
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Pipeline.BatchSize)
	case c.Pipeline.DownloadConcurrency < 1, c.Pipeline.OriginalConcurrency < 1, c.Pipeline.UploadConcurrency < 1:
		return fmt.Errorf("concurrency limits must be positive")
	case c.Pipeline.MatchThreshold < 0 || c.Pipeline.MatchThreshold > 1:
		return fmt.Errorf("MATCH_THRESHOLD must be within [0,1], got %v", c.Pipeline.MatchThreshold)
	case c.Storage.UploadAttempts < 1:
		return fmt.Errorf("UPLOAD_ATTEMPTS must be at least 1")
	case c.Queue.Backend != "postgres" && c.Queue.Backend != "redis":
		return fmt.Errorf("QUEUE_BACKEND must be postgres or redis, got %q", c.Queue.Backend)
	}
	return nil
}
