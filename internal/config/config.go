package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Backend string `envconfig:"BACKEND" default:"drive"`

	DriveBaseURL      string `envconfig:"DRIVE_BASE_URL"`
	DriveTokenURL     string `envconfig:"DRIVE_TOKEN_URL"`
	DriveClientID     string `envconfig:"DRIVE_CLIENT_ID"`
	DriveClientSecret string `envconfig:"DRIVE_CLIENT_SECRET"`
	DriveID           string `envconfig:"DRIVE_ID"`

	PutioToken string `envconfig:"PUTIO_TOKEN"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"true"`

	DBPath   string `envconfig:"DB_PATH" default:"transfers.db"`
	CacheDir string `envconfig:"CACHE_DIR" required:"true"`

	UploadParallelism   int `envconfig:"UPLOAD_PARALLELISM" default:"4"`
	DownloadParallelism int `envconfig:"DOWNLOAD_PARALLELISM" default:"4"`
	BackgroundCapacity  int `envconfig:"BACKGROUND_CAPACITY" default:"10"`
	RetryBudget         int `envconfig:"RETRY_BUDGET" default:"3"`

	RetryInitialInterval      time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"2s"`
	RetryMaxInterval          time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"2m"`
	RequestTimeout            time.Duration `envconfig:"REQUEST_TIMEOUT" default:"120s"`
	BackgroundResourceTimeout time.Duration `envconfig:"BACKGROUND_RESOURCE_TIMEOUT" default:"72h"`
	TokenNearExpiry           time.Duration `envconfig:"TOKEN_NEAR_EXPIRY" default:"60s"`
	ShutdownGracePeriod       time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD" default:"10s"`
	CleanupInterval           time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepTempFor               time.Duration `envconfig:"KEEP_TEMP_FOR" default:"24h"`

	AutosyncDir      string        `envconfig:"AUTOSYNC_DIR"`
	AutosyncParentID string        `envconfig:"AUTOSYNC_PARENT_ID"`
	AutosyncUserID   string        `envconfig:"AUTOSYNC_USER_ID"`
	AutosyncDebounce time.Duration `envconfig:"AUTOSYNC_DEBOUNCE" default:"2s"`

	APIUsername string `envconfig:"API_USERNAME"`
	APIPassword string `envconfig:"API_PASSWORD"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"drivequeue"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE"`
		PushInterval   time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "drive":
		if c.DriveBaseURL == "" || c.DriveTokenURL == "" {
			return fmt.Errorf("backend drive requires DRIVE_BASE_URL and DRIVE_TOKEN_URL")
		}
	case "putio":
		if c.PutioToken == "" {
			return fmt.Errorf("backend putio requires PUTIO_TOKEN")
		}
	case "s3":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("backend s3 requires S3_ENDPOINT and S3_BUCKET")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.Backend)
	}

	if c.UploadParallelism < 1 || c.DownloadParallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1")
	}

	if c.BackgroundCapacity < 0 {
		return fmt.Errorf("background capacity must not be negative")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
