package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/postwing/xsched/internal/oauth"
	"github.com/postwing/xsched/internal/objectstore"
	"github.com/postwing/xsched/internal/poster"
	"github.com/postwing/xsched/internal/retry"
	"github.com/postwing/xsched/internal/scheduler"
	"github.com/postwing/xsched/internal/twitter"
)

// Config holds all application configuration loaded from environment
// variables, with an optional YAML file overlay for the schedule and
// source settings. Explicit environment variables always win.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile     string `envconfig:"LOG_FILE"`
	ConfigFile  string `envconfig:"CONFIG_FILE"`

	// OAuth2 app credentials. The client secret is only set for
	// confidential clients; public clients leave it empty.
	OAuthClientID     string   `envconfig:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string   `envconfig:"OAUTH_CLIENT_SECRET"`
	OAuthRedirectURI  string   `envconfig:"OAUTH_REDIRECT_URI" default:"http://127.0.0.1:8787/callback"`
	OAuthScopes       []string `envconfig:"OAUTH_SCOPES" default:"tweet.read,tweet.write,users.read,offline.access,media.write"`
	OAuthAuthorizeURL string   `envconfig:"OAUTH_AUTHORIZE_URL" default:"https://twitter.com/i/oauth2/authorize"`
	OAuthTokenURL     string   `envconfig:"OAUTH_TOKEN_URL" default:"https://api.twitter.com/2/oauth2/token"`
	OAuthUserID       string   `envconfig:"OAUTH_USER_ID" default:"default"`

	// API endpoints
	MediaUploadURL string `envconfig:"MEDIA_UPLOAD_URL" default:"https://upload.twitter.com/1.1/media/upload.json"`
	PostURL        string `envconfig:"POST_URL" default:"https://api.twitter.com/2/tweets"`

	// Media upload bounds
	MediaChunkBytes   int64         `envconfig:"MEDIA_CHUNK_BYTES" default:"4194304"`
	MediaMaxFileBytes int64         `envconfig:"MEDIA_MAX_FILE_BYTES" default:"536870912"`
	MediaMaxWait      time.Duration `envconfig:"MEDIA_MAX_WAIT" default:"10m"`
	MediaPollInterval time.Duration `envconfig:"MEDIA_POLL_INTERVAL" default:"5s"`

	// Retry policy for idempotent requests, and the tighter budget for
	// post creation where retries can double-post.
	RetryMaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay       time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMultiplier      float64       `envconfig:"RETRY_MULTIPLIER" default:"2"`
	RetryMaxDelay        time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`
	PostRetryMaxAttempts int           `envconfig:"POST_RETRY_MAX_ATTEMPTS" default:"2"`

	// Storage
	TokenDBPath   string `envconfig:"TOKEN_DB_PATH" default:"tokens.db"`
	SourceCSVPath string `envconfig:"SOURCE_CSV_PATH" default:"queue.csv"`

	// Posting
	MaxPostLength int `envconfig:"MAX_POST_LENGTH" default:"280"`

	// Remote media staging
	DownloadMaxBytes int64         `envconfig:"DOWNLOAD_MAX_BYTES" default:"146800640"`
	DownloadTimeout  time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"140s"`

	// Schedule
	ScheduleInterval time.Duration `envconfig:"SCHEDULE_INTERVAL" default:"1h"`
	ScheduleTimes    []string      `envconfig:"SCHEDULE_TIMES"`
	RunOnStart       bool          `envconfig:"RUN_ON_START" default:"false"`

	// Object store (optional; s3:// media references need it)
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"postwing"`
	S3Prefix    string `envconfig:"S3_PREFIX"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"true"`

	// Listeners
	AuthListenAddr string `envconfig:"AUTH_LISTEN_ADDR" default:":8787"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9091"`
}

// fileConfig is the optional YAML overlay. Only settings that operators
// tend to keep under version control live here. Durations are strings
// ("30m") since YAML has no duration type.
type fileConfig struct {
	Schedule struct {
		Interval   string   `yaml:"interval"`
		Times      []string `yaml:"times"`
		RunOnStart *bool    `yaml:"run_on_start"`
	} `yaml:"schedule"`
	Source struct {
		CSVPath string `yaml:"csv_path"`
	} `yaml:"source"`
}

// Load reads configuration from the environment, after loading a .env
// file when one is present and applying the CONFIG_FILE overlay.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// applyFile overlays YAML settings for keys the environment did not set
// explicitly.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Schedule.Interval != "" && !envSet("SCHEDULE_INTERVAL") {
		d, err := time.ParseDuration(fc.Schedule.Interval)
		if err != nil {
			return fmt.Errorf("parsing schedule.interval in %s: %w", path, err)
		}
		c.ScheduleInterval = d
	}
	if len(fc.Schedule.Times) > 0 && !envSet("SCHEDULE_TIMES") {
		c.ScheduleTimes = fc.Schedule.Times
	}
	if fc.Schedule.RunOnStart != nil && !envSet("RUN_ON_START") {
		c.RunOnStart = *fc.Schedule.RunOnStart
	}
	if fc.Source.CSVPath != "" && !envSet("SOURCE_CSV_PATH") {
		c.SourceCSVPath = fc.Source.CSVPath
	}
	return nil
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

// Validate checks the settings every binary needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OAuthClientID) == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}
	return nil
}

// IsDevelopment returns true when running in the development environment.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// ObjectStoreEnabled returns true if S3-compatible storage is configured.
func (c *Config) ObjectStoreEnabled() bool {
	return c.S3Endpoint != ""
}

// OAuth returns the token client settings.
func (c *Config) OAuth() oauth.Config {
	return oauth.Config{
		ClientID:     c.OAuthClientID,
		ClientSecret: c.OAuthClientSecret,
		RedirectURI:  c.OAuthRedirectURI,
		Scopes:       c.OAuthScopes,
		AuthorizeURL: c.OAuthAuthorizeURL,
		TokenURL:     c.OAuthTokenURL,
		UserID:       c.OAuthUserID,
	}
}

// Twitter returns the API client settings.
func (c *Config) Twitter() twitter.Config {
	return twitter.Config{
		UploadURL: c.MediaUploadURL,
		PostURL:   c.PostURL,
		UserID:    c.OAuthUserID,
		Media: twitter.MediaConfig{
			ChunkSize:    c.MediaChunkBytes,
			MaxFileBytes: c.MediaMaxFileBytes,
			MaxWaitTime:  c.MediaMaxWait,
			PollInterval: c.MediaPollInterval,
		},
		Retry:     c.RetryPolicy(),
		PostRetry: c.PostRetryPolicy(),
	}
}

// RetryPolicy returns the shared policy for idempotent requests.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		Multiplier:  c.RetryMultiplier,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// PostRetryPolicy returns the tighter policy for post creation.
func (c *Config) PostRetryPolicy() retry.Config {
	p := c.RetryPolicy()
	p.MaxAttempts = c.PostRetryMaxAttempts
	return p
}

// Schedule returns the scheduler settings.
func (c *Config) Schedule() scheduler.Config {
	return scheduler.Config{
		Interval:   c.ScheduleInterval,
		Times:      c.ScheduleTimes,
		RunOnStart: c.RunOnStart,
	}
}

// Poster returns the posting run settings.
func (c *Config) Poster() poster.Config {
	return poster.Config{
		MaxPostLength: c.MaxPostLength,
		MaxFileBytes:  c.MediaMaxFileBytes,
	}
}

// ObjectStore returns the S3-compatible storage settings.
func (c *Config) ObjectStore() objectstore.Config {
	return objectstore.Config{
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		Bucket:    c.S3Bucket,
		Prefix:    c.S3Prefix,
		UseSSL:    c.S3UseSSL,
	}
}
