// Package config provides configuration management for the pipeline service.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort        = 8790
	DefaultLogLevel    = "info"
	DefaultDataDir     = ".podkiya"
	DefaultWorkers     = 4
	DefaultMaxUploadMB = 50

	// Environment variable names
	EnvPort      = "PIPELINE_PORT"
	EnvLogLevel  = "PIPELINE_LOG_LEVEL"
	EnvDataDir   = "PIPELINE_DATA_DIR"
	EnvAuthToken = "PIPELINE_AUTH_TOKEN"
	EnvWorkers   = "PIPELINE_WORKERS"

	EnvS3Endpoint  = "S3_ENDPOINT"
	EnvS3AccessKey = "S3_ACCESS_KEY_ID"
	EnvS3SecretKey = "S3_SECRET_ACCESS_KEY"
	EnvS3Bucket    = "S3_BUCKET"
	EnvS3PublicURL = "S3_PUBLIC_URL"
	EnvS3UseSSL    = "S3_USE_SSL"

	EnvMeiliHost   = "MEILI_HOST"
	EnvMeiliAPIKey = "MEILI_API_KEY"
	EnvMeiliIndex  = "MEILI_INDEX_NAME"

	EnvOpenAIKey = "OPENAI_API_KEY"

	// Database filename
	DBFilename = "pipeline.db"

	// Default external-call timeouts, in seconds
	DefaultTranscodeTimeout  = 120
	DefaultTranscribeTimeout = 300
	DefaultStorageTimeout    = 60
	DefaultSearchTimeout     = 30

	// Bounded retry attempts for transient step failures
	DefaultStepAttempts = 3

	DefaultMeiliIndex = "clips"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	AuthToken() string
	Workers() int
	MaxUploadBytes() int64

	S3Endpoint() string
	S3AccessKey() string
	S3SecretKey() string
	S3Bucket() string
	S3PublicURL() string
	S3UseSSL() bool

	MeiliHost() string
	MeiliAPIKey() string
	MeiliIndex() string

	OpenAIKey() string

	TranscodeTimeout() time.Duration
	TranscribeTimeout() time.Duration
	StorageTimeout() time.Duration
	SearchTimeout() time.Duration
	StepAttempts() int
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port        int
	logLevel    string
	dataDir     string
	authToken   string
	workers     int
	maxUploadMB int

	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	s3Bucket    string
	s3PublicURL string
	s3UseSSL    bool

	meiliHost   string
	meiliAPIKey string
	meiliIndex  string

	openAIKey string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:        DefaultPort,
		logLevel:    DefaultLogLevel,
		dataDir:     defaultDataDir(),
		workers:     DefaultWorkers,
		maxUploadMB: DefaultMaxUploadMB,
		meiliIndex:  DefaultMeiliIndex,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if w := os.Getenv(EnvWorkers); w != "" {
		workers, err := strconv.Atoi(w)
		if err != nil || workers < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvWorkers)
		}
		cfg.workers = workers
	}

	cfg.authToken = os.Getenv(EnvAuthToken)

	cfg.s3Endpoint = os.Getenv(EnvS3Endpoint)
	cfg.s3AccessKey = os.Getenv(EnvS3AccessKey)
	cfg.s3SecretKey = os.Getenv(EnvS3SecretKey)
	cfg.s3Bucket = os.Getenv(EnvS3Bucket)
	cfg.s3PublicURL = os.Getenv(EnvS3PublicURL)
	cfg.s3UseSSL = os.Getenv(EnvS3UseSSL) != "false"

	cfg.meiliHost = os.Getenv(EnvMeiliHost)
	cfg.meiliAPIKey = os.Getenv(EnvMeiliAPIKey)
	if idx := os.Getenv(EnvMeiliIndex); idx != "" {
		cfg.meiliIndex = idx
	}

	cfg.openAIKey = os.Getenv(EnvOpenAIKey)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// AuthToken returns the bearer token required by the trigger API.
// Empty means auth is disabled (local development only).
func (c *EnvConfig) AuthToken() string {
	return c.authToken
}

func (c *EnvConfig) Workers() int {
	return c.workers
}

func (c *EnvConfig) MaxUploadBytes() int64 {
	return int64(c.maxUploadMB) * 1024 * 1024
}

func (c *EnvConfig) S3Endpoint() string  { return c.s3Endpoint }
func (c *EnvConfig) S3AccessKey() string { return c.s3AccessKey }
func (c *EnvConfig) S3SecretKey() string { return c.s3SecretKey }
func (c *EnvConfig) S3Bucket() string    { return c.s3Bucket }
func (c *EnvConfig) S3PublicURL() string { return c.s3PublicURL }
func (c *EnvConfig) S3UseSSL() bool      { return c.s3UseSSL }

func (c *EnvConfig) MeiliHost() string   { return c.meiliHost }
func (c *EnvConfig) MeiliAPIKey() string { return c.meiliAPIKey }
func (c *EnvConfig) MeiliIndex() string  { return c.meiliIndex }

func (c *EnvConfig) OpenAIKey() string { return c.openAIKey }

func (c *EnvConfig) TranscodeTimeout() time.Duration {
	return time.Duration(DefaultTranscodeTimeout) * time.Second
}

func (c *EnvConfig) TranscribeTimeout() time.Duration {
	return time.Duration(DefaultTranscribeTimeout) * time.Second
}

func (c *EnvConfig) StorageTimeout() time.Duration {
	return time.Duration(DefaultStorageTimeout) * time.Second
}

func (c *EnvConfig) SearchTimeout() time.Duration {
	return time.Duration(DefaultSearchTimeout) * time.Second
}

func (c *EnvConfig) StepAttempts() int {
	return DefaultStepAttempts
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
