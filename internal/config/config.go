package config

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Extractor ExtractorConfig
	Blob      BlobConfig
	Surreal   SurrealConfig
	Telegram  TelegramConfig
	Log       LogConfig
	Defaults  Defaults
}

type ExtractorConfig struct {
	URL     string        // base URL of the face extraction service
	Timeout time.Duration // per-call timeout; silence beyond this fails the call
}

type BlobConfig struct {
	Endpoint  string // S3-compatible endpoint (R2, MinIO, AWS)
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type SurrealConfig struct {
	URL       string // ws:// or wss:// endpoint
	Namespace string
	Database  string
	Username  string
	Password  string
}

type TelegramConfig struct {
	Token  string
	APIURL string // defaults to https://api.telegram.org
}

type LogConfig struct {
	Level string // debug, info, warn, error
	File  string // optional JSON log file
}

// Defaults holds tunables shipped with the binary. Environment variables
// override the matching and scheduler values where it makes sense.
type Defaults struct {
	Matching struct {
		Threshold   float64 `yaml:"threshold"`
		GenderMatch bool    `yaml:"gender_match"`
		TopN        int     `yaml:"top_n"`
	} `yaml:"matching"`
	Scheduler struct {
		Concurrency           int     `yaml:"concurrency"`
		MaxAttempts           int     `yaml:"max_attempts"`
		InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds"`
		MaxBackoffSeconds     float64 `yaml:"max_backoff_seconds"`
	} `yaml:"scheduler"`
	Delivery struct {
		BatchSize            int     `yaml:"batch_size"`
		BatchIntervalSeconds float64 `yaml:"batch_interval_seconds"`
	} `yaml:"delivery"`
	Waits struct {
		ExtractTimeoutSeconds int     `yaml:"extract_timeout_seconds"`
		TerminalWaitSeconds   int     `yaml:"terminal_wait_seconds"`
		PollIntervalSeconds   float64 `yaml:"poll_interval_seconds"`
	} `yaml:"waits"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float in (0, 1].
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f <= 1 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var defaults Defaults
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		// Embedded file, cannot fail at runtime unless the build is broken.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	defaults.Matching.Threshold = envFloat("MATCH_THRESHOLD", defaults.Matching.Threshold)
	defaults.Scheduler.Concurrency = envInt("SCHEDULER_CONCURRENCY", defaults.Scheduler.Concurrency)
	defaults.Scheduler.MaxAttempts = envInt("SCHEDULER_MAX_ATTEMPTS", defaults.Scheduler.MaxAttempts)

	return &Config{
		Extractor: ExtractorConfig{
			URL:     os.Getenv("EXTRACTOR_URL"),
			Timeout: time.Duration(envInt("EXTRACTOR_TIMEOUT_SECONDS", defaults.Waits.ExtractTimeoutSeconds)) * time.Second,
		},
		Blob: BlobConfig{
			Endpoint:  os.Getenv("BLOB_ENDPOINT"),
			AccessKey: os.Getenv("BLOB_ACCESS_KEY"),
			SecretKey: os.Getenv("BLOB_SECRET_KEY"),
			Bucket:    os.Getenv("BLOB_BUCKET"),
			Region:    envString("BLOB_REGION", "auto"),
			UseSSL:    os.Getenv("BLOB_USE_SSL") != "false",
		},
		Surreal: SurrealConfig{
			URL:       os.Getenv("SURREAL_URL"),
			Namespace: envString("SURREAL_NAMESPACE", "facelens"),
			Database:  envString("SURREAL_DATABASE", "facelens"),
			Username:  os.Getenv("SURREAL_USERNAME"),
			Password:  os.Getenv("SURREAL_PASSWORD"),
		},
		Telegram: TelegramConfig{
			Token:  os.Getenv("TELEGRAM_BOT_TOKEN"),
			APIURL: envString("TELEGRAM_API_URL", "https://api.telegram.org"),
		},
		Log: LogConfig{
			Level: envString("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
		Defaults: defaults,
	}
}
