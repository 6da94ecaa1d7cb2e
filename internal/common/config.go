package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production" - controls test URL validation and the local inference fallback
	Server      ServerConfig    `toml:"server"`
	Bus         BusConfig       `toml:"bus"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Sources     SourcesConfig   `toml:"sources"`
	Collect     CollectConfig   `toml:"collect"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Inference   InferenceConfig `toml:"inference"`
	Matching    MatchingConfig  `toml:"matching"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BusConfig controls the durable topic bus. All consumers share these
// redelivery settings.
type BusConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "250ms" - how often subscriptions poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	BackoffBase       string `toml:"backoff_base"`       // e.g., "2s" - initial retry delay after a handler error
	BackoffCap        string `toml:"backoff_cap"`        // e.g., "2m" - upper bound on the retry delay
	Name              string `toml:"name"`               // Key prefix in Badger
}

type StorageConfig struct {
	Type       string           `toml:"type"` // Only "badger" is supported
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// FilesystemConfig holds the directories downloaded media lands in.
type FilesystemConfig struct {
	Images string `toml:"images"` // product images
	Frames string `toml:"frames"` // video keyframes
	Masks  string `toml:"masks"`  // segmentation masks
}

type LoggingConfig struct {
	Level          string   `toml:"level"`            // "debug", "info", "warn", "error"
	Format         string   `toml:"format"`           // "json" or "text"
	Output         []string `toml:"output"`           // "stdout", "file"
	TimeFormat     string   `toml:"time_format"`      // Time format for logs (default: "15:04:05.000")
	MinStreamLevel string   `toml:"min_stream_level"` // Minimum level forwarded to WebSocket clients
}

// SourcesConfig points at the directory of YAML source definitions.
type SourcesConfig struct {
	Dir string `toml:"dir"` // Directory containing source definition files (YAML)
}

// CollectConfig groups the two collector front-ends.
type CollectConfig struct {
	Products ProductCollectConfig `toml:"products"`
	Videos   VideoCollectConfig   `toml:"videos"`
}

// ProductCollectConfig controls the catalog scraper.
type ProductCollectConfig struct {
	UserAgent      string  `toml:"user_agent"`
	RequestTimeout string  `toml:"request_timeout"` // e.g., "30s"
	RatePerSecond  float64 `toml:"rate_per_second"` // request budget per host
	Burst          int     `toml:"burst"`
	MaxBodySize    int     `toml:"max_body_size"` // Maximum response body size in bytes
}

// VideoCollectConfig controls the video platform API client.
type VideoCollectConfig struct {
	APIBaseURL     string  `toml:"api_base_url"`
	TokenURL       string  `toml:"token_url"` // OAuth2 client-credentials token endpoint
	ClientID       string  `toml:"client_id"`
	ClientSecret   string  `toml:"client_secret"`
	RequestTimeout string  `toml:"request_timeout"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	Burst          int     `toml:"burst"`
}

// PipelineConfig holds the per-stage knobs shared by the extraction
// services: watermark deadlines and worker counts.
type PipelineConfig struct {
	SegmentationTTL string `toml:"segmentation_ttl"` // watermark deadline, e.g., "300s"
	EmbeddingsTTL   string `toml:"embeddings_ttl"`   // e.g., "600s"
	KeypointsTTL    string `toml:"keypoints_ttl"`    // e.g., "900s"
	Workers         int    `toml:"workers"`          // feature-extraction workers per stage service
}

// WatermarkTTL returns the configured deadline for a stage name, falling
// back to the stage defaults when unset or unparsable.
func (p PipelineConfig) WatermarkTTL(stage string) time.Duration {
	switch stage {
	case "segmentation":
		return ParseDurationOr(p.SegmentationTTL, 300*time.Second)
	case "embeddings":
		return ParseDurationOr(p.EmbeddingsTTL, 600*time.Second)
	case "keypoints":
		return ParseDurationOr(p.KeypointsTTL, 900*time.Second)
	default:
		return 600 * time.Second
	}
}

// InferenceConfig selects and configures the feature-extraction backend.
type InferenceConfig struct {
	Provider       string  `toml:"provider"` // "remote" or "local"
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	RequestTimeout string  `toml:"request_timeout"` // e.g., "2m"
	RatePerSecond  float64 `toml:"rate_per_second"` // request budget against the model server
	Burst          int     `toml:"burst"`
	EmbeddingDim   int     `toml:"embedding_dim"`
	MaxKeypoints   int     `toml:"max_keypoints"`
}

// MatchingConfig tunes the matcher.
type MatchingConfig struct {
	EmbeddingThreshold float64 `toml:"embedding_threshold"` // cosine similarity gate, 0..1
	MaxHammingDistance int     `toml:"max_hamming_distance"`
	MinFrameHits       int     `toml:"min_frame_hits"` // keyframes above threshold before a match is reported
	TopK               int     `toml:"top_k"`          // video candidates kept per product
	Workers            int     `toml:"workers"`
}

// WebSocketConfig contains configuration for the progress stream.
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast ("debug", "info", "warn", "error")
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns to exclude from broadcasting
	SendBuffer      int      `toml:"send_buffer"`      // Per-client outbound message buffer
}

// SchedulerConfig holds cron expressions for background maintenance.
type SchedulerConfig struct {
	DeadLetterSweep string `toml:"dead_letter_sweep"` // e.g., "@hourly"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in specto.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode - allows test URLs and the local extractor
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Bus: BusConfig{
			PollInterval:      "250ms",
			VisibilityTimeout: "5m",
			MaxReceive:        5,
			BackoffBase:       "2s",
			BackoffCap:        "2m",
			Name:              "specto_bus",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Filesystem: FilesystemConfig{
				Images: "./data/images",
				Frames: "./data/frames",
				Masks:  "./data/masks",
			},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         []string{"stdout", "file"},
			MinStreamLevel: "info",
		},
		Sources: SourcesConfig{
			Dir: "./sources",
		},
		Collect: CollectConfig{
			Products: ProductCollectConfig{
				UserAgent:      "specto/1.0 (+https://github.com/ternarybob/specto)",
				RequestTimeout: "30s",
				RatePerSecond:  2,
				Burst:          4,
				MaxBodySize:    10 * 1024 * 1024, // 10MB
			},
			Videos: VideoCollectConfig{
				RequestTimeout: "30s",
				RatePerSecond:  5,
				Burst:          5,
			},
		},
		Pipeline: PipelineConfig{
			SegmentationTTL: "300s",
			EmbeddingsTTL:   "600s",
			KeypointsTTL:    "900s",
			Workers:         4,
		},
		Inference: InferenceConfig{
			Provider:       "local", // Deterministic in-process extractor; set "remote" for a real model server
			RequestTimeout: "2m",
			RatePerSecond:  8,
			Burst:          8,
			EmbeddingDim:   128,
			MaxKeypoints:   64,
		},
		Matching: MatchingConfig{
			EmbeddingThreshold: 0.82,
			MaxHammingDistance: 64,
			MinFrameHits:       2,
			TopK:               5,
			Workers:            4,
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
			SendBuffer: 64,
		},
		Scheduler: SchedulerConfig{
			DeadLetterSweep: "@hourly",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files, later files
// overriding earlier ones. Priority: CLI flags > environment variables >
// last config file > ... > first config file > defaults.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SPECTO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("SPECTO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SPECTO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Bus configuration
	if pollInterval := os.Getenv("SPECTO_BUS_POLL_INTERVAL"); pollInterval != "" {
		config.Bus.PollInterval = pollInterval
	}
	if visibilityTimeout := os.Getenv("SPECTO_BUS_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Bus.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("SPECTO_BUS_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Bus.MaxReceive = mr
		}
	}
	if name := os.Getenv("SPECTO_BUS_NAME"); name != "" {
		config.Bus.Name = name
	}

	// Storage configuration
	if badgerPath := os.Getenv("SPECTO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("SPECTO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("SPECTO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("SPECTO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Sources configuration
	if dir := os.Getenv("SPECTO_SOURCES_DIR"); dir != "" {
		config.Sources.Dir = dir
	}

	// Inference configuration
	if provider := os.Getenv("SPECTO_INFERENCE_PROVIDER"); provider != "" {
		config.Inference.Provider = provider
	}
	if baseURL := os.Getenv("SPECTO_INFERENCE_BASE_URL"); baseURL != "" {
		config.Inference.BaseURL = baseURL
	}
	if apiKey := os.Getenv("SPECTO_INFERENCE_API_KEY"); apiKey != "" {
		config.Inference.APIKey = apiKey
	}

	// Video platform credentials
	if baseURL := os.Getenv("SPECTO_VIDEOS_API_BASE_URL"); baseURL != "" {
		config.Collect.Videos.APIBaseURL = baseURL
	}
	if tokenURL := os.Getenv("SPECTO_VIDEOS_TOKEN_URL"); tokenURL != "" {
		config.Collect.Videos.TokenURL = tokenURL
	}
	if clientID := os.Getenv("SPECTO_VIDEOS_CLIENT_ID"); clientID != "" {
		config.Collect.Videos.ClientID = clientID
	}
	if clientSecret := os.Getenv("SPECTO_VIDEOS_CLIENT_SECRET"); clientSecret != "" {
		config.Collect.Videos.ClientSecret = clientSecret
	}

	// Pipeline configuration
	if workers := os.Getenv("SPECTO_PIPELINE_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Pipeline.Workers = w
		}
	}

	// Matching configuration
	if threshold := os.Getenv("SPECTO_MATCHING_EMBEDDING_THRESHOLD"); threshold != "" {
		if t, err := strconv.ParseFloat(threshold, 64); err == nil {
			config.Matching.EmbeddingThreshold = t
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDurationOr parses a duration string, returning the fallback when
// the string is empty or invalid.
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ValidateSchedule validates a cron schedule expression and ensures a
// minimum 5-minute interval so a misconfigured source cannot hammer its
// upstream.
func ValidateSchedule(schedule string) error {
	if strings.HasPrefix(schedule, "@") {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if test URLs (localhost, 127.0.0.1, etc.)
// are allowed. Test URLs are only allowed in development mode.
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}
