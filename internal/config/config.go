// Package config loads the server configuration from environment variables,
// with an optional YAML overlay for list-valued options. The resulting Config
// is read-only after startup and passed explicitly to every constructor.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every recognized option of the streaming core.
type Config struct {
	Port    string
	GinMode string

	// BaseURL is the public origin used when constructing download and
	// stream URLs. Required.
	BaseURL string

	// LinkExpirySeconds disables link expiry when 0.
	LinkExpirySeconds int64
	// BandwidthLimitBytes disables the monthly ceiling when 0.
	BandwidthLimitBytes int64
	// MaxStreamsPerIdentity caps concurrent streams dispatched to one bot identity.
	MaxStreamsPerIdentity int
	// ChunkSize is the upstream read unit. Must be a power of two.
	ChunkSize int64

	StaleStreamMaxAgeSeconds      int64
	StreamCleanupIntervalSeconds  int64
	LocatorCacheMaxEntries        int
	BandwidthFlushIntervalSeconds int

	// Platform selects the upstream adapter. "local" serves files from
	// LocalFilesDir and is meant for development and integration tests;
	// production deployments link their platform adapter here.
	Platform string
	// LocalFilesDir backs the local platform adapter.
	LocalFilesDir string

	// PrimaryBotToken authenticates the primary identity.
	PrimaryBotToken string
	// AdditionalBotTokens authenticate extra identities used for streaming.
	AdditionalBotTokens []string

	// ShortenThresholdBytes is the file size above which public URLs are
	// passed through the external shortener. 0 disables the hook.
	ShortenThresholdBytes int64
	// ShortenerAPIURL is the shortener endpoint with the api key in its query.
	ShortenerAPIURL string

	CORSAllowedOrigins []string

	RateLimitMaxRequests   int
	RateLimitWindowSeconds int

	// FirestoreProjectID enables ledger persistence when set.
	FirestoreProjectID string

	VideoFrontendURL string

	LogLevel  string
	LogFormat string

	ServerShutdownTimeoutSeconds int
}

// fileOverlay is the shape of the optional YAML config file. Lists are easier
// to maintain in a file than in environment variables.
type fileOverlay struct {
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`
	AdditionalBotTokens []string `yaml:"additional_bot_tokens"`
}

// Load reads the environment (and .env, when present) into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		BaseURL: strings.TrimRight(getEnvOrDefault("BASE_URL", ""), "/"),

		LinkExpirySeconds:     getEnvAsInt64("LINK_EXPIRY_SECONDS", 0),
		BandwidthLimitBytes:   getEnvAsInt64("BANDWIDTH_LIMIT_BYTES", 0),
		MaxStreamsPerIdentity: getEnvAsInt("MAX_STREAMS_PER_IDENTITY", 8),
		ChunkSize:             getEnvAsInt64("CHUNK_SIZE", 1024*1024),

		StaleStreamMaxAgeSeconds:      getEnvAsInt64("STALE_STREAM_MAX_AGE_SECONDS", 14400),
		StreamCleanupIntervalSeconds:  getEnvAsInt64("STREAM_CLEANUP_INTERVAL_SECONDS", 600),
		LocatorCacheMaxEntries:        getEnvAsInt("LOCATOR_CACHE_MAX_ENTRIES", 1000),
		BandwidthFlushIntervalSeconds: getEnvAsInt("BANDWIDTH_FLUSH_INTERVAL_SECONDS", 30),

		Platform:      getEnvOrDefault("PLATFORM", "local"),
		LocalFilesDir: getEnvOrDefault("LOCAL_FILES_DIR", "./data"),

		PrimaryBotToken:     getEnvOrDefault("BOT_TOKEN", ""),
		AdditionalBotTokens: splitList(getEnvOrDefault("ADDITIONAL_BOT_TOKENS", "")),

		ShortenThresholdBytes: getEnvAsInt64("SHORTEN_THRESHOLD_BYTES", 0),
		ShortenerAPIURL:       getEnvOrDefault("SHORTENER_API_URL", ""),

		CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "")),

		RateLimitMaxRequests:   getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 15),
		RateLimitWindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 600),

		FirestoreProjectID: getEnvOrDefault("FIRESTORE_PROJECT_ID", ""),

		VideoFrontendURL: getEnvOrDefault("VIDEO_FRONTEND_URL", ""),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	if path := os.Getenv("FILEBEAM_CONFIG_FILE"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BASE_URL must start with http:// or https://")
	}
	if c.ChunkSize <= 0 || c.ChunkSize&(c.ChunkSize-1) != 0 {
		return fmt.Errorf("CHUNK_SIZE must be a positive power of two, got %d", c.ChunkSize)
	}
	if c.MaxStreamsPerIdentity <= 0 {
		return fmt.Errorf("MAX_STREAMS_PER_IDENTITY must be positive, got %d", c.MaxStreamsPerIdentity)
	}
	if c.LocatorCacheMaxEntries <= 0 {
		return fmt.Errorf("LOCATOR_CACHE_MAX_ENTRIES must be positive, got %d", c.LocatorCacheMaxEntries)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
