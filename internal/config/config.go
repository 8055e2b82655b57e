package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the wayfarer voice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	AgentURL         string
	AgentAPIKey      string
	AgentListenModel string
	AgentThinkType   string
	AgentThinkModel  string
	AgentSpeakModel  string
	AgentPrompt      string
	AgentOutputRate  int

	AgentConnectTimeout time.Duration
	AgentMaxAttempts    int
	AgentBackoffBase    time.Duration
	AgentBackoffCap     time.Duration

	ChunkInterval   time.Duration
	ProcessingGrace time.Duration

	GeocoderURL    string
	GeocoderToken  string
	GeocoderLimit  int
	GeocodeTimeout time.Duration

	DatabaseURL string

	NATSURL           string
	NATSSubjectPrefix string
}

const defaultAgentPrompt = "You help a driver pick a navigation destination. " +
	"Ask where they want to go, and once they clearly name a place call start_navigation " +
	"with the destination exactly as spoken. Keep replies short."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "wayfarer"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		AllowAnyOrigin:   false,

		AgentURL:         envOrDefault("VOICE_AGENT_URL", "wss://agent.deepgram.com/v1/agent/converse"),
		AgentAPIKey:      envTrimmed("VOICE_AGENT_API_KEY"),
		AgentListenModel: envOrDefault("VOICE_AGENT_LISTEN_MODEL", "nova-3"),
		AgentThinkType:   envOrDefault("VOICE_AGENT_THINK_PROVIDER", "open_ai"),
		AgentThinkModel:  envOrDefault("VOICE_AGENT_THINK_MODEL", "gpt-4o-mini"),
		AgentSpeakModel:  envOrDefault("VOICE_AGENT_SPEAK_MODEL", "aura-2-thalia-en"),
		AgentPrompt:      envOrDefault("VOICE_AGENT_PROMPT", defaultAgentPrompt),
		AgentOutputRate:  24000,

		AgentConnectTimeout: 10 * time.Second,
		AgentMaxAttempts:    3,
		AgentBackoffBase:    time.Second,
		AgentBackoffCap:     4 * time.Second,

		ChunkInterval:   150 * time.Millisecond,
		ProcessingGrace: 4 * time.Second,

		GeocoderURL:    envOrDefault("GEOCODER_URL", "https://api.mapbox.com/geocoding/v5/mapbox.places"),
		GeocoderToken:  envTrimmed("GEOCODER_TOKEN"),
		GeocoderLimit:  5,
		GeocodeTimeout: 2 * time.Second,

		DatabaseURL: envTrimmed("DATABASE_URL"),

		NATSURL:           envTrimmed("NATS_URL"),
		NATSSubjectPrefix: envOrDefault("NATS_SUBJECT_PREFIX", "wayfarer.session"),

		ShutdownTimeout: 15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentOutputRate, err = intFromEnv("VOICE_AGENT_OUTPUT_SAMPLE_RATE", cfg.AgentOutputRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentConnectTimeout, err = durationFromEnv("VOICE_AGENT_CONNECT_TIMEOUT", cfg.AgentConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentMaxAttempts, err = intFromEnv("VOICE_AGENT_MAX_ATTEMPTS", cfg.AgentMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentBackoffBase, err = durationFromEnv("VOICE_AGENT_BACKOFF_BASE", cfg.AgentBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentBackoffCap, err = durationFromEnv("VOICE_AGENT_BACKOFF_CAP", cfg.AgentBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkInterval, err = durationFromEnv("APP_AUDIO_CHUNK_INTERVAL", cfg.ChunkInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ProcessingGrace, err = durationFromEnv("APP_PROCESSING_GRACE", cfg.ProcessingGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.GeocoderLimit, err = intFromEnv("GEOCODER_LIMIT", cfg.GeocoderLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.GeocodeTimeout, err = durationFromEnv("GEOCODER_TIMEOUT", cfg.GeocodeTimeout)
	if err != nil {
		return Config{}, err
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if cfg.AgentMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_MAX_ATTEMPTS must be positive")
	}
	if cfg.AgentBackoffCap < cfg.AgentBackoffBase {
		return Config{}, fmt.Errorf("VOICE_AGENT_BACKOFF_CAP must be >= VOICE_AGENT_BACKOFF_BASE")
	}
	if cfg.ChunkInterval < 20*time.Millisecond || cfg.ChunkInterval > time.Second {
		return Config{}, fmt.Errorf("APP_AUDIO_CHUNK_INTERVAL must be between 20ms and 1s")
	}
	if cfg.ProcessingGrace <= 0 {
		return Config{}, fmt.Errorf("APP_PROCESSING_GRACE must be positive")
	}
	if cfg.AgentOutputRate <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_OUTPUT_SAMPLE_RATE must be positive")
	}
	if cfg.GeocoderLimit <= 0 {
		return Config{}, fmt.Errorf("GEOCODER_LIMIT must be positive")
	}

	return cfg, nil
}

// GeocodingEnabled reports whether destinations should be resolved to map
// candidates.
func (c Config) GeocodingEnabled() bool {
	return c.GeocoderToken != ""
}

func envOrDefault(key, fallback string) string {
	v := envTrimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
