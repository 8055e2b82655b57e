package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.AgentMaxAttempts != 3 || cfg.AgentBackoffBase != time.Second {
		t.Fatalf("retry = %d/%v, want 3/1s", cfg.AgentMaxAttempts, cfg.AgentBackoffBase)
	}
	if cfg.ChunkInterval != 150*time.Millisecond {
		t.Fatalf("ChunkInterval = %v, want 150ms", cfg.ChunkInterval)
	}
	if cfg.ProcessingGrace != 4*time.Second {
		t.Fatalf("ProcessingGrace = %v, want 4s", cfg.ProcessingGrace)
	}
	if cfg.AgentAPIKey != "" || cfg.DatabaseURL != "" || cfg.NATSURL != "" {
		t.Fatalf("optional backends should default to empty: %+v", cfg)
	}
	if cfg.GeocodingEnabled() {
		t.Fatalf("GeocodingEnabled() = true without a token")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("VOICE_AGENT_API_KEY", "  secret  ")
	t.Setenv("VOICE_AGENT_MAX_ATTEMPTS", "5")
	t.Setenv("APP_PROCESSING_GRACE", "2500ms")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("GEOCODER_TOKEN", "pk.test")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.AgentAPIKey != "secret" {
		t.Fatalf("AgentAPIKey = %q, want trimmed secret", cfg.AgentAPIKey)
	}
	if cfg.AgentMaxAttempts != 5 {
		t.Fatalf("AgentMaxAttempts = %d, want 5", cfg.AgentMaxAttempts)
	}
	if cfg.ProcessingGrace != 2500*time.Millisecond {
		t.Fatalf("ProcessingGrace = %v, want 2.5s", cfg.ProcessingGrace)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if !cfg.GeocodingEnabled() {
		t.Fatalf("GeocodingEnabled() = false with a token")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"APP_SHUTDOWN_TIMEOUT", "soon"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
		{"VOICE_AGENT_MAX_ATTEMPTS", "0"},
		{"VOICE_AGENT_MAX_ATTEMPTS", "three"},
		{"VOICE_AGENT_BACKOFF_CAP", "10ms"},
		{"APP_AUDIO_CHUNK_INTERVAL", "5ms"},
		{"APP_PROCESSING_GRACE", "-1s"},
		{"GEOCODER_LIMIT", "0"},
		{"LOG_LEVEL", "verbose"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_AUDIO_CHUNK_INTERVAL",
		"APP_PROCESSING_GRACE",
		"LOG_LEVEL",
		"VOICE_AGENT_URL",
		"VOICE_AGENT_API_KEY",
		"VOICE_AGENT_LISTEN_MODEL",
		"VOICE_AGENT_THINK_PROVIDER",
		"VOICE_AGENT_THINK_MODEL",
		"VOICE_AGENT_SPEAK_MODEL",
		"VOICE_AGENT_PROMPT",
		"VOICE_AGENT_OUTPUT_SAMPLE_RATE",
		"VOICE_AGENT_CONNECT_TIMEOUT",
		"VOICE_AGENT_MAX_ATTEMPTS",
		"VOICE_AGENT_BACKOFF_BASE",
		"VOICE_AGENT_BACKOFF_CAP",
		"GEOCODER_URL",
		"GEOCODER_TOKEN",
		"GEOCODER_LIMIT",
		"GEOCODER_TIMEOUT",
		"DATABASE_URL",
		"NATS_URL",
		"NATS_SUBJECT_PREFIX",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
