package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	WhisperModel  string

	TokenizerEncoding string
	ModelCatalogPath  string

	// TTSProvider is azure, elevenlabs or none.
	TTSProvider       string
	TTSRatePerSec     float64
	TTSDriverInterval time.Duration

	AzureAPIKey string
	AzureRegion string

	ElevenLabsAPIKey    string
	ElevenLabsBaseURL   string
	ElevenLabsWSBaseURL string
	ElevenLabsSTTModel  string
	ElevenLabsTTSModel  string

	RecorderIdleTimeout time.Duration

	DatabaseURL string
	StateDBPath string
}

// LoadDotEnv exports the variables of a .env file without overriding the
// environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "yakgpt"),
		AllowAnyOrigin:           false,
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		WhisperModel:             envOrDefault("WHISPER_MODEL", "whisper-1"),
		TokenizerEncoding:        envOrDefault("TOKENIZER_ENCODING", "cl100k_base"),
		ModelCatalogPath:         stringsTrimSpace("MODEL_CATALOG_PATH"),
		TTSProvider:              strings.ToLower(envOrDefault("TTS_PROVIDER", "elevenlabs")),
		TTSRatePerSec:            2,
		TTSDriverInterval:        time.Second,
		AzureAPIKey:              stringsTrimSpace("AZURE_API_KEY"),
		AzureRegion:              envOrDefault("AZURE_REGION", "eastus"),
		ElevenLabsAPIKey:         stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:        envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL:      envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsSTTModel:       envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		ElevenLabsTTSModel:       stringsTrimSpace("ELEVENLABS_TTS_MODEL_ID"),
		RecorderIdleTimeout:      30 * time.Second,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		StateDBPath:              stringsTrimSpace("STATE_DB_PATH"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSDriverInterval, err = durationFromEnv("TTS_DRIVER_INTERVAL", cfg.TTSDriverInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.RecorderIdleTimeout, err = durationFromEnv("RECORDER_IDLE_TIMEOUT", cfg.RecorderIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSRatePerSec, err = floatFromEnv("TTS_RATE_PER_SEC", cfg.TTSRatePerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TTSDriverInterval <= 0 {
		return Config{}, fmt.Errorf("TTS_DRIVER_INTERVAL must be positive")
	}
	if cfg.RecorderIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("RECORDER_IDLE_TIMEOUT must be positive")
	}
	if cfg.TTSRatePerSec < 0 {
		return Config{}, fmt.Errorf("TTS_RATE_PER_SEC must be >= 0")
	}
	switch cfg.TTSProvider {
	case "azure", "elevenlabs", "none":
	default:
		return Config{}, fmt.Errorf("TTS_PROVIDER must be azure, elevenlabs or none, got %q", cfg.TTSProvider)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
