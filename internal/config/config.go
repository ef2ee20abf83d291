// Package config loads and validates the process environment per §6.4.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"go.uber.org/zap"
)

// Config holds validated environment configuration for the broker process.
type Config struct {
	Port string

	// Upstream speech services (§6.2, §6.3).
	VoiceAgentURL      string
	TranscriptionURL   string
	VoiceAgentAPIKey   string
	TranscriptionAPIKey string

	// Agent settings defaults (§6.2 Settings object).
	STTModel       string
	TTSModel       string
	LLMModel       string
	CoachingPrompt string
	Greeting       string

	KeepAliveInterval     time.Duration
	FunctionCallTimeout   time.Duration
	OutboundBufferMaxBytes int
	ReconnectGrace        time.Duration

	// Ambient.
	GoEnv          string
	LogLevel       string
	AllowedOrigins string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	AdmissionJWKSDomain   string
	AdmissionJWTAudience  string
	SkipAdmissionTokenCheck bool

	RateLimitWsIP   string
	RateLimitWsUser string

	OTelCollectorAddr string
}

// ValidateEnv reads the process environment, applies §6.4's defaults, and
// returns an error describing every missing or malformed required field at
// once rather than failing on the first one found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.VoiceAgentURL = os.Getenv("VOICE_AGENT_URL")
	if cfg.VoiceAgentURL == "" {
		errs = append(errs, "VOICE_AGENT_URL is required")
	} else if !isWebSocketURL(cfg.VoiceAgentURL) {
		errs = append(errs, fmt.Sprintf("VOICE_AGENT_URL must be a ws:// or wss:// URL (got %q)", cfg.VoiceAgentURL))
	}

	cfg.TranscriptionURL = os.Getenv("TRANSCRIPTION_URL")
	if cfg.TranscriptionURL == "" {
		errs = append(errs, "TRANSCRIPTION_URL is required")
	} else if !isWebSocketURL(cfg.TranscriptionURL) {
		errs = append(errs, fmt.Sprintf("TRANSCRIPTION_URL must be a ws:// or wss:// URL (got %q)", cfg.TranscriptionURL))
	}

	cfg.VoiceAgentAPIKey = os.Getenv("VOICE_AGENT_API_KEY")
	if cfg.VoiceAgentAPIKey == "" {
		errs = append(errs, "VOICE_AGENT_API_KEY is required")
	}

	cfg.TranscriptionAPIKey = os.Getenv("TRANSCRIPTION_API_KEY")
	if cfg.TranscriptionAPIKey == "" {
		errs = append(errs, "TRANSCRIPTION_API_KEY is required")
	}

	cfg.STTModel = getEnvOrDefault("STT_MODEL", "nova-3-medical")
	cfg.TTSModel = getEnvOrDefault("TTS_MODEL", "aura-2-thalia-en")
	cfg.LLMModel = getEnvOrDefault("LLM_MODEL", "gpt-4o-mini")
	cfg.CoachingPrompt = os.Getenv("COACHING_PROMPT")
	cfg.Greeting = os.Getenv("GREETING")

	keepAliveMs, err := parsePositiveIntDefault("KEEPALIVE_INTERVAL_MS", 4000)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.KeepAliveInterval = time.Duration(keepAliveMs) * time.Millisecond
	if cfg.KeepAliveInterval > 8*time.Second {
		errs = append(errs, fmt.Sprintf("KEEPALIVE_INTERVAL_MS must not exceed the 8000ms upstream bound (got %dms)", keepAliveMs))
	}

	fcTimeoutMs, err := parsePositiveIntDefault("FUNCTION_CALL_TIMEOUT_MS", 10000)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.FunctionCallTimeout = time.Duration(fcTimeoutMs) * time.Millisecond

	bufMax, err := parsePositiveIntDefault("OUTBOUND_BUFFER_MAX_BYTES", 65536)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.OutboundBufferMaxBytes = bufMax

	graceMs, err := parsePositiveIntDefault("PARTICIPANT_RECONNECT_GRACE_MS", 30000)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.ReconnectGrace = time.Duration(graceMs) * time.Millisecond

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.AdmissionJWKSDomain = os.Getenv("ADMISSION_JWKS_DOMAIN")
	cfg.AdmissionJWTAudience = os.Getenv("ADMISSION_JWT_AUDIENCE")
	cfg.SkipAdmissionTokenCheck = os.Getenv("SKIP_ADMISSION_TOKEN_CHECK") == "true"
	if !cfg.SkipAdmissionTokenCheck && cfg.AdmissionJWKSDomain == "" {
		errs = append(errs, "ADMISSION_JWKS_DOMAIN is required unless SKIP_ADMISSION_TOKEN_CHECK=true")
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isWebSocketURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port > 0 && port <= 65535
}

func parsePositiveIntDefault(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer (got %q)", key, raw)
	}
	return v, nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("port", cfg.Port),
		zap.String("voice_agent_url", cfg.VoiceAgentURL),
		zap.String("transcription_url", cfg.TranscriptionURL),
		zap.String("voice_agent_api_key", RedactSecret(cfg.VoiceAgentAPIKey)),
		zap.String("transcription_api_key", RedactSecret(cfg.TranscriptionAPIKey)),
		zap.String("stt_model", cfg.STTModel),
		zap.String("tts_model", cfg.TTSModel),
		zap.String("llm_model", cfg.LLMModel),
		zap.Duration("keepalive_interval", cfg.KeepAliveInterval),
		zap.Duration("function_call_timeout", cfg.FunctionCallTimeout),
		zap.Int("outbound_buffer_max_bytes", cfg.OutboundBufferMaxBytes),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("go_env", cfg.GoEnv),
	)
}

// RedactSecret shows only a short prefix of a secret value, for logging.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
