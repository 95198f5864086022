package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	telemetry "lendingledger/observability/otel"
)

const (
	envListen          = "LEND_LISTEN"
	envDataDir         = "LEND_DATA_DIR"
	envLedgerConfig    = "LEND_LEDGER_CONFIG"
	envEnvironment     = "LEND_ENV"
	envLogLevel        = "LEND_LOG_LEVEL"
	envRequestTimeout  = "LEND_REQUEST_TIMEOUT"
	envAPITokens       = "LEND_API_TOKENS"
	envAllowedCNs      = "LEND_ALLOWED_CNS"
	envJWTSecret       = "LEND_JWT_SECRET"
	envAllowInsecure   = "LEND_ALLOW_INSECURE"
	envRateLimitPerMin = "LEND_RATE_PER_MIN"
	envOTLPEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPInsecure    = "OTEL_EXPORTER_OTLP_INSECURE"
	envOTLPHeaders     = "OTEL_EXPORTER_OTLP_HEADERS"
)

func (cfg *Config) applyEnv() {
	cfg.ListenAddress = stringFromEnv(envListen, cfg.ListenAddress)
	cfg.DataDir = stringFromEnv(envDataDir, cfg.DataDir)
	cfg.LedgerConfig = stringFromEnv(envLedgerConfig, cfg.LedgerConfig)
	cfg.Env = stringFromEnv(envEnvironment, cfg.Env)
	cfg.LogLevel = stringFromEnv(envLogLevel, cfg.LogLevel)
	cfg.RequestTimeout = durationFromEnv(envRequestTimeout, cfg.RequestTimeout)
	cfg.TLS.AllowInsecure = boolFromEnv(envAllowInsecure, cfg.TLS.AllowInsecure)
	cfg.RateLimit.RequestsPerMinute = intFromEnv(envRateLimitPerMin, cfg.RateLimit.RequestsPerMinute)
	if tokens := splitAndTrim(os.Getenv(envAPITokens)); len(tokens) > 0 {
		cfg.Auth.APITokens = tokens
	}
	if names := splitAndTrim(os.Getenv(envAllowedCNs)); len(names) > 0 {
		cfg.Auth.MTLS.AllowedCommonNames = names
	}
	cfg.Auth.JWT.HMACSecret = stringFromEnv(envJWTSecret, cfg.Auth.JWT.HMACSecret)
	if endpoint := stringFromEnv(envOTLPEndpoint, ""); endpoint != "" {
		cfg.Telemetry.Endpoint = endpoint
		cfg.Telemetry.Enabled = true
	}
	cfg.Telemetry.Insecure = boolFromEnv(envOTLPInsecure, cfg.Telemetry.Insecure)
	if headers := telemetry.ParseHeaders(os.Getenv(envOTLPHeaders)); len(headers) > 0 {
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = make(map[string]string, len(headers))
		}
		for key, value := range headers {
			cfg.Telemetry.Headers[key] = value
		}
	}
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func splitAndTrim(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimAll(strings.Split(trimmed, ","))
}

func boolFromEnv(key string, fallback bool) bool {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func intFromEnv(key string, fallback int) int {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}
