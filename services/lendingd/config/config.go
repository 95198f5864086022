package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lendingledger/observability/logging"
)

const (
	defaultListen         = ":8446"
	defaultDataDir        = "./lending-data"
	defaultRequestTimeout = 10 * time.Second
	defaultRatePerMinute  = 120
	defaultRateBurst      = 20
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	DataDir        string          `yaml:"data_dir"`
	LedgerConfig   string          `yaml:"ledger_config"`
	Env            string          `yaml:"env"`
	LogLevel       string          `yaml:"log_level"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	TLS            TLSConfig       `yaml:"tls"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Quota          QuotaConfig     `yaml:"quota"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted for mutating requests.
type AuthConfig struct {
	APITokens []string       `yaml:"api_tokens"`
	MTLS      MTLSAuthConfig `yaml:"mtls"`
	JWT       JWTAuthConfig  `yaml:"jwt"`
}

// JWTAuthConfig enables HMAC signed bearer tokens.
type JWTAuthConfig struct {
	HMACSecret    string        `yaml:"hmac_secret"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Scope         string        `yaml:"scope"`
	OperatorScope string        `yaml:"operator_scope"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// RateLimitConfig bounds requests per client IP. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// QuotaConfig caps withdraw and borrow outflows per owner and mint.
type QuotaConfig struct {
	MaxRequests  uint32 `yaml:"max_requests"`
	MaxAmount    uint64 `yaml:"max_amount"`
	EpochSeconds uint32 `yaml:"epoch_seconds"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Default returns the settings used before the file and environment are
// applied.
func Default() Config {
	return Config{
		ListenAddress:  defaultListen,
		DataDir:        defaultDataDir,
		RequestTimeout: defaultRequestTimeout,
		RateLimit:      RateLimitConfig{RequestsPerMinute: defaultRatePerMinute, Burst: defaultRateBurst},
		Telemetry:      TelemetryConfig{Insecure: true, SampleRatio: 1},
	}
}

// Load reads the YAML configuration from disk, applies LEND_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitized returns a copy with secrets masked for logging. API tokens keep
// their last characters so operators can tell them apart.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.Auth.APITokens = make([]string, len(cfg.Auth.APITokens))
	for i, token := range cfg.Auth.APITokens {
		clone.Auth.APITokens[i] = logging.TokenHint(token)
	}
	clone.Auth.JWT.HMACSecret = logging.MaskValue(cfg.Auth.JWT.HMACSecret)
	if len(cfg.Telemetry.Headers) > 0 {
		clone.Telemetry.Headers = make(map[string]string, len(cfg.Telemetry.Headers))
		for key, value := range cfg.Telemetry.Headers {
			clone.Telemetry.Headers[key] = logging.MaskValue(value)
		}
	}
	return clone
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.LedgerConfig = strings.TrimSpace(cfg.LedgerConfig)
	cfg.Env = strings.TrimSpace(cfg.Env)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.APITokens = trimAll(cfg.APITokens)
	cfg.MTLS.AllowedCommonNames = trimAll(cfg.MTLS.AllowedCommonNames)
	cfg.JWT.HMACSecret = strings.TrimSpace(cfg.JWT.HMACSecret)
	cfg.JWT.Issuer = strings.TrimSpace(cfg.JWT.Issuer)
	cfg.JWT.Audience = strings.TrimSpace(cfg.JWT.Audience)
	cfg.JWT.Scope = strings.TrimSpace(cfg.JWT.Scope)
	cfg.JWT.OperatorScope = strings.TrimSpace(cfg.JWT.OperatorScope)
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasMTLS := len(cfg.MTLS.AllowedCommonNames) > 0
	hasJWT := cfg.JWT.HMACSecret != ""
	if !hasTokens && !hasMTLS && !hasJWT {
		return fmt.Errorf("at least one api token, jwt secret or mTLS common name must be configured")
	}
	if hasJWT && len(cfg.JWT.HMACSecret) < 32 {
		return fmt.Errorf("jwt.hmac_secret must be at least 32 bytes")
	}
	if hasMTLS && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
