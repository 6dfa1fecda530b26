package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	Environment    string          `yaml:"environment"`
	ProtocolConfig string          `yaml:"protocol_config"`
	TLS            TLSConfig       `yaml:"tls"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	EventStore     EventStore      `yaml:"event_store"`
	Venue          Endpoint        `yaml:"venue"`
	Transfers      Endpoint        `yaml:"transfers"`
	Webhook        Webhook         `yaml:"webhook"`
	ExportsDir     string          `yaml:"exports_dir"`
	Log            LogConfig       `yaml:"log"`
	Telemetry      Telemetry       `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service.
type AuthConfig struct {
	APITokens []string       `yaml:"api_tokens"`
	JWT       JWTConfig      `yaml:"jwt"`
	MTLS      MTLSAuthConfig `yaml:"mtls"`
	// CallbackTokens authorise the swap venue and transfer relay callbacks.
	CallbackTokens []string `yaml:"callback_tokens"`
}

// JWTConfig validates HMAC signed bearer tokens. The subject claim names the
// account the caller may act for; the "admin" scope lifts that restriction.
type JWTConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// Enabled reports whether JWT validation is configured.
func (j JWTConfig) Enabled() bool { return strings.TrimSpace(j.HMACSecret) != "" }

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// RateLimitConfig bounds request rates per caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// EventStore selects the relational store for emitted events.
type EventStore struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Endpoint is an outbound HTTP dependency.
type Endpoint struct {
	URL           string        `yaml:"url"`
	BearerToken   string        `yaml:"bearer_token"`
	CAFile        string        `yaml:"ca_file"`
	AllowInsecure bool          `yaml:"allow_insecure"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Webhook forwards risk events to an operator endpoint.
type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8480",
	}
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

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8480"
	}
	cfg.ProtocolConfig = strings.TrimSpace(cfg.ProtocolConfig)
	if cfg.ProtocolConfig == "" {
		cfg.ProtocolConfig = "lendcore.toml"
	}
	cfg.ExportsDir = strings.TrimSpace(cfg.ExportsDir)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}
	cfg.EventStore.Driver = strings.ToLower(strings.TrimSpace(cfg.EventStore.Driver))
	if cfg.EventStore.Driver == "" {
		cfg.EventStore.Driver = "sqlite"
	}
	if cfg.EventStore.DSN == "" && cfg.EventStore.Driver == "sqlite" {
		cfg.EventStore.DSN = "lendcore-events.db"
	}
	cfg.Venue.normalize()
	cfg.Transfers.normalize()
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
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
	switch cfg.EventStore.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("event_store: unsupported driver %q", cfg.EventStore.Driver)
	}
	if cfg.EventStore.DSN == "" {
		return fmt.Errorf("event_store: dsn required")
	}
	if cfg.Venue.URL == "" {
		return fmt.Errorf("venue: url required")
	}
	if cfg.Transfers.URL == "" {
		return fmt.Errorf("transfers: url required")
	}
	if cfg.Webhook.URL != "" && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return fmt.Errorf("webhook: secret required when url is set")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
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

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.APITokens = trimAll(cfg.APITokens)
	cfg.CallbackTokens = trimAll(cfg.CallbackTokens)
	cfg.MTLS.AllowedCommonNames = trimAll(cfg.MTLS.AllowedCommonNames)
	cfg.JWT.HMACSecret = strings.TrimSpace(cfg.JWT.HMACSecret)
	if cfg.JWT.ScopeClaim == "" {
		cfg.JWT.ScopeClaim = "scope"
	}
	if cfg.JWT.ClockSkew <= 0 {
		cfg.JWT.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasMTLS := len(cfg.MTLS.AllowedCommonNames) > 0
	if !hasTokens && !hasMTLS && !cfg.JWT.Enabled() {
		return fmt.Errorf("at least one api token, jwt secret or mTLS common name must be configured")
	}
	if hasMTLS && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	if len(cfg.CallbackTokens) == 0 {
		return fmt.Errorf("callback_tokens required for venue and transfer callbacks")
	}
	return nil
}

func (e *Endpoint) normalize() {
	e.URL = strings.TrimRight(strings.TrimSpace(e.URL), "/")
	e.BearerToken = strings.TrimSpace(e.BearerToken)
	e.CAFile = strings.TrimSpace(e.CAFile)
	if e.Timeout <= 0 {
		e.Timeout = 10 * time.Second
	}
}
