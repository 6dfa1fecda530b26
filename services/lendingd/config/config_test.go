package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseEndpoints = `
venue:
  url: "http://venue.internal/"
  timeout: 5s
transfers:
  url: "http://relay.internal"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  api_tokens:
    - " token-one "
    - " "
    - "token-two"
  callback_tokens: [cb]
`+baseEndpoints)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if !cfg.TLS.AllowInsecure {
		t.Fatalf("expected allow_insecure to propagate")
	}
	if len(cfg.Auth.APITokens) != 2 {
		t.Fatalf("expected 2 trimmed api tokens, got %d", len(cfg.Auth.APITokens))
	}
	if cfg.EventStore.Driver != "sqlite" || cfg.EventStore.DSN == "" {
		t.Fatalf("unexpected event store defaults: %+v", cfg.EventStore)
	}
	if cfg.Venue.URL != "http://venue.internal" || cfg.Venue.Timeout != 5*time.Second {
		t.Fatalf("unexpected venue: %+v", cfg.Venue)
	}
	if cfg.Transfers.Timeout != 10*time.Second {
		t.Fatalf("unexpected transfer timeout: %s", cfg.Transfers.Timeout)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 || cfg.RateLimit.Burst != 50 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Auth.JWT.ScopeClaim != "scope" || cfg.Auth.JWT.Enabled() {
		t.Fatalf("unexpected jwt defaults: %+v", cfg.Auth.JWT)
	}
	if cfg.ProtocolConfig != "lendcore.toml" {
		t.Fatalf("unexpected protocol config path: %q", cfg.ProtocolConfig)
	}
}

func TestLoadConfigAcceptsJWTOnly(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  jwt:
    hmac_secret: "s3cr3t"
    issuer: lendcore
  callback_tokens: [cb]
event_store:
  driver: postgres
  dsn: "postgres://lend@db/lend"
`+baseEndpoints)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.JWT.Enabled() || cfg.Auth.JWT.ClockSkew != 2*time.Minute {
		t.Fatalf("unexpected jwt config: %+v", cfg.Auth.JWT)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"no authenticators": `
tls: {allow_insecure: true}
auth: {callback_tokens: [cb]}
` + baseEndpoints,
		"missing tls key": `
tls: {cert: "server.crt"}
auth: {api_tokens: [token], callback_tokens: [cb]}
` + baseEndpoints,
		"mtls without client ca": `
tls: {cert: "server.crt", key: "server.key"}
auth:
  mtls: {allowed_common_names: [client]}
  callback_tokens: [cb]
` + baseEndpoints,
		"tls material missing": `
auth: {api_tokens: [token], callback_tokens: [cb]}
` + baseEndpoints,
		"no callback tokens": `
tls: {allow_insecure: true}
auth: {api_tokens: [token]}
` + baseEndpoints,
		"unknown driver": `
tls: {allow_insecure: true}
auth: {api_tokens: [token], callback_tokens: [cb]}
event_store: {driver: mongo, dsn: x}
` + baseEndpoints,
		"missing venue": `
tls: {allow_insecure: true}
auth: {api_tokens: [token], callback_tokens: [cb]}
transfers: {url: "http://relay"}
`,
		"webhook without secret": `
tls: {allow_insecure: true}
auth: {api_tokens: [token], callback_tokens: [cb]}
webhook: {url: "http://alerts"}
` + baseEndpoints,
		"unknown field": `
tls: {allow_insecure: true}
auth: {api_tokens: [token], callback_tokens: [cb]}
bogus: 1
` + baseEndpoints,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}
