// Package config loads gateway configuration from the environment and
// enforces the startup safety rails before any request can be served.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// EnvProduction is the environment name in which development affordances
// must be impossible.
const EnvProduction = "production"

// ErrStaticKeyInProduction is returned by Validate when the static-key flag
// is enabled in production. Callers must treat it as fatal at startup; the
// combination is never allowed to reach a serving process.
var ErrStaticKeyInProduction = errors.New("config: static key authentication enabled in production")

// Config is the gateway's full configuration. Defaults are provided via
// envdecode struct tags.
type Config struct {
	// Environment is the deployment mode. ENV: GATEWAY_ENV
	Environment string `env:"GATEWAY_ENV,default=development"`

	// ListenAddr is the HTTP listen address. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`

	// PublicEndpoint is the externally visible URL of the gateway endpoint.
	// ENV: PUBLIC_ENDPOINT
	PublicEndpoint string `env:"PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp"`

	// Issuer is the OAuth/OIDC issuer whose tokens the gateway accepts.
	// ENV: OIDC_ISSUER
	Issuer string `env:"OIDC_ISSUER"`

	// JWKSURL optionally pins the key-set endpoint, skipping OIDC discovery.
	// ENV: JWKS_URL
	JWKSURL string `env:"JWKS_URL"`

	// KeySetTTL is the key-set cache freshness window. ENV: KEY_SET_TTL
	KeySetTTL time.Duration `env:"KEY_SET_TTL,default=1h"`

	// StaticKeyEnabled turns on the development-only static-key path.
	// ENV: STATIC_KEY_ENABLED
	StaticKeyEnabled bool `env:"STATIC_KEY_ENABLED,default=false"`

	// StaticKey is the shared development secret. ENV: STATIC_KEY
	StaticKey string `env:"STATIC_KEY"`

	// BackendURL is the backend query service endpoint. ENV: BACKEND_URL
	BackendURL string `env:"BACKEND_URL"`

	// BackendStaticToken is forwarded to the backend for requests
	// authenticated in static-key mode. ENV: BACKEND_STATIC_TOKEN
	BackendStaticToken string `env:"BACKEND_STATIC_TOKEN"`

	// RedisAddr selects the Redis revocation store when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// RevocationFile selects the file revocation store when set (development).
	// ENV: REVOCATION_FILE
	RevocationFile string `env:"REVOCATION_FILE"`

	// SupportURL and DocsURL appear in 401 challenge bodies.
	SupportURL string `env:"SUPPORT_URL,default=https://support.example.com"`
	DocsURL    string `env:"DOCS_URL,default=https://docs.example.com/authentication"`
}

// Production reports whether the process runs in production mode.
func (c *Config) Production() bool { return c.Environment == EnvProduction }

// Validate enforces startup invariants. It must run before the process
// binds a listener.
func (c *Config) Validate() error {
	if c.StaticKeyEnabled && c.Production() {
		return ErrStaticKeyInProduction
	}
	if c.StaticKeyEnabled && c.StaticKey == "" {
		return errors.New("config: STATIC_KEY_ENABLED requires STATIC_KEY")
	}
	// The issuer is needed even with a pinned JWKS URL: token validation
	// compares the iss claim against it, so accepting an issuer-less config
	// would reject every real token.
	if c.Issuer == "" {
		return errors.New("config: OIDC_ISSUER is required")
	}
	if c.BackendURL == "" {
		return errors.New("config: BACKEND_URL is required")
	}
	if c.RedisAddr != "" && c.RevocationFile != "" {
		return errors.New("config: REDIS_ADDR and REVOCATION_FILE are mutually exclusive")
	}
	return nil
}

// Load decodes configuration from the environment and validates it.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		// envdecode fails when no field resolves; defaults make that a
		// genuine error worth surfacing.
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
