package gateway

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the gateway's configuration. All instances are explicitly
// constructed and injected; there is no package-level state.
type Config struct {
	// Issuer is the gateway's public base URL. It is the iss claim of issued
	// tokens and the base for all advertised endpoints.
	// ENV: GATEWAY_ISSUER
	Issuer string `env:"GATEWAY_ISSUER"`

	// Resource is the protected resource URL guarded by the gateway, used as
	// the aud claim and in the WWW-Authenticate challenge. Defaults to
	// Issuer + "/mcp".
	// ENV: GATEWAY_RESOURCE
	Resource string `env:"GATEWAY_RESOURCE"`

	// Realm names the protection space in the WWW-Authenticate challenge.
	// ENV: GATEWAY_REALM
	Realm string `env:"GATEWAY_REALM,default=mcp"`

	// SessionTTL is the session validity window. Authorization codes, bearer
	// tokens, and token metadata all share this lifetime.
	// ENV: GATEWAY_SESSION_TTL
	SessionTTL time.Duration `env:"GATEWAY_SESSION_TTL,default=1h"`

	// DefaultScopes are granted when the authorization request names none.
	// ENV: GATEWAY_DEFAULT_SCOPES (semicolon-separated)
	DefaultScopes []string `env:"GATEWAY_DEFAULT_SCOPES,default=read:portfolio;read:trades"`

	// MasterKey is the base64-encoded master secret. The token signing key
	// and the credential encryption key are both derived from it.
	// ENV: GATEWAY_MASTER_KEY
	MasterKey string `env:"GATEWAY_MASTER_KEY"`

	// EncryptCredentials enables AES-256-GCM encryption of external
	// credentials stored on sessions.
	// ENV: GATEWAY_ENCRYPT_CREDENTIALS
	EncryptCredentials bool `env:"GATEWAY_ENCRYPT_CREDENTIALS,default=true"`

	// AuditEnabled turns on security audit logging.
	// ENV: GATEWAY_AUDIT_ENABLED
	AuditEnabled bool `env:"GATEWAY_AUDIT_ENABLED,default=true"`

	// RateLimitPerSecond and RateLimitBurst configure the per-IP token
	// bucket on OAuth endpoints. RateLimitPerSecond of 0 disables limiting.
	// ENV: GATEWAY_RATE_LIMIT_PER_SECOND / GATEWAY_RATE_LIMIT_BURST
	RateLimitPerSecond int `env:"GATEWAY_RATE_LIMIT_PER_SECOND,default=10"`
	RateLimitBurst     int `env:"GATEWAY_RATE_LIMIT_BURST,default=20"`

	// TrustProxy enables X-Forwarded-For / X-Real-IP parsing. Only set when
	// the gateway sits behind TrustedProxyCount trusted proxies.
	// ENV: GATEWAY_TRUST_PROXY / GATEWAY_TRUSTED_PROXY_COUNT
	TrustProxy        bool `env:"GATEWAY_TRUST_PROXY,default=false"`
	TrustedProxyCount int  `env:"GATEWAY_TRUSTED_PROXY_COUNT,default=1"`

	// ServiceVersion is reported in telemetry.
	// ENV: GATEWAY_SERVICE_VERSION
	ServiceVersion string `env:"GATEWAY_SERVICE_VERSION"`
}

// DefaultConfig returns a Config with defaults applied. Issuer and MasterKey
// must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Realm:              "mcp",
		SessionTTL:         time.Hour,
		DefaultScopes:      []string{"read:portfolio", "read:trades"},
		EncryptCredentials: true,
		AuditEnabled:       true,
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
		TrustedProxyCount:  1,
	}
}

// ConfigFromEnv builds a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Realm == "" {
		c.Realm = "mcp"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if len(c.DefaultScopes) == 0 {
		c.DefaultScopes = []string{"read:portfolio", "read:trades"}
	}
	if c.Resource == "" && c.Issuer != "" {
		c.Resource = c.Issuer + "/mcp"
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if c.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if c.MasterKey == "" {
		return fmt.Errorf("master key is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	return nil
}

// Endpoint URL helpers, all rooted at Issuer.

// AuthorizationEndpoint returns the authorization endpoint URL.
func (c *Config) AuthorizationEndpoint() string { return c.Issuer + "/authorize" }

// TokenEndpoint returns the token endpoint URL.
func (c *Config) TokenEndpoint() string { return c.Issuer + "/token" }

// RevocationEndpoint returns the token revocation endpoint URL.
func (c *Config) RevocationEndpoint() string { return c.Issuer + "/revoke" }

// AuthorizationServerMetadataEndpoint returns the RFC 8414 discovery URL.
func (c *Config) AuthorizationServerMetadataEndpoint() string {
	return c.Issuer + "/.well-known/oauth-authorization-server"
}

// ProtectedResourceMetadataEndpoint returns the RFC 9728 discovery URL.
func (c *Config) ProtectedResourceMetadataEndpoint() string {
	return c.Issuer + "/.well-known/oauth-protected-resource"
}
