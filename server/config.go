package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded provider call defaults
const (
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultMaxRetries   = 2
	DefaultJWKSCooldown = 30 * time.Second
	DefaultLandingPath  = "/me"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", "X-Request-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig controls listener, TLS, cookie and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and HSTS.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"-"`
	AllowedHeaders []string `yaml:"-"`
}

// ProviderConfig describes the single upstream identity provider and our client registration.
type ProviderConfig struct {
	Region              string        `yaml:"region"`
	UserPoolID          string        `yaml:"user_pool_id"`
	Issuer              string        `yaml:"issuer"`
	ClientID            string        `yaml:"client_id"`
	ClientSecret        string        `yaml:"client_secret"`
	RedirectURI         string        `yaml:"redirect_uri"`
	Domain              string        `yaml:"domain"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	RotateRefreshTokens bool          `yaml:"rotate_refresh_tokens"`
	// JWKSCooldown is the minimum gap between key set fetches triggered by unknown key ids.
	JWKSCooldown        time.Duration `yaml:"jwks_cooldown"`
}

// AuthConfig holds relying-party routing choices.
type AuthConfig struct {
	LandingPath string `yaml:"landing_path"`
}

// IssuerURL returns the configured issuer, deriving the Cognito user pool issuer when no
// explicit override is set.
func (p ProviderConfig) IssuerURL() string {
	if p.Issuer != "" {
		return strings.TrimSuffix(p.Issuer, "/")
	}
	if p.Region == "" || p.UserPoolID == "" {
		return ""
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", p.Region, p.UserPoolID)
}

// LandingURL is the absolute URL of the authenticated landing route.
func (c Config) LandingURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.Auth.LandingPath
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8000",
			DevListenAddr:   "127.0.0.1:8000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:5173"},
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Provider: ProviderConfig{
			HTTPTimeout: DefaultHTTPTimeout,
			MaxRetries:   DefaultMaxRetries,
			JWKSCooldown: DefaultJWKSCooldown,
		},
		Auth: AuthConfig{
			LandingPath: DefaultLandingPath,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"COGNITO_REGION":                  func(v string) { cfg.Provider.Region = v },
		"COGNITO_USER_POOL_ID":            func(v string) { cfg.Provider.UserPoolID = v },
		"COGNITO_CLIENT_ID":               func(v string) { cfg.Provider.ClientID = v },
		"COGNITO_CLIENT_SECRET":           func(v string) { cfg.Provider.ClientSecret = v },
		"COGNITO_REDIRECT_URI":            func(v string) { cfg.Provider.RedirectURI = v },
		"COGNITO_DOMAIN":                  func(v string) { cfg.Provider.Domain = v },
		"RPAUTH_PROVIDER_ISSUER":          func(v string) { cfg.Provider.Issuer = v },
		"RPAUTH_PROVIDER_HTTP_TIMEOUT":    func(v string) { cfg.Provider.HTTPTimeout = parseDuration(v, cfg.Provider.HTTPTimeout) },
		"RPAUTH_PROVIDER_MAX_RETRIES":     func(v string) { cfg.Provider.MaxRetries = parseInt(v, cfg.Provider.MaxRetries) },
		"RPAUTH_PROVIDER_JWKS_COOLDOWN":   func(v string) { cfg.Provider.JWKSCooldown = parseDuration(v, cfg.Provider.JWKSCooldown) },
		"RPAUTH_ROTATE_REFRESH_TOKENS":    func(v string) { cfg.Provider.RotateRefreshTokens = parseBool(v, cfg.Provider.RotateRefreshTokens) },
		"RPAUTH_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"RPAUTH_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"RPAUTH_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"RPAUTH_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"RPAUTH_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"RPAUTH_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"RPAUTH_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"RPAUTH_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"RPAUTH_CORS_ALLOWED_ORIGINS":     func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that every value required at startup is present and well formed.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	p := c.Provider
	if p.Issuer == "" && (p.Region == "" || p.UserPoolID == "") {
		slog.Error("Missing required provider configuration", "field", "provider.region/provider.user_pool_id")
		return errors.New("provider.region and provider.user_pool_id are required unless provider.issuer is set")
	}
	if p.Issuer != "" && !isHTTPURL(p.Issuer) {
		return fmt.Errorf("provider.issuer must start with http:// or https://, got: %s", p.Issuer)
	}

	required := []struct {
		field string
		value string
	}{
		{"provider.client_id", p.ClientID},
		{"provider.client_secret", p.ClientSecret},
		{"provider.redirect_uri", p.RedirectURI},
		{"provider.domain", p.Domain},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			slog.Error("Missing required configuration", "field", r.field)
			return fmt.Errorf("%s is required", r.field)
		}
	}

	if !isHTTPURL(p.RedirectURI) {
		slog.Error("Invalid redirect URI", "field", "provider.redirect_uri", "value", p.RedirectURI, "reason", "must be a valid HTTP(S) URL")
		return fmt.Errorf("provider.redirect_uri must start with http:// or https://, got: %s", p.RedirectURI)
	}
	if !isHTTPURL(p.Domain) {
		slog.Error("Invalid hosted domain", "field", "provider.domain", "value", p.Domain, "reason", "must be a valid HTTP(S) URL")
		return fmt.Errorf("provider.domain must start with http:// or https://, got: %s", p.Domain)
	}
	if p.HTTPTimeout < 0 {
		return fmt.Errorf("provider.http_timeout must not be negative, got: %s", p.HTTPTimeout)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("provider.max_retries must not be negative, got: %d", p.MaxRetries)
	}
	if p.JWKSCooldown < 0 {
		return fmt.Errorf("provider.jwks_cooldown must not be negative, got: %s", p.JWKSCooldown)
	}

	if !strings.HasPrefix(c.Auth.LandingPath, "/") {
		return fmt.Errorf("auth.landing_path must start with '/', got: %q", c.Auth.LandingPath)
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	return nil
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
