// ABOUTME: Configuration loading and parsing for tenant-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "TGW_CONFIG"

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr          = "127.0.0.1:8080"
	DefaultRPCPath           = "/rpc"
	DefaultMetricsPath       = "/metrics"
	DefaultRequestsPerWindow = 600
	DefaultWindow            = time.Minute
	DefaultOAuthRate         = 2.0
	DefaultOAuthBurst        = 10
)

// Config represents the complete tenant-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Admission AdmissionConfig `yaml:"admission" toml:"admission"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// BaseURL is the externally visible origin, used as token issuer when
	// auth.issuer is unset and in the OAuth metadata document.
	BaseURL string `yaml:"base_url" toml:"base_url"`
	RPCPath string `yaml:"rpc_path" toml:"rpc_path"`
	// TrustProxy honours X-Forwarded-For for per-IP OAuth rate limiting.
	TrustProxy bool `yaml:"trust_proxy" toml:"trust_proxy"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds token signing and lifetime configuration
type AuthConfig struct {
	SigningKeyFile string `yaml:"signing_key_file" toml:"signing_key_file"`
	Issuer         string `yaml:"issuer" toml:"issuer"`

	// PreviousSigningKeyFiles hold retired keys whose tokens still verify
	// until they expire. They are never used to sign.
	PreviousSigningKeyFiles []string `yaml:"previous_signing_key_files" toml:"previous_signing_key_files"`

	// EncryptionKey is a base64 encoded 32-byte key sealing provider tokens.
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key"`

	AccessTokenTTL  time.Duration `yaml:"-" toml:"-"`
	RefreshTokenTTL time.Duration `yaml:"-" toml:"-"`
	AuthCodeTTL     time.Duration `yaml:"-" toml:"-"`
	AdminTokenTTL   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AccessTokenTTLRaw  string `yaml:"access_token_ttl" toml:"access_token_ttl"`
	RefreshTokenTTLRaw string `yaml:"refresh_token_ttl" toml:"refresh_token_ttl"`
	AuthCodeTTLRaw     string `yaml:"auth_code_ttl" toml:"auth_code_ttl"`
	AdminTokenTTLRaw   string `yaml:"admin_token_ttl" toml:"admin_token_ttl"`
}

// AdmissionConfig holds rate limiting configuration
type AdmissionConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window" toml:"requests_per_window"`
	Window            time.Duration `yaml:"-" toml:"-"`
	WindowRaw         string        `yaml:"window" toml:"window"`

	// TenantLimits overrides requests_per_window for individual tenants,
	// keyed by tenant id.
	TenantLimits map[string]int `yaml:"tenant_limits" toml:"tenant_limits"`

	// Per client IP on the OAuth endpoints
	OAuthRequestsPerSecond float64 `yaml:"oauth_requests_per_second" toml:"oauth_requests_per_second"`
	OAuthBurst             int     `yaml:"oauth_burst" toml:"oauth_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file location: $TGW_CONFIG if set, else
// $XDG_CONFIG_HOME/tenant-gateway/gateway.yaml (~/.config when unset).
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locating home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tenant-gateway", "gateway.yaml"), nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.RPCPath == "" {
		c.Server.RPCPath = DefaultRPCPath
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = c.Server.BaseURL
	}
	if c.Admission.RequestsPerWindow == 0 {
		c.Admission.RequestsPerWindow = DefaultRequestsPerWindow
	}
	if c.Admission.Window == 0 {
		c.Admission.Window = DefaultWindow
	}
	if c.Admission.OAuthRequestsPerSecond == 0 {
		c.Admission.OAuthRequestsPerSecond = DefaultOAuthRate
	}
	if c.Admission.OAuthBurst == 0 {
		c.Admission.OAuthBurst = DefaultOAuthBurst
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Auth.SigningKeyFile == "" {
		return errors.New("auth.signing_key_file is required")
	}
	if c.Auth.Issuer == "" {
		return errors.New("auth.issuer or server.base_url is required")
	}
	if c.Auth.EncryptionKey != "" {
		if _, err := c.Auth.EncryptionKeyBytes(); err != nil {
			return err
		}
	}
	if !strings.HasPrefix(c.Server.RPCPath, "/") {
		return fmt.Errorf("server.rpc_path %q must start with /", c.Server.RPCPath)
	}
	if c.Admission.RequestsPerWindow < 0 {
		return errors.New("admission.requests_per_window must not be negative")
	}
	for tenant, limit := range c.Admission.TenantLimits {
		if limit <= 0 {
			return fmt.Errorf("admission.tenant_limits[%s] must be positive, got %d", tenant, limit)
		}
	}
	for _, path := range c.Auth.PreviousSigningKeyFiles {
		if path == "" || path == c.Auth.SigningKeyFile {
			return fmt.Errorf("auth.previous_signing_key_files entry %q must name a retired key file", path)
		}
	}
	if c.Admission.OAuthRequestsPerSecond < 0 || c.Admission.OAuthBurst < 0 {
		return errors.New("admission.oauth_requests_per_second and oauth_burst must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// EncryptionKeyBytes decodes auth.encryption_key. It returns nil when no key
// is configured.
func (a AuthConfig) EncryptionKeyBytes() ([]byte, error) {
	if a.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(a.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("auth.encryption_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("auth.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.access_token_ttl", cfg.Auth.AccessTokenTTLRaw, &cfg.Auth.AccessTokenTTL},
		{"auth.refresh_token_ttl", cfg.Auth.RefreshTokenTTLRaw, &cfg.Auth.RefreshTokenTTL},
		{"auth.auth_code_ttl", cfg.Auth.AuthCodeTTLRaw, &cfg.Auth.AuthCodeTTL},
		{"auth.admin_token_ttl", cfg.Auth.AdminTokenTTLRaw, &cfg.Auth.AdminTokenTTL},
		{"admission.window", cfg.Admission.WindowRaw, &cfg.Admission.Window},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
