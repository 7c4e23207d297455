// Package config handles gateway configuration loading: a TOML file
// on disk, overlaid with RUSTYMAIL_-prefixed environment variables so
// container deployments can override individual fields without
// mounting a new file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultSearchPaths returns the config file search order. An
// explicit path (from -config) is checked first; otherwise the first
// of these that exists wins.
func DefaultSearchPaths() []string {
	paths := []string{"mailgw.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailgw", "mailgw.toml"))
	}
	paths = append(paths, "/config/mailgw.toml") // container convention
	paths = append(paths, "/etc/mailgw/mailgw.toml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist; otherwise DefaultSearchPaths is searched in order.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all gateway configuration.
type Config struct {
	Interface  string           `toml:"interface"` // legacy single-account IMAP fallback lives under IMAP below
	IMAP       LegacyIMAP       `toml:"imap"`
	REST       RESTConfig       `toml:"rest"`
	SSE        SSEConfig        `toml:"sse"`
	Dashboard  DashboardConfig  `toml:"dashboard"`
	Log        LogConfig        `toml:"log"`
	DataDir    string           `toml:"data_dir"`
	Encryption EncryptionConfig `toml:"encryption"`
	Microsoft  MicrosoftConfig  `toml:"microsoft"`
	OAuth      OAuthConfig      `toml:"oauth"`
	MCP        MCPConfig        `toml:"mcp"`
	API        APIConfig        `toml:"api"`
}

// LegacyIMAP configures a single default account inline, for
// deployments that predate multi-account support and never migrated
// to accounts.json. When set, it is loaded into the account registry
// as account id "default" at startup rather than granting any runtime
// fallback behavior — internal/account.Registry.Require still refuses
// empty ids.
type LegacyIMAP struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// RESTConfig configures the REST front-end.
type RESTConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// SSEConfig configures the event-stream front-end.
type SSEConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DashboardConfig configures the optional static status dashboard.
type DashboardConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level string `toml:"level"`
}

// EncryptionConfig configures at-rest secret encryption.
type EncryptionConfig struct {
	MasterKey string `toml:"master_key"`
}

// MicrosoftConfig configures the Microsoft OAuth2 app registration
// used to refresh account access tokens.
type MicrosoftConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TenantID     string `toml:"tenant_id"`
}

// OAuthConfig configures the redirect used during the OAuth2
// authorization-code exchange.
type OAuthConfig struct {
	RedirectBaseURL string `toml:"redirect_base_url"`
}

// MCPConfig configures the MCP front-ends.
type MCPConfig struct {
	BackendURL string `toml:"backend_url"` // not read by mcpstdio, which dispatches in-process instead of forwarding to an HTTP backend
	Timeout    string `toml:"timeout"`
}

// APIConfig configures REST/MCP authentication.
type APIConfig struct {
	Key string `toml:"key"`
}

// Load reads path as TOML, applies the RUSTYMAIL_ environment
// overlay, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverlay(cfg, "RUSTYMAIL")

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverlay walks cfg's fields and, for each one, checks for an
// environment variable named prefix + "_" + the upper-cased, "_"-
// joined path of toml tags down to that field (e.g.
// RUSTYMAIL_REST_PORT overrides REST.Port). Unset variables leave the
// TOML-parsed value untouched.
func applyEnvOverlay(cfg *Config, prefix string) {
	walkStruct(reflect.ValueOf(cfg).Elem(), prefix)
}

func walkStruct(v reflect.Value, envPrefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("toml")
		if tag == "" {
			tag = strings.ToLower(field.Name)
		}
		envName := envPrefix + "_" + strings.ToUpper(tag)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			walkStruct(fv, envName)
			continue
		}

		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		setFromEnv(fv, raw)
	}
}

func setFromEnv(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.REST.Port == 0 {
		c.REST.Port = 8080
	}
	if c.SSE.Port == 0 {
		c.SSE.Port = 8081
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8082
	}
	if c.Dashboard.Path == "" {
		c.Dashboard.Path = "/"
	}
	if c.MCP.Timeout == "" {
		c.MCP.Timeout = "30s"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.REST.Enabled && (c.REST.Port < 1 || c.REST.Port > 65535) {
		return fmt.Errorf("rest.port %d out of range (1-65535)", c.REST.Port)
	}
	if c.SSE.Port < 1 || c.SSE.Port > 65535 {
		return fmt.Errorf("sse.port %d out of range (1-65535)", c.SSE.Port)
	}
	if c.Log.Level != "" {
		if _, err := ParseLogLevel(c.Log.Level); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a minimal configuration suitable for local
// development, with every default applied.
func Default() *Config {
	cfg := &Config{REST: RESTConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}
