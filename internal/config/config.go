// Package config provides configuration parsing and validation for the tunnel.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tunnel configuration. The client and
// server sections may coexist in one file; the subcommand selects which
// one is used.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Health HealthConfig `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ClientConfig defines the client side of the tunnel.
type ClientConfig struct {
	Server       string        `yaml:"server"`         // server host:port
	UUID         string        `yaml:"uuid"`           // user identity
	Password     string        `yaml:"password"`       // user secret
	UDPRelayMode string        `yaml:"udp_relay_mode"` // native, quic
	Heartbeat    time.Duration `yaml:"heartbeat"`
	GCInterval   time.Duration `yaml:"gc_interval"`
	GCLifetime   time.Duration `yaml:"gc_lifetime"`
	DatagramMTU  int           `yaml:"datagram_mtu"`
	SOCKS5       SOCKS5Config  `yaml:"socks5"`
	TLS          ClientTLS     `yaml:"tls"`
}

// ServerConfig defines the server side of the tunnel.
type ServerConfig struct {
	Listen      string        `yaml:"listen"`
	Users       []UserConfig  `yaml:"users"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	UDPRate     float64       `yaml:"udp_rate"` // packets/s per association, 0 = unlimited
	GCInterval  time.Duration `yaml:"gc_interval"`
	GCLifetime  time.Duration `yaml:"gc_lifetime"`
	DatagramMTU int           `yaml:"datagram_mtu"`
	TLS         ServerTLS     `yaml:"tls"`
}

// UserConfig defines one permitted user.
type UserConfig struct {
	UUID     string `yaml:"uuid"`
	Password string `yaml:"password"`
}

// SOCKS5Config defines the local SOCKS5 ingress.
type SOCKS5Config struct {
	Address        string     `yaml:"address"`
	Users          []UserAuth `yaml:"users"`
	MaxConnections int        `yaml:"max_connections"`
}

// UserAuth defines one SOCKS5 username/password pair.
type UserAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClientTLS defines TLS settings for the outbound QUIC connection.
type ClientTLS struct {
	SNI                string `yaml:"sni"`
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // dev only
}

// ServerTLS defines TLS settings for the QUIC listener.
type ServerTLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// HealthConfig defines health and metrics server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			UDPRelayMode: "native",
			Heartbeat:    10 * time.Second,
			GCInterval:   30 * time.Second,
			GCLifetime:   15 * time.Second,
			DatagramMTU:  1200,
			SOCKS5: SOCKS5Config{
				Address:        "127.0.0.1:1080",
				MaxConnections: 1000,
			},
		},
		Server: ServerConfig{
			AuthTimeout: 3 * time.Second,
			UDPRate:     0,
			GCInterval:  30 * time.Second,
			GCLifetime:  15 * time.Second,
			DatagramMTU: 1200,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks settings shared by both roles. ValidateClient and
// ValidateServer enforce completeness of the role actually being run.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if !isValidRelayMode(c.Client.UDPRelayMode) {
		errs = append(errs, fmt.Sprintf("invalid client.udp_relay_mode: %s (must be native or quic)", c.Client.UDPRelayMode))
	}
	if c.Client.DatagramMTU < 0 {
		errs = append(errs, "client.datagram_mtu must not be negative")
	}
	if c.Client.UUID != "" && uuid.Validate(c.Client.UUID) != nil {
		errs = append(errs, fmt.Sprintf("invalid client.uuid: %s", c.Client.UUID))
	}

	for i, u := range c.Server.Users {
		if u.UUID == "" {
			errs = append(errs, fmt.Sprintf("server.users[%d]: uuid is required", i))
		} else if uuid.Validate(u.UUID) != nil {
			errs = append(errs, fmt.Sprintf("server.users[%d]: invalid uuid: %s", i, u.UUID))
		}
	}
	if c.Server.UDPRate < 0 {
		errs = append(errs, "server.udp_rate must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ValidateClient checks that the client section is complete enough to run.
func (c *Config) ValidateClient() error {
	var errs []string

	if c.Client.Server == "" {
		errs = append(errs, "client.server is required")
	}
	if c.Client.UUID == "" {
		errs = append(errs, "client.uuid is required")
	}
	if c.Client.SOCKS5.Address == "" {
		errs = append(errs, "client.socks5.address is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateServer checks that the server section is complete enough to run.
func (c *Config) ValidateServer() error {
	var errs []string

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen is required")
	}
	if len(c.Server.Users) == 0 {
		errs = append(errs, "server.users must not be empty")
	}
	if c.Server.TLS.Cert == "" || c.Server.TLS.Key == "" {
		errs = append(errs, "server.tls.cert and server.tls.key are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidRelayMode(mode string) bool {
	switch mode {
	case "native", "quic":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Client.Password != "" {
		redacted.Client.Password = redactedValue
	}
	for i := range redacted.Client.SOCKS5.Users {
		if redacted.Client.SOCKS5.Users[i].Password != "" {
			redacted.Client.SOCKS5.Users[i].Password = redactedValue
		}
	}
	for i := range redacted.Server.Users {
		if redacted.Server.Users[i].Password != "" {
			redacted.Server.Users[i].Password = redactedValue
		}
	}
	if redacted.Server.TLS.Key != "" {
		redacted.Server.TLS.Key = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Client.Password != "" {
		return true
	}
	for _, u := range c.Client.SOCKS5.Users {
		if u.Password != "" {
			return true
		}
	}
	for _, u := range c.Server.Users {
		if u.Password != "" {
			return true
		}
	}
	return false
}
