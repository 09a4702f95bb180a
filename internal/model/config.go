package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Listen is the TCP address the relay accepts requests on.
	Listen string `mapstructure:"listen" yaml:"listen"`

	// MaxRequestBytes caps the size of an inbound request body.
	MaxRequestBytes int64 `mapstructure:"max_request_bytes" yaml:"max_request_bytes"`

	// AuthRate is the sustained number of failed authentications per
	// second tolerated from one client address before its requests are
	// refused; AuthBurst is the bucket size. Clients behind a shared
	// address share a bucket. A zero AuthRate disables throttling.
	AuthRate  float64 `mapstructure:"auth_rate" yaml:"auth_rate"`
	AuthBurst int     `mapstructure:"auth_burst" yaml:"auth_burst"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig holds the single credential pair the relay accepts.
type AuthConfig struct {
	Username string `mapstructure:"username" yaml:"username"`

	// PasswordHash is a bcrypt hash of the accepted password.
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`

	// KeyringKey, when set, names the OS keyring entry holding the
	// password hash. It takes precedence over PasswordHash.
	KeyringKey string `mapstructure:"keyring_key" yaml:"keyring_key"`
}

// BackendConfig holds the settings for connections to mail servers.
type BackendConfig struct {
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxBatchSize int           `mapstructure:"max_batch_size" yaml:"max_batch_size"`

	// TLSInsecureSkipVerify disables certificate verification. Only for
	// servers with self-signed certificates.
	TLSInsecureSkipVerify bool `mapstructure:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AuditConfig holds the request audit log settings.
type AuditConfig struct {
	// DBPath is the SQLite database file. Empty disables the audit log.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// Retention is how long audit rows are kept.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`

	// PruneInterval is how often expired rows are removed.
	PruneInterval time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

// Config is the top-level relay configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Audit   AuditConfig   `mapstructure:"audit" yaml:"audit"`
}

// envPrefix is the prefix of environment variables overriding config keys,
// e.g. MAILRELAY_AUTH_USERNAME for auth.username.
const envPrefix = "MAILRELAY"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailrelay/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailrelay", "config.yaml")
}

// defaultConfig returns a sensible default configuration.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8025",
			MaxRequestBytes: 1 << 20,
			AuthRate:        1,
			AuthBurst:       10,
			ShutdownTimeout: 5 * time.Second,
		},
		Backend: BackendConfig{
			DialTimeout:  15 * time.Second,
			CallTimeout:  30 * time.Second,
			MaxBatchSize: 200,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			Retention:     720 * time.Hour,
			PruneInterval: time.Hour,
		},
	}
}

// setDefaults registers every key with viper so that environment
// overrides resolve even when the file omits the key.
func setDefaults(v *viper.Viper) {
	d := defaultConfig()

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.max_request_bytes", d.Server.MaxRequestBytes)
	v.SetDefault("server.auth_rate", d.Server.AuthRate)
	v.SetDefault("server.auth_burst", d.Server.AuthBurst)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password_hash", "")
	v.SetDefault("auth.keyring_key", "")
	v.SetDefault("backend.dial_timeout", d.Backend.DialTimeout)
	v.SetDefault("backend.call_timeout", d.Backend.CallTimeout)
	v.SetDefault("backend.max_batch_size", d.Backend.MaxBatchSize)
	v.SetDefault("backend.tls_insecure_skip_verify", false)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("audit.db_path", "")
	v.SetDefault("audit.retention", d.Audit.Retention)
	v.SetDefault("audit.prune_interval", d.Audit.PruneInterval)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A missing file is not an error: defaults and environment overrides
// still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the settings the relay cannot start without.
func (c *Config) Validate() error {
	if c.Auth.Username == "" {
		return errors.New("auth.username is required")
	}
	if c.Auth.PasswordHash == "" && c.Auth.KeyringKey == "" {
		return errors.New("one of auth.password_hash or auth.keyring_key is required")
	}
	if c.Backend.MaxBatchSize < 1 {
		return fmt.Errorf("backend.max_batch_size must be positive, got %d", c.Backend.MaxBatchSize)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("auth", cfg.Auth)
	v.Set("backend", cfg.Backend)
	v.Set("log", cfg.Log)
	v.Set("audit", cfg.Audit)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
