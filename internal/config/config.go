// Package config handles loading and managing inletmail configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	APIPort int    `toml:"api_port"` // HTTP server port (default: 8080)
	APIKey  string `toml:"api_key"`  // key for admin endpoints; empty disables them
}

// ObjectStoreConfig holds the S3-compatible storage settings for raw email
// objects.
type ObjectStoreConfig struct {
	Bucket          string `toml:"bucket"`
	KeyPrefix       string `toml:"key_prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"` // empty means AWS S3
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Insecure        bool   `toml:"insecure"`
}

// CatchupConfig holds the reconcile scheduler settings.
type CatchupConfig struct {
	Disabled      bool   `toml:"disabled"`
	Cron          string `toml:"cron"`            // default "*/5 * * * *"
	MaxKeys       int    `toml:"max_keys"`        // clamped to [1, 100], default 10
	OnlyLastHours int    `toml:"only_last_hours"` // default 24, 0 disables
}

// AlertConfig holds operator alerting settings.
type AlertConfig struct {
	SMTPHost      string `toml:"smtp_host"`
	SMTPPort      int    `toml:"smtp_port"`
	SMTPUsername  string `toml:"smtp_username"`
	SMTPPassword  string `toml:"smtp_password"`
	FromAddress   string `toml:"from_address"`
	OperatorEmail string `toml:"operator_email"` // timeout alert recipient
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

type Config struct {
	Data        DataConfig        `toml:"data"`
	Server      ServerConfig      `toml:"server"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Catchup     CatchupConfig     `toml:"catchup"`
	Alert       AlertConfig       `toml:"alert"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default inletmail home directory.
// Respects the INLETMAIL_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("INLETMAIL_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inletmail"
	}
	return filepath.Join(home, ".inletmail")
}

// Load reads the configuration from the specified file, then applies
// environment overrides. If path is empty, the default location
// (~/.inletmail/config.toml) is used; a missing file means defaults.
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			DataDir: homeDir,
		},
		Server: ServerConfig{
			APIPort: 8080,
		},
		Catchup: CatchupConfig{
			Cron:          "*/5 * * * *",
			MaxKeys:       10,
			OnlyLastHours: 24,
		},
		Alert: AlertConfig{
			SMTPPort: 587,
		},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.applyEnv()
	cfg.clamp()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the deployment environment variables recognized for
// container installs.
func (c *Config) applyEnv() {
	setString(&c.ObjectStore.Bucket, "AWS_SES_S3_BUCKET")
	setString(&c.ObjectStore.KeyPrefix, "AWS_SES_S3_OBJECT_KEY_PREFIX")
	setString(&c.ObjectStore.Region, "AWS_SES_REGION")
	setString(&c.ObjectStore.Endpoint, "S3_ENDPOINT")
	setString(&c.ObjectStore.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&c.ObjectStore.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")

	setBool(&c.Catchup.Disabled, "S3_CATCHUP_DISABLED")
	setInt(&c.Catchup.MaxKeys, "S3_CATCHUP_MAX_KEYS_PER_RUN")
	setInt(&c.Catchup.OnlyLastHours, "S3_CATCHUP_ONLY_LAST_HOURS")
	setString(&c.Catchup.Cron, "S3_CATCHUP_CRON")

	setString(&c.Alert.OperatorEmail, "WEBHOOK_TIMEOUT_ALERT_EMAIL")
	setString(&c.Server.APIKey, "INLETMAIL_API_KEY")
	setInt(&c.Server.APIPort, "INLETMAIL_API_PORT")
}

func (c *Config) clamp() {
	if c.Catchup.MaxKeys < 1 {
		c.Catchup.MaxKeys = 10
	}
	if c.Catchup.MaxKeys > 100 {
		c.Catchup.MaxKeys = 100
	}
	if c.Catchup.OnlyLastHours < 0 {
		c.Catchup.OnlyLastHours = 0
	}
	if c.Catchup.Cron == "" {
		c.Catchup.Cron = "*/5 * * * *"
	}
}

func (c *Config) validate() error {
	if c.Server.APIPort <= 0 || c.Server.APIPort > 65535 {
		return fmt.Errorf("invalid api_port %d", c.Server.APIPort)
	}
	if !c.Catchup.Disabled && c.ObjectStore.Bucket == "" {
		return fmt.Errorf("catch-up enabled but object_store.bucket is not set")
	}
	return nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "inletmail.db")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
