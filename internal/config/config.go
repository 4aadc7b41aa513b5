package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-wisp/internal/logger"
	"go-wisp/internal/notification/email"

	"github.com/spf13/viper"
)

// ErrConfigurationInvalid marks a setting that could not be used as given
var ErrConfigurationInvalid = errors.New("configuration invalid")

// Config holds the static application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Email    email.Config   `mapstructure:"email"`
	Security SecurityConfig `mapstructure:"security"`
	Log      logger.Config  `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	StatsDir string `mapstructure:"stats_dir"`
}

// MonitorConfig tunes the fleet polling pool
type MonitorConfig struct {
	Workers       int           `mapstructure:"workers"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	ErrorPause    time.Duration `mapstructure:"error_pause"`
}

type BillingConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type FirebaseConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	Topic           string `mapstructure:"topic"`
}

type SecurityConfig struct {
	// EncryptionKey seals device passwords at rest; empty stores them as given
	EncryptionKey string `mapstructure:"encryption_key"`
}

// Load reads configuration from an optional YAML file and WISP_* environment
// variables. An empty path searches ./config.yaml and /etc/wisp/config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wisp")
	}

	v.SetEnvPrefix("WISP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateRandomSecret(32)
		logger.Warn().Msg("auth.jwt_secret not set, generated a random secret for this process")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8080", "http://localhost:3000"})
	v.SetDefault("database.path", "./data/wisp.db")
	v.SetDefault("database.stats_dir", "./data/stats")
	v.SetDefault("monitor.workers", 10)
	v.SetDefault("monitor.poll_timeout", 15*time.Second)
	v.SetDefault("monitor.retry_attempts", 3)
	v.SetDefault("monitor.retry_backoff", 500*time.Millisecond)
	v.SetDefault("monitor.error_pause", 60*time.Second)
	v.SetDefault("billing.check_interval", 30*time.Minute)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("firebase.credentials_file", "")
	v.SetDefault("firebase.topic", "fleet-alerts")
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.from", "wisp@localhost")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}

func (c *Config) validate() error {
	if c.Monitor.Workers < 1 {
		return fmt.Errorf("%w: monitor.workers must be at least 1, got %d", ErrConfigurationInvalid, c.Monitor.Workers)
	}
	if c.Monitor.PollTimeout <= 0 {
		return fmt.Errorf("%w: monitor.poll_timeout must be positive", ErrConfigurationInvalid)
	}
	if c.Monitor.RetryAttempts < 1 {
		c.Monitor.RetryAttempts = 1
	}
	if c.Billing.CheckInterval <= 0 {
		return fmt.Errorf("%w: billing.check_interval must be positive", ErrConfigurationInvalid)
	}
	return nil
}

// generateRandomSecret generates a cryptographically secure random string
func generateRandomSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("fallback-secret-%d", time.Now().UnixNano())
	}
	for i := range b {
		b[i] = charset[b[i]%byte(len(charset))]
	}
	return string(b)
}
