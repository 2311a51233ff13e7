// Package config handles configuration loading from environment and files.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgerrors "github.com/epam/modular-api/pkg/errors"
)

// Deployment modes selecting the document backend.
const (
	ModeHosted     = "hosted"
	ModeSelfHosted = "self-hosted"
)

// RateLimitDisabled is the literal that turns the rate limiter off.
const RateLimitDisabled = "disabled"

// Config holds all configuration for the Modular API server and CLI.
type Config struct {
	// SecretKey signs bearer tokens and integrity hashes. Required unless
	// resolvable through Vault.
	SecretKey string `mapstructure:"secret_key"`

	// Mode selects the document backend: hosted (Postgres) or
	// self-hosted (Mongo).
	Mode string `mapstructure:"mode"`

	CallsPerSecondLimit string `mapstructure:"calls_per_second_limit"`
	MinCliVersion       string `mapstructure:"min_cli_version"`
	EnablePrivateMode   bool   `mapstructure:"enable_private_mode"`

	ServerLogLevel string `mapstructure:"server_log_level"`
	CliLogLevel    string `mapstructure:"cli_log_level"`
	LogPath        string `mapstructure:"log_path"`

	ModulesPath  string `mapstructure:"modules_path"`
	InitPassword string `mapstructure:"init_password"`

	Server  ServerConfig  `mapstructure:"server"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	DSN     string        `mapstructure:"database_dsn"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Backend BackendConfig `mapstructure:"backend"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MongoConfig holds the self-hosted document backend configuration.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// VaultConfig holds the secret-store configuration. When Address and
// Token are both set, the server key is fetched from Vault.
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	SecretPath string `mapstructure:"secret_path"`
}

// BackendConfig holds the module backend invocation settings.
type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from environment variables (MODULAR_API
// prefix) and an optional config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MODULAR_API")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The listen address keys are flat in the environment.
	_ = v.BindEnv("server.host", "MODULAR_API_HOST")
	_ = v.BindEnv("server.port", "MODULAR_API_PORT")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("modular-api")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/modular-api")
		v.AddConfigPath("$HOME/.modular-api")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; env vars and defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeSelfHosted)
	v.SetDefault("calls_per_second_limit", "10")
	v.SetDefault("server_log_level", "info")
	v.SetDefault("cli_log_level", "warn")

	// AutomaticEnv only resolves keys viper has seen, so every key gets a
	// default even when it is empty.
	v.SetDefault("secret_key", "")
	v.SetDefault("min_cli_version", "")
	v.SetDefault("enable_private_mode", false)
	v.SetDefault("log_path", "")
	v.SetDefault("modules_path", "")
	v.SetDefault("init_password", "")
	v.SetDefault("database_dsn", "")
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "modular_api")

	v.SetDefault("vault.secret_path", "modular-api")

	v.SetDefault("backend.url", "http://localhost:8090")
	v.SetDefault("backend.timeout", 60*time.Second)
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeHosted, ModeSelfHosted:
	default:
		return fmt.Errorf("%w: mode must be %q or %q, got %q",
			pkgerrors.ErrInvalidPayload, ModeHosted, ModeSelfHosted, c.Mode)
	}
	if _, err := c.RateLimit(); err != nil {
		return err
	}
	return nil
}

// RateLimit parses the calls-per-second ceiling. Zero means disabled.
func (c *Config) RateLimit() (int64, error) {
	raw := strings.TrimSpace(c.CallsPerSecondLimit)
	if raw == "" || strings.EqualFold(raw, RateLimitDisabled) {
		return 0, nil
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: calls_per_second_limit must be a non-negative integer or %q",
			pkgerrors.ErrInvalidPayload, RateLimitDisabled)
	}
	return limit, nil
}

// Addr returns the server listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
