package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MBSIM_SERVER_HTTP_PORT.
const EnvPrefix = "MBSIM"

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Listeners []modbus.ListenerConfig `mapstructure:"listeners"`
	Scenario  ScenarioConfig          `mapstructure:"scenario"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Logging   LoggingConfig           `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) HTTPAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort) }
func (s ServerConfig) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// UserConfig is a control API account. PasswordHash is an argon2id hash
// as printed by `mbsim auth hash-password`.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// TokenConfig is a long lived API token for scripts and GUIs. Only the
// SHA-256 of the token is stored.
type TokenConfig struct {
	Name string `mapstructure:"name"`
	Hash string `mapstructure:"hash"`
	Role string `mapstructure:"role"`
}

type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Users          []UserConfig  `mapstructure:"users"`
	Tokens         []TokenConfig `mapstructure:"tokens"`
}

type ScenarioConfig struct {
	// Path is loaded at startup. Empty means the built-in default.
	Path string `mapstructure:"path"`
	// Library selects the scenario store: "file" or "postgres".
	Library string `mapstructure:"library"`
	Dir     string `mapstructure:"dir"`
}

type StorageConfig struct {
	// TransactionLog is the SQLite file for the transaction log. Empty
	// disables it.
	TransactionLog string        `mapstructure:"transaction_log"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "mbsim")
	v.SetDefault("database.user", "mbsim")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("scenario.library", "file")
	v.SetDefault("scenario.dir", "scenarios")

	v.SetDefault("storage.batch_size", 64)
	v.SetDefault("storage.flush_interval", "500ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) into a fresh viper instance.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith reads path into v, which may carry bound command line flags.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Listeners) == 0 {
		config.Listeners = []modbus.ListenerConfig{DefaultListener()}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultListener is the TCP listener used when none is configured.
func DefaultListener() modbus.ListenerConfig {
	return modbus.ListenerConfig{
		Name:      "main",
		Transport: modbus.TransportTCP,
		Address:   "localhost:1502",
	}
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks listener definitions and the scenario library choice.
func (c *Config) Validate() error {
	var errs []error
	names := make(map[string]bool, len(c.Listeners))
	for _, l := range c.Listeners {
		if err := l.Validate(); err != nil {
			errs = append(errs, err)
		}
		if names[l.Name] {
			errs = append(errs, fmt.Errorf("duplicate listener name %q", l.Name))
		}
		names[l.Name] = true
	}
	switch c.Scenario.Library {
	case "file", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown scenario library %q", c.Scenario.Library))
	}
	if c.Scenario.Library == "postgres" && !c.Database.Enabled {
		errs = append(errs, errors.New("postgres scenario library requires database.enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable and falls back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
