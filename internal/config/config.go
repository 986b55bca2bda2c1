// Package config loads process settings from an optional config.yaml, a
// .env file and WARDEN_* environment variables, in increasing priority.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"warden.dev/internal/auth"
)

//go:embed config.yaml
var embeddedConfig []byte

const envPrefix = "WARDEN"

// minSigningKeyLen is the shortest HS256 key accepted.
const minSigningKeyLen = 32

type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`

	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		CORSOrigins     []string      `mapstructure:"cors_origins"`
		RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
		RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
		MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	} `mapstructure:"http"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`

	Database struct {
		Driver          string        `mapstructure:"driver"`
		URL             string        `mapstructure:"url"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"database"`

	Auth struct {
		SigningKey    string        `mapstructure:"signing_key"`
		Issuer        string        `mapstructure:"issuer"`
		AccessTTL     time.Duration `mapstructure:"access_ttl"`
		RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
		BcryptCost    int           `mapstructure:"bcrypt_cost"`
		ResetTTL      time.Duration `mapstructure:"reset_ttl"`
		FrontendURL   string        `mapstructure:"frontend_url"`
		LoginAttempts int           `mapstructure:"login_attempts"`
		LoginWindow   time.Duration `mapstructure:"login_window"`
	} `mapstructure:"auth"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	RabbitMQ struct {
		URL        string `mapstructure:"url"`
		Queue      string `mapstructure:"queue"`
		MaxRetries int    `mapstructure:"max_retries"`
	} `mapstructure:"rabbitmq"`

	SMTP struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		From     string `mapstructure:"from"`
		FromName string `mapstructure:"from_name"`
		StartTLS bool   `mapstructure:"starttls"`
	} `mapstructure:"smtp"`

	Mail struct {
		MaxAttempts int `mapstructure:"max_attempts"`
	} `mapstructure:"mail"`
}

// Load reads configuration. path names an explicit config file; when empty
// the working directory and ./config are searched and the embedded defaults
// are used if nothing is found.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(embeddedConfig)); err != nil {
		return Config{}, fmt.Errorf("read embedded config: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.HTTP.CORSOrigins = splitList(cfg.HTTP.CORSOrigins)
	return cfg, nil
}

// Validate checks the settings every binary depends on. Failures are
// *auth.ConfigError.
func (c Config) Validate() error {
	if len(c.Auth.SigningKey) < minSigningKeyLen {
		return &auth.ConfigError{Field: "auth.signing_key", Reason: fmt.Sprintf("must be at least %d bytes", minSigningKeyLen)}
	}
	if c.Auth.AccessTTL <= 0 {
		return &auth.ConfigError{Field: "auth.access_ttl", Reason: "must be positive"}
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return &auth.ConfigError{Field: "auth.refresh_ttl", Reason: "must exceed access_ttl"}
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		return &auth.ConfigError{Field: "auth.bcrypt_cost", Reason: fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)}
	}
	if c.Auth.ResetTTL <= 0 {
		return &auth.ConfigError{Field: "auth.reset_ttl", Reason: "must be positive"}
	}
	if u, err := url.Parse(c.Auth.FrontendURL); err != nil || u.Scheme == "" || u.Host == "" {
		return &auth.ConfigError{Field: "auth.frontend_url", Reason: "must be an absolute URL"}
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return &auth.ConfigError{Field: "database.url", Reason: "required for the postgres driver"}
		}
	case "memory":
	default:
		return &auth.ConfigError{Field: "database.driver", Reason: fmt.Sprintf("unknown driver %q", c.Database.Driver)}
	}
	if c.HTTP.Addr == "" {
		return &auth.ConfigError{Field: "http.addr", Reason: "required"}
	}
	if c.Env != "dev" && c.RabbitMQ.URL == "" {
		return &auth.ConfigError{Field: "rabbitmq.url", Reason: "required outside dev, reset mail is otherwise never delivered"}
	}
	return nil
}

// TokenConfig maps the auth section onto the token service settings.
func (c Config) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		SigningKey: c.Auth.SigningKey,
		Issuer:     c.Auth.Issuer,
		AccessTTL:  c.Auth.AccessTTL,
		RefreshTTL: c.Auth.RefreshTTL,
	}
}

func (c Config) ResetConfig() auth.ResetConfig {
	return auth.ResetConfig{TTL: c.Auth.ResetTTL, FrontendURL: c.Auth.FrontendURL}
}

// splitList flattens comma-separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
