// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Development fallbacks. prod mode refuses to start with any of them.
const (
	devPinSalt       = "default_salt_value"
	devSecretKey     = "dev_secret_key"
	devAdminPassword = "admin"
)

type Config struct {
	AppMode  string
	Port     string
	GRPCAddr string

	Database DatabaseConfig

	PinSalt       string
	PinHashScheme string

	SecretKey         string
	TokenTTL          time.Duration
	AdminUser         string
	AdminPassword     string
	AdminPasswordHash string

	TelepoURL    string
	TelepoAPIKey string

	TxTimeout     time.Duration
	NotifyTimeout time.Duration

	// RateLimit and RatePeriod bound /authenticate per peer address. Every call
	// is relayed by the PBX host, so one bucket covers the whole organisation:
	// the default 5 per 60s means at most five handoff attempts per minute in
	// total. Raise RATE_LIMIT for deployments with several divisions.
	RateLimit  int
	RatePeriod time.Duration

	DefaultDivision string

	LogLevel  string
	LogFormat string
}

type DatabaseConfig struct {
	DSN      string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

// URL returns DSN if set, otherwise a postgres URL assembled from the parts.
func (d DatabaseConfig) URL() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

// Load reads .env (missing file is fine) and then the process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds and validates a Config from the environment only.
func FromEnv() (*Config, error) {
	mode := strings.TrimSpace(getEnv("APP_MODE", "dev"))
	if mode != "dev" && mode != "prod" {
		return nil, fmt.Errorf("invalid APP_MODE: %q (must be dev or prod)", mode)
	}

	var errs []error
	dur := func(key string, def time.Duration) time.Duration {
		d, err := parseDuration(getEnv(key, ""), def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	num := func(key string, def int) int {
		raw := getEnv(key, "")
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be a positive integer", key))
			return def
		}
		return n
	}

	cfg := &Config{
		AppMode:  mode,
		Port:     getEnv("PORT", "5000"),
		GRPCAddr: getEnv("GRPC_ADDR", ":9091"),
		Database: DatabaseConfig{
			DSN:      getEnv("DATABASE_DSN", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "oncall"),
			User:     getEnv("DB_USER", "oncall_user"),
			Password: getEnv("DB_PASS", "password"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		PinSalt:           getEnv("PIN_SALT", devPinSalt),
		PinHashScheme:     strings.ToLower(getEnv("PIN_HASH_SCHEME", "hmac")),
		SecretKey:         getEnv("SECRET_KEY", devSecretKey),
		TokenTTL:          dur("TOKEN_TTL", 24*time.Hour),
		AdminUser:         getEnv("ADMIN_USER", "admin"),
		AdminPassword:     getEnv("ADMIN_PASSWORD", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		TelepoURL:         getEnv("TELEPO_API_URL", ""),
		TelepoAPIKey:      getEnv("TELEPO_API_KEY", ""),
		TxTimeout:         dur("TX_TIMEOUT", 3*time.Second),
		NotifyTimeout:     dur("NOTIFY_TIMEOUT", 2*time.Second),
		RateLimit:         num("RATE_LIMIT", 5),
		RatePeriod:        dur("RATE_PERIOD", 60*time.Second),
		DefaultDivision:   getEnv("DEFAULT_DIVISION", "retic_water"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
	}
	if cfg.AdminPassword == "" && cfg.AdminPasswordHash == "" && mode == "dev" {
		cfg.AdminPassword = devAdminPassword
	}

	if cfg.PinHashScheme != "hmac" && cfg.PinHashScheme != "legacy" {
		errs = append(errs, fmt.Errorf("PIN_HASH_SCHEME: %q (must be hmac or legacy)", cfg.PinHashScheme))
	}
	if mode == "prod" {
		errs = append(errs, cfg.prodChecks()...)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) prodChecks() []error {
	var errs []error
	if c.PinSalt == devPinSalt {
		errs = append(errs, errors.New("PIN_SALT must be set in prod"))
	}
	if c.SecretKey == devSecretKey || len(c.SecretKey) < 16 {
		errs = append(errs, errors.New("SECRET_KEY must be set to at least 16 characters in prod"))
	}
	if c.AdminPassword == "" && c.AdminPasswordHash == "" {
		errs = append(errs, errors.New("ADMIN_PASSWORD or ADMIN_PASSWORD_HASH must be set in prod"))
	}
	return errs
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

// parseDuration accepts Go durations ("3s") and bare seconds ("60").
func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return def, errors.New("must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, err
	}
	if d <= 0 {
		return def, errors.New("must be positive")
	}
	return d, nil
}
