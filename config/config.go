/*
Package config loads process configuration from the environment.

An optional .env file in the working directory is read first; variables
already set in the environment win over it.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/warp/ledger-engine/codegen"
	"github.com/warp/ledger-engine/referral"
	"github.com/warp/ledger-engine/settlement"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App struct {
		Port     int    `envconfig:"PORT" default:"8080"`
		LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	}

	DB struct {
		Driver     string `envconfig:"DB_DRIVER" default:"sqlite"`
		SQLitePath string `envconfig:"DB_SQLITE_PATH" default:"ledger.db"`
		Host       string `envconfig:"DB_HOST" default:"localhost"`
		Port       int    `envconfig:"DB_PORT" default:"5432"`
		User       string `envconfig:"DB_USER" default:"ledger"`
		Password   string `envconfig:"DB_PASSWORD" default:""`
		Name       string `envconfig:"DB_NAME" default:"ledger"`
		SSLMode    string `envconfig:"DB_SSLMODE" default:"disable"`
	}

	Ledger struct {
		BuyerDebit string `envconfig:"LEDGER_BUYER_DEBIT" default:"none"`
		NoReferrer string `envconfig:"REFERRAL_NO_REFERRER" default:"mark_paid"`
	}

	Codes struct {
		ReferralLength int `envconfig:"CODE_REFERRAL_LENGTH" default:"8"`
		VoucherLength  int `envconfig:"CODE_VOUCHER_LENGTH" default:"10"`
		MaxAttempts    int `envconfig:"CODE_MAX_ATTEMPTS" default:"20"`
	}

	Metrics struct {
		Enabled bool `envconfig:"METRICS_ENABLED" default:"true"`
	}
}

func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) BuyerDebitPolicy() (settlement.BuyerDebitPolicy, error) {
	return settlement.ParseBuyerDebitPolicy(c.Ledger.BuyerDebit)
}

func (c *Config) NoReferrerPolicy() (referral.NoReferrerPolicy, error) {
	return referral.ParseNoReferrerPolicy(c.Ledger.NoReferrer)
}

func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.App.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Validate rejects values that would only fail later at first use.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DB.Driver) {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER: unknown driver %q", c.DB.Driver)
	}
	if _, err := c.BuyerDebitPolicy(); err != nil {
		return fmt.Errorf("LEDGER_BUYER_DEBIT: %w", err)
	}
	if _, err := c.NoReferrerPolicy(); err != nil {
		return fmt.Errorf("REFERRAL_NO_REFERRER: %w", err)
	}
	if c.Codes.ReferralLength < 1 || c.Codes.VoucherLength < 1 {
		return errors.New("code lengths must be positive")
	}
	if c.Codes.MaxAttempts < 1 {
		return errors.New("CODE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// GeneratorOptions returns the options shared by both code generators.
func (c *Config) GeneratorOptions() []codegen.Option {
	return []codegen.Option{codegen.WithMaxAttempts(c.Codes.MaxAttempts)}
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	cfg.DB.Driver = strings.ToLower(cfg.DB.Driver)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
