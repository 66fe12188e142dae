// Package config loads calsync settings from a YAML file and the
// environment, and validates them against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// Remote kinds.
const (
	RemoteNone     = "none"
	RemoteMemory   = "memory"
	RemoteHTTP     = "http"
	RemotePostgres = "postgres"
)

// Config is the full calsync configuration.
type Config struct {
	DBPath     string           `yaml:"db_path" json:"db_path"`
	AccountID  string           `yaml:"account_id" json:"account_id"`
	OwnerIDs   []string         `yaml:"owner_ids" json:"owner_ids,omitempty"`
	Remote     RemoteConfig     `yaml:"remote" json:"remote"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Streak     StreakConfig     `yaml:"streak" json:"streak"`
	Adjustment AdjustmentConfig `yaml:"adjustment" json:"adjustment"`
	Referral   ReferralConfig   `yaml:"referral" json:"referral"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// RemoteConfig selects the remote backing store.
type RemoteConfig struct {
	Kind        string `yaml:"kind" json:"kind"`
	URL         string `yaml:"url" json:"url"`
	Token       string `yaml:"token" json:"token"`
	DatabaseURL string `yaml:"database_url" json:"database_url"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	FlushTimeoutMS  int `yaml:"flush_timeout_ms" json:"flush_timeout_ms"`
	RetryIntervalMS int `yaml:"retry_interval_ms" json:"retry_interval_ms"`
	PullPageSize    int `yaml:"pull_page_size" json:"pull_page_size"`
}

// FlushTimeout bounds each remote call.
func (s SyncConfig) FlushTimeout() time.Duration {
	return time.Duration(s.FlushTimeoutMS) * time.Millisecond
}

// RetryInterval is how often a deferred engine retries.
func (s SyncConfig) RetryInterval() time.Duration {
	return time.Duration(s.RetryIntervalMS) * time.Millisecond
}

// StreakConfig tunes the freeze allowance.
type StreakConfig struct {
	MonthlyFreezes int `yaml:"monthly_freezes" json:"monthly_freezes"`
}

// AdjustmentConfig tunes calorie adjustment proposals.
type AdjustmentConfig struct {
	WindowDays         int     `yaml:"window_days" json:"window_days"`
	ThresholdKgPerWeek float64 `yaml:"threshold_kg_per_week" json:"threshold_kg_per_week"`
	KcalPerKg          float64 `yaml:"kcal_per_kg" json:"kcal_per_kg"`
}

// ReferralConfig tunes referral rewards.
type ReferralConfig struct {
	BonusEntries int `yaml:"bonus_entries" json:"bonus_entries"`
}

// ServerConfig configures `calsync serve`.
type ServerConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:    "calsync.db",
		AccountID: "local",
		Remote:    RemoteConfig{Kind: RemoteNone},
		Sync: SyncConfig{
			FlushTimeoutMS:  10_000,
			RetryIntervalMS: 30_000,
			PullPageSize:    200,
		},
		Streak: StreakConfig{MonthlyFreezes: 2},
		Adjustment: AdjustmentConfig{
			WindowDays:         14,
			ThresholdKgPerWeek: 0.25,
			KcalPerKg:          7700,
		},
		Referral: ReferralConfig{BonusEntries: 5},
		Server:   ServerConfig{Addr: ":8080"},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/calsync/config.yaml (or the
// platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "calsync", "config.yaml")
}

// Env looks up an environment variable.
type Env func(key string) (string, bool)

// Load reads the config at path, applies environment overrides and
// validates the result. An empty path means DefaultPath, which may be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, env Env) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg, env)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, env Env) {
	if env == nil {
		return
	}
	if v, ok := env("CALSYNC_DB"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := env("CALSYNC_ACCOUNT"); ok && v != "" {
		cfg.AccountID = v
	}
	if v, ok := env("CALSYNC_REMOTE_URL"); ok && v != "" {
		cfg.Remote.URL = v
		if cfg.Remote.Kind == RemoteNone {
			cfg.Remote.Kind = RemoteHTTP
		}
	}
	if v, ok := env("CALSYNC_REMOTE_TOKEN"); ok {
		cfg.Remote.Token = v
	}
	if v, ok := env("CALSYNC_DATABASE_URL"); ok && v != "" {
		cfg.Remote.DatabaseURL = v
		if cfg.Remote.Kind == RemoteNone {
			cfg.Remote.Kind = RemotePostgres
		}
	}
	if v, ok := env("CALSYNC_JWT_SECRET"); ok {
		cfg.Server.JWTSecret = v
	}
	if v, ok := env("CALSYNC_SERVER_ADDR"); ok && v != "" {
		cfg.Server.Addr = v
	}
}

// Validate checks cfg against the embedded schema.
func Validate(cfg *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(cfg))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", cueerrors.Details(err, nil))
	}
	return nil
}
