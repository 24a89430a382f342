package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hollis/atlas/internal/staleness"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Workspace WorkspaceConfig   `yaml:"workspace"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Staleness StalenessConfig   `yaml:"staleness"`
	Indexer   IndexerConfig     `yaml:"indexer"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Workspace.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Staleness.Validate(); err != nil {
		return err
	}
	if err := c.Indexer.Validate(); err != nil {
		return err
	}
	return c.Pipeline.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// WorkspaceConfig holds the path to the workspace directory.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds the projection cache database configuration.
// The database is derived state; deleting the file and restarting
// rebuilds it from the workspace.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// HorizonConfig expresses staleness horizons in whole days.
type HorizonConfig struct {
	SoftDays int `yaml:"soft_days"`
	HardDays int `yaml:"hard_days"`
}

// Thresholds converts the day counts to durations.
func (c HorizonConfig) Thresholds() staleness.Thresholds {
	return staleness.Thresholds{
		Soft: time.Duration(c.SoftDays) * 24 * time.Hour,
		Hard: time.Duration(c.HardDays) * 24 * time.Hour,
	}
}

// Validate validates the horizon configuration.
func (c HorizonConfig) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.SoftDays, validation.Min(0)),
		validation.Field(&c.HardDays, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.HardDays > 0 && c.SoftDays > c.HardDays {
		return fmt.Errorf("staleness: soft_days %d exceeds hard_days %d", c.SoftDays, c.HardDays)
	}
	return nil
}

// StalenessConfig holds per-kind staleness horizons.
type StalenessConfig struct {
	Vitals       HorizonConfig `yaml:"vitals"`
	Intelligence HorizonConfig `yaml:"intelligence"`
}

// Validate validates the staleness configuration.
func (c *StalenessConfig) Validate() error {
	if err := c.Vitals.Validate(); err != nil {
		return err
	}
	return c.Intelligence.Validate()
}

// IndexerConfig tunes scan concurrency and read-retry behavior.
type IndexerConfig struct {
	Workers       int `yaml:"workers"`
	ReadRetries   int `yaml:"read_retries"`
	BackoffMS     int `yaml:"backoff_ms"`
	MaxFails      int `yaml:"max_fails"`
	RescanMinutes int `yaml:"rescan_minutes"`
}

// Validate validates the indexer configuration.
func (c *IndexerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Min(0)),
		validation.Field(&c.ReadRetries, validation.Min(0)),
		validation.Field(&c.BackoffMS, validation.Min(0)),
		validation.Field(&c.MaxFails, validation.Min(0)),
		validation.Field(&c.RescanMinutes, validation.Min(0)),
	)
}

// RescanInterval returns the periodic full-rescan interval; zero disables it.
func (c *IndexerConfig) RescanInterval() time.Duration {
	return time.Duration(c.RescanMinutes) * time.Minute
}

// PipelineConfig tunes pipeline gathering.
type PipelineConfig struct {
	GatherTimeoutSeconds int `yaml:"gather_timeout_seconds"`
}

// Validate validates the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.GatherTimeoutSeconds, validation.Min(0)),
	)
}

// GatherTimeout returns the per-gather timeout; zero means the default.
func (c *PipelineConfig) GatherTimeout() time.Duration {
	return time.Duration(c.GatherTimeoutSeconds) * time.Second
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Workspace: WorkspaceConfig{
			Path: "./workspace",
		},
		SQLite: SQLiteConfig{
			Path: "./atlas.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Staleness: StalenessConfig{
			Vitals:       HorizonConfig{SoftDays: 14, HardDays: 30},
			Intelligence: HorizonConfig{SoftDays: 30, HardDays: 90},
		},
		Indexer: IndexerConfig{
			Workers:       4,
			ReadRetries:   3,
			BackoffMS:     50,
			MaxFails:      5,
			RescanMinutes: 15,
		},
		Pipeline: PipelineConfig{
			GatherTimeoutSeconds: 30,
		},
	}
}
