// Package config holds the engine's tunables, loadable from YAML via
// sigs.k8s.io/yaml or built programmatically with functional options.
package config

import (
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// SyncDirection controls the order of push/pull within a cycle.
type SyncDirection string

const (
	PushThenPull SyncDirection = "pushThenPull"
	PullThenPush SyncDirection = "pullThenPush"
	PushOnly     SyncDirection = "pushOnly"
	PullOnly     SyncDirection = "pullOnly"
)

// UserSwitchStrategy controls switchUser's behavior toward the
// outgoing user's unsynced data.
type UserSwitchStrategy string

const (
	SyncThenSwitch       UserSwitchStrategy = "syncThenSwitch"
	ClearAndFetch        UserSwitchStrategy = "clearAndFetch"
	PromptIfUnsyncedData UserSwitchStrategy = "promptIfUnsyncedData"
	KeepLocal            UserSwitchStrategy = "keepLocal"
)

// Migration describes one schema migration step.
type Migration struct {
	FromVersion int                                                 `json:"-" yaml:"-"`
	ToVersion   int                                                 `json:"-" yaml:"-"`
	Migrate     func(record map[string]any) (map[string]any, error) `json:"-" yaml:"-"`
}

// Config enumerates every engine tunable.
type Config struct {
	AutoSyncInterval   time.Duration `json:"autoSyncInterval" yaml:"autoSyncInterval"`
	AutoSyncOnConnect  bool          `json:"autoSyncOnConnect" yaml:"autoSyncOnConnect"`
	MaxRetries         int           `json:"maxRetries" yaml:"maxRetries"`
	RetryDelay         time.Duration `json:"retryDelay" yaml:"retryDelay"`
	BatchSize          int           `json:"batchSize" yaml:"batchSize"`
	MaxConcurrentSyncs int           `json:"maxConcurrentSyncs" yaml:"maxConcurrentSyncs"`

	DefaultSyncDirection      SyncDirection      `json:"defaultSyncDirection" yaml:"defaultSyncDirection"`
	DefaultUserSwitchStrategy UserSwitchStrategy `json:"defaultUserSwitchStrategy" yaml:"defaultUserSwitchStrategy"`

	EnablePartialUpdates bool `json:"enablePartialUpdates" yaml:"enablePartialUpdates"`
	EnableRealTimeSync   bool `json:"enableRealTimeSync" yaml:"enableRealTimeSync"`
	EnableLogging        bool `json:"enableLogging" yaml:"enableLogging"`

	SyncTimeout time.Duration `json:"syncTimeout" yaml:"syncTimeout"`

	SchemaVersion int         `json:"schemaVersion" yaml:"schemaVersion"`
	Migrations    []Migration `json:"-" yaml:"-"`
	// OnMigrationError, if set, may swallow a migration failure by
	// returning nil; returning the error (or a different one)
	// propagates it.
	OnMigrationError func(error) error `json:"-" yaml:"-"`

	AutoStartSync bool   `json:"autoStartSync" yaml:"autoStartSync"`
	InitialUserID string `json:"initialUserId" yaml:"initialUserId"`
}

// Default returns the baseline tunables new Managers start from.
func Default() Config {
	return Config{
		AutoSyncInterval:          5 * time.Minute,
		AutoSyncOnConnect:         true,
		MaxRetries:                3,
		RetryDelay:                5 * time.Second,
		BatchSize:                 50,
		MaxConcurrentSyncs:        8,
		DefaultSyncDirection:      PushThenPull,
		DefaultUserSwitchStrategy: PromptIfUnsyncedData,
		EnablePartialUpdates:      false,
		EnableRealTimeSync:        true,
		EnableLogging:             true,
		SyncTimeout:               0,
		SchemaVersion:             1,
	}
}

// Load reads a YAML file and overlays it onto Default(). Fields the
// file omits keep their default value. Migrations and the
// OnMigrationError hook are not representable in YAML and must be
// attached programmatically after Load returns.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Option mutates a Config being built programmatically.
type Option func(*Config)

// New builds a Config starting from Default() and applying opts in order.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithBatchSize(n int) Option             { return func(c *Config) { c.BatchSize = n } }
func WithMaxRetries(n int) Option            { return func(c *Config) { c.MaxRetries = n } }
func WithSyncTimeout(d time.Duration) Option { return func(c *Config) { c.SyncTimeout = d } }
func WithMigrations(target int, migrations ...Migration) Option {
	return func(c *Config) {
		c.SchemaVersion = target
		c.Migrations = migrations
	}
}
func WithOnMigrationError(fn func(error) error) Option {
	return func(c *Config) { c.OnMigrationError = fn }
}
