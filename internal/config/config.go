// Package config loads Lockwarden settings through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/otel"
	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Conflicts ConflictsConfig `mapstructure:"conflicts"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry otel.Config     `mapstructure:"telemetry"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Routing   RoutingConfig   `mapstructure:"routing"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig controls persistence.
type StoreConfig struct {
	// Path of the SQLite database. Empty keeps state in memory only.
	Path string `mapstructure:"path"`
	// PersistSchedule is a cron spec for periodic saves.
	PersistSchedule string `mapstructure:"persist_schedule"`
	// ActivityRetention bounds how many activity entries are restored.
	ActivityRetention int `mapstructure:"activity_retention"`
}

// LocksConfig controls the Lock Manager.
type LocksConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxTTL        time.Duration `mapstructure:"max_ttl"`
	FairAdmission bool          `mapstructure:"fair_admission"`
}

// ConflictsConfig controls the Conflict Detector.
type ConflictsConfig struct {
	DefaultStrategy  string        `mapstructure:"default_strategy"`
	NegotiateTimeout time.Duration `mapstructure:"negotiate_timeout"`
	StaleGrace       time.Duration `mapstructure:"stale_grace"`
	SemanticSchedule string        `mapstructure:"semantic_schedule"`
}

// AgentsConfig controls the Agent Registry.
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// SchedulerConfig controls the lease timer loop.
type SchedulerConfig struct {
	Tick          time.Duration `mapstructure:"tick"`
	AutoDispatch  bool          `mapstructure:"auto_dispatch"`
	DispatchLimit int           `mapstructure:"dispatch_limit"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// NATSConfig controls the optional event relay.
type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Embedded bool   `mapstructure:"embedded"`
	URL      string `mapstructure:"url"`
	Port     int    `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	Token    string `mapstructure:"token"`
}

// RoutingConfig points at the capability inference rules.
type RoutingConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:7466",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:              filepath.Join(ConfigDir(), "lockwarden.db"),
			PersistSchedule:   "@every 30s",
			ActivityRetention: 10000,
		},
		Locks: LocksConfig{
			DefaultTTL: 5 * time.Minute,
			MaxTTL:     time.Hour,
		},
		Conflicts: ConflictsConfig{
			DefaultStrategy:  "wait",
			NegotiateTimeout: 5 * time.Minute,
			StaleGrace:       time.Minute,
			SemanticSchedule: "@every 1m",
		},
		Agents: AgentsConfig{
			HeartbeatTimeout: 2 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Tick:          time.Second,
			AutoDispatch:  false,
			DispatchLimit: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "lockwarden",
			SampleRate:  1.0,
		},
		NATS: NATSConfig{
			Embedded: true,
			Port:     4222,
		},
		Routing: RoutingConfig{
			RulesFile: filepath.Join(ConfigDir(), "routing.yaml"),
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.persist_schedule", d.Store.PersistSchedule)
	v.SetDefault("store.activity_retention", d.Store.ActivityRetention)

	v.SetDefault("locks.default_ttl", d.Locks.DefaultTTL)
	v.SetDefault("locks.max_ttl", d.Locks.MaxTTL)
	v.SetDefault("locks.fair_admission", d.Locks.FairAdmission)

	v.SetDefault("conflicts.default_strategy", d.Conflicts.DefaultStrategy)
	v.SetDefault("conflicts.negotiate_timeout", d.Conflicts.NegotiateTimeout)
	v.SetDefault("conflicts.stale_grace", d.Conflicts.StaleGrace)
	v.SetDefault("conflicts.semantic_schedule", d.Conflicts.SemanticSchedule)

	v.SetDefault("agents.heartbeat_timeout", d.Agents.HeartbeatTimeout)

	v.SetDefault("scheduler.tick", d.Scheduler.Tick)
	v.SetDefault("scheduler.auto_dispatch", d.Scheduler.AutoDispatch)
	v.SetDefault("scheduler.dispatch_limit", d.Scheduler.DispatchLimit)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.embedded", d.NATS.Embedded)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.port", d.NATS.Port)
	v.SetDefault("nats.data_dir", d.NATS.DataDir)
	v.SetDefault("nats.token", d.NATS.Token)

	v.SetDefault("routing.rules_file", d.Routing.RulesFile)
}

// Init prepares v: defaults, search paths, LOCKWARDEN_ environment
// overrides, then reads the file if there is one. A missing file is not an
// error.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("LOCKWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the user's Lockwarden config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lockwarden")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lockwarden"
	}
	return filepath.Join(home, ".config", "lockwarden")
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Reload re-reads the file v was initialised with and returns the new
// configuration. On any error the previous settings stay in effect.
func Reload(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return Load(v)
}
