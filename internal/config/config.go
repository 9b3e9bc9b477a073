// Package config loads murmur's settings from an optional YAML file,
// MURMUR_ environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/felixgeelhaar/murmur/internal/credential"
	"github.com/felixgeelhaar/murmur/internal/guard"
	"github.com/felixgeelhaar/murmur/internal/kv"
	"github.com/felixgeelhaar/murmur/internal/provider"
	"github.com/felixgeelhaar/murmur/internal/store"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix  = "MURMUR"
	configName = "config"
	configType = "yaml"
	configDir  = ".murmur"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Quota    QuotaConfig    `mapstructure:"quota" yaml:"quota"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Guard    GuardConfig    `mapstructure:"guard" yaml:"guard"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	SendTimeout  time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
}

type QuotaConfig struct {
	SessionTTL  time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	MaxMemoryMB int           `mapstructure:"max_memory_mb" yaml:"max_memory_mb"`
	MaxRooms    int           `mapstructure:"max_rooms" yaml:"max_rooms"`
	MaxEvents   int           `mapstructure:"max_events" yaml:"max_events"`
}

type StoreConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	SQLitePath    string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type ProviderConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type GuardConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedTools   []string `mapstructure:"allowed_tools" yaml:"allowed_tools"`
	MaxInputBytes  int      `mapstructure:"max_input_bytes" yaml:"max_input_bytes"`
	MaxIterations  int      `mapstructure:"max_iterations" yaml:"max_iterations"`
}

type LogConfig struct {
	Verbose bool `mapstructure:"verbose" yaml:"verbose"`
	JSON    bool `mapstructure:"json" yaml:"json"`
}

func setDefaults(v *viper.Viper) {
	limits := store.DefaultLimits()
	policy := guard.DefaultPolicy

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.send_timeout", 5*time.Second)

	v.SetDefault("quota.session_ttl", limits.SessionTTL)
	v.SetDefault("quota.max_memory_mb", int(limits.MaxMemoryBytes/(1024*1024)))
	v.SetDefault("quota.max_rooms", limits.MaxRooms)
	v.SetDefault("quota.max_events", limits.MaxEventsPerRoom)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "murmur.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.sweep_interval", time.Minute)

	v.SetDefault("provider.name", "stub")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "")

	v.SetDefault("guard.allowed_origins", policy.AllowedOrigins)
	v.SetDefault("guard.allowed_tools", policy.AllowedTools)
	v.SetDefault("guard.max_input_bytes", policy.MaxInputBytes)
	v.SetDefault("guard.max_iterations", policy.MaxIterations)

	v.SetDefault("log.verbose", false)
	v.SetDefault("log.json", false)
}

// Loader reads configuration through one viper instance so it can be
// re-read when the file changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader. An empty path searches $HOME/.murmur and the
// working directory for config.yaml.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, configDir))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, path: path}
}

// Load reads the file, if any, and returns the validated configuration.
// A missing file is only an error when its path was given explicitly.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if credential.IsSealed(cfg.Provider.APIKey) {
		sealer, err := credential.FromEnv()
		if err != nil {
			return nil, err
		}
		if cfg.Provider.APIKey, err = sealer.Open(cfg.Provider.APIKey); err != nil {
			return nil, fmt.Errorf("provider.api_key: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the file whenever it changes and hands the result to fn.
// It does nothing when no file is in use.
func (l *Loader) Watch(fn func(*Config, error)) bool {
	if l.File() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
	return true
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.SendTimeout <= 0 {
		errs = append(errs, errors.New("server.send_timeout must be positive"))
	}
	if c.Quota.SessionTTL <= 0 {
		errs = append(errs, errors.New("quota.session_ttl must be positive"))
	}
	if c.Quota.MaxMemoryMB <= 0 {
		errs = append(errs, errors.New("quota.max_memory_mb must be positive"))
	}
	if c.Quota.MaxRooms <= 0 {
		errs = append(errs, errors.New("quota.max_rooms must be positive"))
	}
	if c.Quota.MaxEvents <= 0 {
		errs = append(errs, errors.New("quota.max_events must be positive"))
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, sqlite, redis", c.Store.Backend))
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
	}
	switch strings.ToLower(c.Provider.Name) {
	case "stub", "openai", "gemini", "ollama", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("provider.name %q is not supported", c.Provider.Name))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("guard: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Limits converts the quota section into store limits.
func (c *Config) Limits() store.Limits {
	return store.Limits{
		SessionTTL:       c.Quota.SessionTTL,
		MaxMemoryBytes:   int64(c.Quota.MaxMemoryMB) * 1024 * 1024,
		MaxRooms:         c.Quota.MaxRooms,
		MaxEventsPerRoom: c.Quota.MaxEvents,
	}
}

// Policy converts the guard section into a guard policy.
func (c *Config) Policy() guard.Policy {
	p := guard.DefaultPolicy
	p.AllowedOrigins = c.Guard.AllowedOrigins
	p.AllowedTools = c.Guard.AllowedTools
	p.MaxInputBytes = c.Guard.MaxInputBytes
	p.MaxIterations = c.Guard.MaxIterations
	return p
}

// KV converts the store section into backend options.
func (c *Config) KV() kv.Options {
	return kv.Options{
		Backend:    c.Store.Backend,
		SQLitePath: c.Store.SQLitePath,
		RedisAddr:  c.Store.RedisAddr,
		RedisDB:    c.Store.RedisDB,
	}
}

// ProviderConfig converts the provider section for provider.New.
func (c *Config) ProviderConfig() provider.Config {
	return provider.Config{
		Name:    c.Provider.Name,
		Model:   c.Provider.Model,
		APIKey:  c.Provider.APIKey,
		BaseURL: c.Provider.BaseURL,
	}
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.Provider.APIKey != "" {
		redacted.Provider.APIKey = "********"
	}
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
