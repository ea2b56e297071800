package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServerConfig holds admin adapter settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
	Mode      string `mapstructure:"mode"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RunsConfig controls execution log retention.
type RunsConfig struct {
	Retention int `mapstructure:"retention"`
}

// SchedulerConfig holds job registry and executor settings.
type SchedulerConfig struct {
	MaxInstances   int           `mapstructure:"max_instances"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	IOWorkers      int           `mapstructure:"io_workers"`
	ProcessWorkers int           `mapstructure:"process_workers"`
	Interpreter    string        `mapstructure:"interpreter"`
	OutputLimit    int           `mapstructure:"output_limit"`
}

// VaultConfig holds the credential key derivation inputs.
type VaultConfig struct {
	Secret string `mapstructure:"secret"`
	Salt   string `mapstructure:"salt"`
}

// PoolConfig holds external connection pool bounds.
type PoolConfig struct {
	MinSize     int           `mapstructure:"min_size"`
	MaxSize     int           `mapstructure:"max_size"`
	ConnMaxIdle time.Duration `mapstructure:"conn_max_idle"`
	TestTimeout time.Duration `mapstructure:"test_timeout"`
}

// NotifyConfig holds failure notification settings.
type NotifyConfig struct {
	BarkURL       string `mapstructure:"bark_url"`
	BarkEnabled   bool   `mapstructure:"bark_enabled"`
	RatePerMinute int    `mapstructure:"rate_per_minute"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Notify    NotifyConfig    `mapstructure:"notify"`

	StateDir      string        `mapstructure:"state_dir"`
	Timezone      string        `mapstructure:"timezone"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

const (
	envPrefix = "OPSCRON"
	appName   = "opscron"
)

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":           "server.addr",
	"mode":           "server.mode",
	"state-dir":      "state_dir",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"timezone":       "timezone",
	"shutdown-grace": "shutdown_grace",
	"run-log-keep":   "runs.retention",
}

// SetDefaults registers the default value of every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:7070")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.mode", "http")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("runs.retention", 100)

	v.SetDefault("scheduler.max_instances", 3)
	v.SetDefault("scheduler.retry_backoff", 5*time.Second)
	v.SetDefault("scheduler.io_workers", 20)
	v.SetDefault("scheduler.process_workers", 5)
	v.SetDefault("scheduler.interpreter", "python3")
	v.SetDefault("scheduler.output_limit", 1<<20)

	v.SetDefault("vault.secret", "dbadmin_password_key")
	v.SetDefault("vault.salt", "dbadmin_salt_v1")

	v.SetDefault("pool.min_size", 1)
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.conn_max_idle", 5*time.Minute)
	v.SetDefault("pool.test_timeout", 5*time.Second)

	v.SetDefault("notify.bark_url", "")
	v.SetDefault("notify.bark_enabled", false)
	v.SetDefault("notify.rate_per_minute", 10)

	v.SetDefault("state_dir", "")
	v.SetDefault("timezone", "Local")
	v.SetDefault("shutdown_grace", 5*time.Second)
}

// RegisterFlags adds the daemon flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("addr", "", "HTTP listen address")
	fs.String("mode", "", "Admin surface: http, mcp or both")
	fs.String("state-dir", "", "Directory to store the database")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("log-format", "", "Log format (console, json)")
	fs.String("timezone", "", "IANA zone used for cron evaluation (Local, UTC, Asia/Shanghai...)")
	fs.Duration("shutdown-grace", 0, "Grace period for in-flight runs when shutting down")
	fs.Int("run-log-keep", 0, "Number of recent runs to retain per task")
}

// Load reads configuration. Priority: CLI flags > environment variables >
// .env file > config file > defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, *viper.Viper, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, appName, ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional; godotenv never overrides variables already set
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := ""
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			configPath = f.Value.String()
		}
	}
	if configPath == "" {
		configPath = os.Getenv(envPrefix + "_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "read config file %s", configPath)
		}
	} else {
		v.SetConfigName(appName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, appName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, nil, errors.Wrap(err, "read config file")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, errors.Wrap(err, "decode config")
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.normalize(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func (c *Config) normalize() error {
	switch c.Server.Mode {
	case "", "http":
		c.Server.Mode = "http"
	case "mcp", "both":
	default:
		return errors.Newf("invalid mode %q, valid modes are http, mcp, both", c.Server.Mode)
	}
	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return errors.Wrap(err, "resolve default state dir")
		}
		c.StateDir = dir
	}
	if c.Runs.Retention < 1 {
		c.Runs.Retention = 100
	}
	if c.Scheduler.MaxInstances < 1 {
		c.Scheduler.MaxInstances = 3
	}
	if c.Scheduler.IOWorkers < 1 {
		c.Scheduler.IOWorkers = 20
	}
	if c.Scheduler.ProcessWorkers < 1 {
		c.Scheduler.ProcessWorkers = 5
	}
	if c.Scheduler.RetryBackoff < 0 {
		c.Scheduler.RetryBackoff = 0
	}
	if c.Pool.MaxSize < 1 {
		c.Pool.MaxSize = 10
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		c.Pool.MinSize = 1
	}
	if c.Pool.TestTimeout <= 0 {
		c.Pool.TestTimeout = 5 * time.Second
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	switch strings.ToLower(c.Timezone) {
	case "", "local":
		return time.Local, nil
	case "utc":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", c.Timezone)
	}
	return loc, nil
}

// Watch re-reads the config file on change and applies the log level
// through setLevel. Nothing happens when no config file is in use.
func Watch(v *viper.Viper, setLevel func(string), logger *slog.Logger) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	current := v.GetString("log.level")
	v.OnConfigChange(func(ev fsnotify.Event) {
		if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		level := v.GetString("log.level")
		if level != current {
			setLevel(level)
			logger.Info("log level changed", "level", level, "file", ev.Name)
			current = level
			return
		}
		logger.Info("config file changed; settings other than log.level apply on restart", "file", ev.Name)
	})
	v.WatchConfig()
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, appName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
