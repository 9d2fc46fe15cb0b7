package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"podtask/internal/core"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	Mode      string `yaml:"mode"` // http, mcp or both
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// KubeConfig holds the execution pod settings.
type KubeConfig struct {
	Kubeconfig     string        `yaml:"kubeconfig"`
	Namespace      string        `yaml:"namespace"`
	Image          string        `yaml:"image"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// RunConfig holds orchestration settings.
type RunConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// SweepConfig controls the orphaned pod sweeper.
type SweepConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	OrphanAge time.Duration `yaml:"orphan_age"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig `yaml:"bark"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Kube         KubeConfig         `yaml:"kube"`
	Run          RunConfig          `yaml:"run"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Notification NotificationConfig `yaml:"notification"`

	StateDir      string        `yaml:"state_dir"`
	UseUTC        bool          `yaml:"use_utc"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

const (
	defaultAddr           = "0.0.0.0:8080"
	defaultMode           = "http"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultLogMaxSizeMB   = 50
	defaultLogMaxBackups  = 5
	defaultLogMaxAgeDays  = 14
	defaultNamespace      = "default"
	defaultImage          = "busybox"
	defaultPollInterval   = time.Second
	defaultMaxOutputBytes = 1 << 20
	defaultFetchTimeout   = time.Minute
	defaultSweepSchedule  = "*/10 * * * *"
	defaultOrphanAge      = 3 * core.DefaultWaitTimeout
	defaultShutdownGrace  = 5 * time.Second
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: defaultAddr, Mode: defaultMode},
		Log: LogConfig{
			Level:      defaultLogLevel,
			Format:     defaultLogFormat,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
		Kube: KubeConfig{
			Namespace:      defaultNamespace,
			Image:          defaultImage,
			PollInterval:   defaultPollInterval,
			MaxOutputBytes: defaultMaxOutputBytes,
			FetchTimeout:   defaultFetchTimeout,
		},
		Run: RunConfig{WaitTimeout: core.DefaultWaitTimeout},
		Sweep: SweepConfig{
			Enabled:   true,
			Schedule:  defaultSweepSchedule,
			OrphanAge: defaultOrphanAge,
		},
		ShutdownGrace: defaultShutdownGrace,
	}
}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses the process flags and environment into Config.
func Parse() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds a Config from args and the environment.
// Priority: CLI flags > environment variables > .env file > YAML file > defaults
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("podtaskd", flag.ContinueOnError)
	var (
		configPath    string
		addr          string
		mode          string
		logLevel      string
		stateDir      string
		namespace     string
		kubeconfig    string
		useUTC        bool
		waitTimeout   time.Duration
		shutdownGrace time.Duration
	)
	fs.StringVar(&configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the task database")
	fs.StringVar(&namespace, "namespace", "", "Namespace for execution pods")
	fs.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig (default: in-cluster)")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for the sweep schedule instead of system local time")
	fs.DurationVar(&waitTimeout, "wait-timeout", 0, "Upper bound on waiting for an execution pod")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load .env files if present. godotenv stops at the first missing file,
	// so each one is loaded on its own; earlier files win.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "podtask", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	cfg := Default()
	if configPath == "" {
		configPath = os.Getenv("PODTASK_CONFIG")
	}
	if configPath != "" {
		if err := loadYAML(configPath, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if namespace != "" {
		cfg.Kube.Namespace = namespace
	}
	if kubeconfig != "" {
		cfg.Kube.Kubeconfig = kubeconfig
	}
	// For bool flags, check if explicitly set via flag.Visit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "wait-timeout":
			cfg.Run.WaitTimeout = waitTimeout
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MinOrphanAge is the longest a pod can live under a single run: the wait
// bound plus one poll, the log fetch and the deferred cleanup. A sweeper with a
// shorter orphan age could delete a pod that is still in use.
func (c *Config) MinOrphanAge() time.Duration {
	return c.Run.WaitTimeout + c.Kube.PollInterval + c.Kube.FetchTimeout + core.CleanupTimeout
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Mode {
	case "http", "mcp", "both":
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q: want http, mcp or both", c.Server.Mode))
	}
	if c.Run.WaitTimeout <= 0 {
		errs = append(errs, errors.New("wait timeout must be positive"))
	}
	if c.Kube.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Kube.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("max output bytes must not be negative"))
	}
	if c.Kube.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.Sweep.Enabled {
		if _, err := core.ParseCron(c.Sweep.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sweep schedule: %w", err))
		}
		if minAge := c.MinOrphanAge(); c.Sweep.OrphanAge < minAge {
			errs = append(errs, fmt.Errorf("orphan age %s is shorter than the longest run lifetime %s", c.Sweep.OrphanAge, minAge))
		}
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		errs = append(errs, errors.New("bark is enabled but no url is set"))
	}
	return errors.Join(errs...)
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnvString("PODTASK_ADDR", cfg.Server.Addr)
	cfg.Server.AuthToken = getEnvString("PODTASK_AUTH_TOKEN", cfg.Server.AuthToken)
	cfg.Server.Mode = getEnvString("PODTASK_MODE", cfg.Server.Mode)

	cfg.Log.Level = getEnvString("PODTASK_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvString("PODTASK_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnvString("PODTASK_LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = getEnvInt("PODTASK_LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = getEnvInt("PODTASK_LOG_MAX_BACKUPS", cfg.Log.MaxBackups)
	cfg.Log.MaxAgeDays = getEnvInt("PODTASK_LOG_MAX_AGE_DAYS", cfg.Log.MaxAgeDays)

	cfg.Kube.Kubeconfig = getEnvString("PODTASK_KUBECONFIG", cfg.Kube.Kubeconfig)
	cfg.Kube.Namespace = getEnvString("PODTASK_NAMESPACE", cfg.Kube.Namespace)
	cfg.Kube.Image = getEnvString("PODTASK_IMAGE", cfg.Kube.Image)
	cfg.Kube.PollInterval = getEnvDuration("PODTASK_POLL_INTERVAL", cfg.Kube.PollInterval)
	cfg.Kube.MaxOutputBytes = getEnvInt64("PODTASK_MAX_OUTPUT_BYTES", cfg.Kube.MaxOutputBytes)
	cfg.Kube.FetchTimeout = getEnvDuration("PODTASK_FETCH_TIMEOUT", cfg.Kube.FetchTimeout)

	cfg.Run.WaitTimeout = getEnvDuration("PODTASK_WAIT_TIMEOUT", cfg.Run.WaitTimeout)

	cfg.Sweep.Enabled = getEnvBool("PODTASK_SWEEP_ENABLED", cfg.Sweep.Enabled)
	cfg.Sweep.Schedule = getEnvString("PODTASK_SWEEP_SCHEDULE", cfg.Sweep.Schedule)
	cfg.Sweep.OrphanAge = getEnvDuration("PODTASK_ORPHAN_AGE", cfg.Sweep.OrphanAge)

	cfg.Notification.Bark.URL = getEnvString("PODTASK_BARK_URL", cfg.Notification.Bark.URL)
	cfg.Notification.Bark.Enabled = getEnvBool("PODTASK_BARK_ENABLED", cfg.Notification.Bark.Enabled)

	cfg.StateDir = getEnvString("PODTASK_STATE_DIR", cfg.StateDir)
	cfg.UseUTC = getEnvBool("PODTASK_USE_UTC", cfg.UseUTC)
	cfg.ShutdownGrace = getEnvDuration("PODTASK_SHUTDOWN_GRACE", cfg.ShutdownGrace)
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "podtask")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
