package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/ijave/internal/otel"
)

// GenerationConfig sets the defaults of new generation jobs and how they are
// driven.
type GenerationConfig struct {
	Steps    int     `yaml:"steps"`
	Strength float64 `yaml:"strength"`
	// ResumeSpec is the cron expression of the sweep that reschedules
	// unfinished jobs. "off" disables it.
	ResumeSpec string `yaml:"resume_spec"`
	// AutoContinue runs jobs to completion without clients asking for each
	// step.
	AutoContinue bool `yaml:"auto_continue"`
}

// EngineConfig describes the engine child process. An empty Command runs
// this binary's own "engine" subcommand.
type EngineConfig struct {
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args"`
	Env              map[string]string `yaml:"env"`
	ExitGraceSeconds int               `yaml:"exit_grace_seconds"`
	// StepTimeoutSeconds bounds one exchange. 0 means no limit.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
}

// NotificationConfig tunes the websocket bridge.
type NotificationConfig struct {
	// TimeoutMillis is how long the bridge waits for a broadcast before it
	// reports the executor status instead.
	TimeoutMillis int `yaml:"timeout_ms"`
}

// CORSConfig controls cross-origin access to the HTTP API for browser
// frontends served from another origin.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig throttles the endpoints that schedule engine work or
// accept uploads, per client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// DBPath defaults to ijave.db inside the home directory.
	DBPath string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxUploadBytes bounds image uploads.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// DrainTimeoutSeconds bounds the graceful shutdown of the HTTP server.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Generation    GenerationConfig   `yaml:"generation"`
	Engine        EngineConfig       `yaml:"engine"`
	Notifications NotificationConfig `yaml:"notifications"`
	OTel          otel.Config        `yaml:"otel"`

	// NeedsGenesis is set when no config.yaml exists yet.
	NeedsGenesis bool `yaml:"-"`
}

const (
	defaultBindAddr       = "127.0.0.1:8421"
	DefaultSteps          = 25
	DefaultStrength       = 0.75
	defaultResumeSpec     = "@every 1m"
	defaultMaxUploadBytes = 32 << 20
)

// ResumeDisabled reports whether the resume sweep is turned off.
func (c Config) ResumeDisabled() bool {
	return strings.EqualFold(strings.TrimSpace(c.Generation.ResumeSpec), "off")
}

// DatabasePath resolves DBPath against the home directory.
func (c Config) DatabasePath() string {
	if c.DBPath == "" {
		return filepath.Join(c.HomeDir, "ijave.db")
	}
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, c.DBPath)
}

// NotifyTimeout is the bridge's receive window.
func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notifications.TimeoutMillis) * time.Millisecond
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetLogLevel updates log_level in config.yaml, preserving other settings.
// A running server picks the change up through its Watcher.
func SetLogLevel(homeDir, level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["log_level"] = strings.ToLower(strings.TrimSpace(level))
	return saveRawConfig(configPath, raw)
}

// WriteDefault writes a config.yaml holding the defaults.
func WriteDefault(homeDir string) error {
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(homeDir), out, 0o644)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|steps=%d|strength=%g|resume=%s|auto=%t|engine=%s %v|origins=%v",
		c.BindAddr, c.LogLevel, c.DatabasePath(), c.Generation.Steps, c.Generation.Strength,
		c.Generation.ResumeSpec, c.Generation.AutoContinue, c.Engine.Command, c.Engine.Args, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		MaxUploadBytes:      defaultMaxUploadBytes,
		DrainTimeoutSeconds: 5,
		Generation: GenerationConfig{
			Steps:      DefaultSteps,
			Strength:   DefaultStrength,
			ResumeSpec: defaultResumeSpec,
		},
		Engine: EngineConfig{
			ExitGraceSeconds: 2,
		},
		Notifications: NotificationConfig{
			TimeoutMillis: 5000,
		},
		OTel: otel.Config{
			Exporter:   "otlp-http",
			SampleRate: 1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("IJAVE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ijave")
}

// Load reads the configuration: defaults, then config.yaml, then .env files,
// then IJAVE_* environment variables.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ijave home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	loadDotEnv(cfg.HomeDir)
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory and the home directory.
// Variables already set in the environment win.
func loadDotEnv(homeDir string) {
	for _, path := range []string{".env", filepath.Join(homeDir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Generation.Steps <= 0 {
		cfg.Generation.Steps = DefaultSteps
	}
	if cfg.Generation.Strength <= 0 {
		cfg.Generation.Strength = DefaultStrength
	}
	if strings.TrimSpace(cfg.Generation.ResumeSpec) == "" {
		cfg.Generation.ResumeSpec = defaultResumeSpec
	}
	if cfg.Engine.ExitGraceSeconds <= 0 {
		cfg.Engine.ExitGraceSeconds = 2
	}
	if cfg.Notifications.TimeoutMillis <= 0 {
		cfg.Notifications.TimeoutMillis = 5000
	}
}

func validate(cfg Config) error {
	if cfg.Generation.Strength > 1 {
		return fmt.Errorf("generation.strength must be in (0, 1], got %g", cfg.Generation.Strength)
	}
	if cfg.Engine.StepTimeoutSeconds < 0 {
		return fmt.Errorf("engine.step_timeout_seconds must not be negative, got %d", cfg.Engine.StepTimeoutSeconds)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("IJAVE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("IJAVE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("IJAVE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("IJAVE_STEPS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Generation.Steps = v
		}
	}
	if raw := os.Getenv("IJAVE_STRENGTH"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Generation.Strength = v
		}
	}
	if raw := os.Getenv("IJAVE_RESUME_SPEC"); raw != "" {
		cfg.Generation.ResumeSpec = raw
	}
	if raw := os.Getenv("IJAVE_AUTO_CONTINUE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Generation.AutoContinue = v
		}
	}
	if raw := os.Getenv("IJAVE_ENGINE_COMMAND"); raw != "" {
		cfg.Engine.Command = raw
	}
	if raw := os.Getenv("IJAVE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("IJAVE_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("IJAVE_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
