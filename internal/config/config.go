package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/qsched/qsched/internal/metrics"
	"github.com/qsched/qsched/internal/workflow"
)

// EnvPrefix is prepended to every environment override, e.g.
// QSCHED_QUANTUM_THRESHOLD for quantum.threshold.
const EnvPrefix = "QSCHED"

// Config represents the complete qsched configuration
type Config struct {
	Quantum  QuantumConfig  `mapstructure:"quantum"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// QuantumConfig parameterizes the quantum speedup applied during optimization
type QuantumConfig struct {
	// Threshold is the qubit count at which the qubit factor reaches 1 (default: 128)
	Threshold float64 `mapstructure:"threshold"`
	// Qubits is the number of qubits available (default: 64)
	Qubits float64 `mapstructure:"qubits"`
	// BaseSpeedup scales every speedup factor (default: 1.5)
	BaseSpeedup float64 `mapstructure:"base_speedup"`
}

// SpeedupConfig converts the quantum settings for the optimizer.
func (q QuantumConfig) SpeedupConfig() workflow.SpeedupConfig {
	return workflow.SpeedupConfig{
		BaseSpeedup:      q.BaseSpeedup,
		QuantumThreshold: q.Threshold,
		AvailableQubits:  q.Qubits,
	}
}

// WorkflowConfig controls how workflow files are interpreted
type WorkflowConfig struct {
	// StrictDependencies rejects depends_on entries that name no task
	// instead of ignoring them (default: false)
	StrictDependencies bool `mapstructure:"strict_dependencies"`
	// EstimateMissing fills absent durations with a priority-based estimate (default: false)
	EstimateMissing bool `mapstructure:"estimate_missing"`
}

// QueueConfig controls where the CLI keeps queue state between runs
type QueueConfig struct {
	// StateDir holds the queue snapshot, its lock and the log file.
	// Empty means $XDG_STATE_HOME/qsched (or ~/.local/state/qsched).
	StateDir string `mapstructure:"state_dir"`
}

// ResolveStateDir returns the state directory with ~ expanded.
func (q QueueConfig) ResolveStateDir() string {
	path := q.StateDir
	if path == "" {
		return defaultStateDir()
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}
	return path
}

func defaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "qsched")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qsched"
	}
	return filepath.Join(home, ".local", "state", "qsched")
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:8080")
	Addr string `mapstructure:"addr"`
	// ReadTimeoutSeconds bounds reading a request, including its body (default: 15)
	ReadTimeoutSeconds int `mapstructure:"read_timeout_seconds"`
	// ShutdownTimeoutSeconds bounds graceful shutdown (default: 10)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// ReadTimeout returns the read timeout as a time.Duration (0 means no limit)
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the shutdown timeout as a time.Duration
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes logs to qsched.log in the state directory (default: true).
	// When false, warnings and errors still go to stderr.
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the size at which the log file rotates (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint of the HTTP API
type MetricsConfig struct {
	// Enabled serves /metrics (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Namespace prefixes every metric name (default: "qsched")
	Namespace string `mapstructure:"namespace"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Quantum: QuantumConfig{
			Threshold:   workflow.DefaultQuantumThreshold,
			Qubits:      workflow.DefaultAvailableQubits,
			BaseSpeedup: workflow.DefaultBaseSpeedup,
		},
		Workflow: WorkflowConfig{
			StrictDependencies: false,
			EstimateMissing:    false,
		},
		Queue: QueueConfig{
			StateDir: "", // Empty means use the XDG state directory
		},
		Server: ServerConfig{
			Addr:                   "127.0.0.1:8080",
			ReadTimeoutSeconds:     15,
			ShutdownTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: metrics.DefaultNamespace,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Quantum defaults
	viper.SetDefault("quantum.threshold", defaults.Quantum.Threshold)
	viper.SetDefault("quantum.qubits", defaults.Quantum.Qubits)
	viper.SetDefault("quantum.base_speedup", defaults.Quantum.BaseSpeedup)

	// Workflow defaults
	viper.SetDefault("workflow.strict_dependencies", defaults.Workflow.StrictDependencies)
	viper.SetDefault("workflow.estimate_missing", defaults.Workflow.EstimateMissing)

	// Queue defaults
	viper.SetDefault("queue.state_dir", defaults.Queue.StateDir)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.read_timeout_seconds", defaults.Server.ReadTimeoutSeconds)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.namespace", defaults.Metrics.Namespace)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "qsched")
	}
	// Fall back to ~/.config/qsched
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qsched"
	}
	return filepath.Join(home, ".config", "qsched")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
