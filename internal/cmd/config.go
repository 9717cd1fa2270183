package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/qsched/qsched/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify qsched configuration",
	Long: `View or modify qsched configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  qsched config set quantum.qubits 96
  qsched config set workflow.strict_dependencies true
  qsched config set server.addr :9090`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/qsched/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

// configKeys lists the settable keys and their value kinds.
var configKeys = map[string]string{
	"quantum.threshold":               "float",
	"quantum.qubits":                  "float",
	"quantum.base_speedup":            "float",
	"workflow.strict_dependencies":    "bool",
	"workflow.estimate_missing":       "bool",
	"queue.state_dir":                 "string",
	"server.addr":                     "string",
	"server.read_timeout_seconds":     "int",
	"server.shutdown_timeout_seconds": "int",
	"logging.enabled":                 "bool",
	"logging.level":                   "string",
	"logging.max_size_mb":             "int",
	"logging.max_backups":             "int",
	"metrics.enabled":                 "bool",
	"metrics.namespace":               "string",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// settings returns the effective configuration keyed like the config file.
func settings() map[string]any {
	all := viper.AllSettings()
	delete(all, "config")
	return all
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if _, err := config.Load(); err != nil {
		fmt.Fprintln(out, errorStyle.Render("Configuration is invalid:"))
		fmt.Fprintln(out, err.Error())
		fmt.Fprintln(out)
	}

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(settings())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	keyType, ok := configKeys[key]
	if !ok {
		keys := make([]string, 0, len(configKeys))
		for k := range configKeys {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return fmt.Errorf("unknown configuration key: %s\nValid keys:\n  %s", key, strings.Join(keys, "\n  "))
	}

	// Parse the value based on type
	var typedValue any
	switch keyType {
	case "string":
		typedValue = value
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = b
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		typedValue = n
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected number", key)
		}
		typedValue = f
	}

	viper.Set(key, typedValue)

	// Refuse to write a file that would not load
	if _, err := config.Load(); err != nil {
		return err
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := config.ConfigFile()
	data, err := yaml.Marshal(settings())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'qsched config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	d := config.Default()
	configContent := fmt.Sprintf(`# qsched configuration

# Quantum speedup applied to tasks marked quantum
quantum:
  # Qubit count at which the qubit factor reaches 1
  threshold: %g
  # Qubits available to quantum tasks
  qubits: %g
  # Multiplier applied to every speedup factor
  base_speedup: %g

# Workflow file handling
workflow:
  # Fail when depends_on names a task that does not exist
  strict_dependencies: %t
  # Estimate missing durations as 1000ms * (1 + priority/10)
  estimate_missing: %t

# Persistent queue used by 'qsched task' and 'qsched serve --persist'
queue:
  # Empty means $XDG_STATE_HOME/qsched
  state_dir: "%s"

# HTTP API
server:
  addr: "%s"
  read_timeout_seconds: %d
  shutdown_timeout_seconds: %d

# Log file in the state directory
logging:
  enabled: %t
  # debug, info, warn, error
  level: %s
  max_size_mb: %d
  max_backups: %d

# Prometheus endpoint served by 'qsched serve'
metrics:
  enabled: %t
  namespace: %s
`,
		d.Quantum.Threshold, d.Quantum.Qubits, d.Quantum.BaseSpeedup,
		d.Workflow.StrictDependencies, d.Workflow.EstimateMissing,
		d.Queue.StateDir,
		d.Server.Addr, d.Server.ReadTimeoutSeconds, d.Server.ShutdownTimeoutSeconds,
		d.Logging.Enabled, d.Logging.Level, d.Logging.MaxSizeMB, d.Logging.MaxBackups,
		d.Metrics.Enabled, d.Metrics.Namespace,
	)

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_QUANTUM_THRESHOLD)\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Fprintf(out, "State directory: %s\n", config.Get().Queue.ResolveStateDir())

	return nil
}
