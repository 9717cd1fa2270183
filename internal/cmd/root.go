package cmd

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/qsched/qsched/internal/config"
	"github.com/qsched/qsched/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "qsched",
	Short: "Workflow task scheduler and optimizer",
	Long: `qsched orders dependent workflow tasks, estimates how long they take
when run sequentially versus in parallel with quantum speedup applied,
and keeps a priority queue of typed tasks with a single active task.`,
	SilenceUsage: true,
}

// configFlags maps configuration keys to the flags that override them.
var configFlags = map[string]*pflag.Flag{}

// bindConfigFlag makes flag override the configuration key once set.
func bindConfigFlag(key string, flag *pflag.Flag) {
	configFlags[key] = flag
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/qsched/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "directory for queue state and logs (default is $XDG_STATE_HOME/qsched)")
	rootCmd.PersistentFlags().String("log-level", "", "minimum log level (debug, info, warn, error)")
	bindConfigFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	bindConfigFlag("queue.state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	bindConfigFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	for key, flag := range configFlags {
		_ = viper.BindPFlag(key, flag)
	}

	// A .env file in the working directory seeds the environment; real
	// environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		rootCmd.PrintErrf("warning: could not load .env: %v\n", err)
	}

	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// Replace dots with underscores for nested keys in env vars
	// e.g., QSCHED_QUANTUM_THRESHOLD for quantum.threshold
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadConfig returns the validated configuration.
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// newLogger opens the log file in the state directory, or a stderr logger
// limited to warnings when file logging is disabled.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.New(os.Stderr, logging.LevelWarn), nil
	}
	return logging.NewLogger(cfg.Queue.ResolveStateDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}
