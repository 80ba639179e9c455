package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/scriptwatch/internal/config"
	"github.com/bebsworthy/scriptwatch/internal/errors"
)

var (
	// Global flags
	configFile string
	verbose    bool

	// Global configuration
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scriptwatch",
	Short: "scriptwatch - run shell scripts in parallel and report how each one ended",
	Long: `scriptwatch launches a list of shell scripts as concurrent child processes,
captures the standard error of each one in a sidecar file, and polls the
children without blocking until all of them have terminated.

For every child it prints the exit code or terminating signal together with
the captured standard error, then removes the sidecar file.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $SCRIPTWATCH_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")
}

// loadConfig reads the config file and environment before any command runs
func loadConfig(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("SCRIPTWATCH_CONFIG")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return errors.ConfigError(errors.CodeInvalidConfig, "Failed to load configuration", err).
			WithDetails("path", configPath)
	}

	if verbose {
		cfg.Logging.Verbose = true
		cfg.Logging.Level = "debug"
	}

	appConfig = cfg
	return nil
}

// GetConfig returns the global configuration
// This should be called after cobra initialization
func GetConfig() *config.Config {
	if appConfig == nil {
		// Fallback to default config if not initialized
		return config.DefaultConfig()
	}
	return appConfig
}
