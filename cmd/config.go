package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bebsworthy/scriptwatch/internal/config"
)

var showPaths bool

// configCmd prints the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration scriptwatch would run with, after merging defaults,
the config file, environment variables and the --verbose flag.

With --paths the config file search paths and the environment variable that
overrides each key are listed instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		if showPaths {
			fmt.Fprintln(out, "Config file search paths:")
			for _, path := range config.GetConfigPaths() {
				fmt.Fprintf(out, "  %s\n", path)
			}
			fmt.Fprintln(out, "Environment overrides:")
			for _, key := range configKeys {
				fmt.Fprintf(out, "  %-32s %s\n", key, config.GetEnvVarName(key))
			}
			return nil
		}

		data, err := yaml.Marshal(GetConfig())
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		fmt.Fprint(out, strings.TrimRight(string(data), "\n")+"\n")
		return nil
	},
}

// configKeys lists every key that can be overridden from the environment
var configKeys = []string{
	"supervisor.shell",
	"supervisor.shell_flag",
	"supervisor.sidecar_suffix",
	"supervisor.poll_interval",
	"supervisor.scripts",
	"logging.level",
	"logging.format",
	"logging.output_file",
	"logging.verbose",
	"forward.url",
	"forward.reconnect_initial_delay",
	"forward.reconnect_max_delay",
	"forward.reconnect_max_attempts",
	"forward.write_timeout",
	"forward.handshake_timeout",
	"report.summary",
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().BoolVar(&showPaths, "paths", false, "list config file search paths and environment variables")
}
