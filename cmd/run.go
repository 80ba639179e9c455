package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bebsworthy/scriptwatch/internal/config"
	"github.com/bebsworthy/scriptwatch/internal/errors"
	"github.com/bebsworthy/scriptwatch/internal/forwarder"
	"github.com/bebsworthy/scriptwatch/internal/logging"
	"github.com/bebsworthy/scriptwatch/internal/metrics"
	"github.com/bebsworthy/scriptwatch/internal/summary"
	"github.com/bebsworthy/scriptwatch/internal/supervisor"
)

var (
	// Run command flags
	pollInterval time.Duration
	shell        string
	forwardURL   string
	showSummary  bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [script...]",
	Short: "Run scripts in parallel and report how each one terminated",
	Long: `Run every script as a child of "bash -c <script>", all at once.

Standard error of each child is redirected to <script>.error. The children
are polled without blocking, about every 100ms, and as each one terminates
its exit code (or terminating signal) and captured standard error are
printed and the .error file is removed.

Without arguments the scripts listed under supervisor.scripts in the
configuration are run.`,
	Example: `  # Run the configured scripts
  scriptwatch run

  # Run specific scripts
  scriptwatch run ./jobs/backup.sh ./jobs/cleanup.sh

  # Poll faster and print a summary table at the end
  scriptwatch run --poll-interval 20ms --summary ./a.sh ./b.sh

  # Stream run events to a collector
  scriptwatch run --forward-url ws://collector:8765/events`,
	RunE: runScripts,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Run-specific flags
	runCmd.Flags().DurationVar(&pollInterval, "poll-interval", supervisor.DefaultPollInterval, "pause between two status polls")
	runCmd.Flags().StringVar(&shell, "shell", "", "shell used to run each script (default bash)")
	runCmd.Flags().StringVar(&forwardURL, "forward-url", "", "WebSocket URL of a collector to stream run events to")
	runCmd.Flags().BoolVar(&showSummary, "summary", false, "print a summary table after all scripts finished")
}

func runScripts(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	applyRunFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return errors.ConfigError(errors.CodeInvalidConfig, "Invalid configuration", err)
	}

	scripts := args
	if len(scripts) == 0 {
		scripts = cfg.Supervisor.Scripts
	}
	if len(scripts) == 0 {
		return errors.ErrNoScripts
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return errors.ConfigError(errors.CodeInvalidConfig, "Failed to create logger", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	runID := uuid.NewString()
	host := getHostname()
	ctx := logging.WithRun(cmd.Context(), logging.RunInfo{ID: runID, Scripts: len(scripts), Host: host})
	log := logger.Component("cli")

	monitor := metrics.NewMonitor()
	monitor.SetLogger(logger.Logger)

	log.InfoContext(ctx, "Starting run",
		slog.Int("scripts", len(scripts)),
		slog.Duration("poll_interval", cfg.Supervisor.PollInterval),
		slog.String("shell", cfg.Supervisor.Shell),
	)

	fwd := startForwarder(ctx, cfg.Forward, runID, logger, monitor)
	if fwd != nil {
		defer fwd.Close()
		fwd.RunStarted(scripts, getCurrentWorkingDir(), host)
	}

	out := cmd.OutOrStdout()
	start := time.Now()

	launcher := supervisor.NewLauncher(cfg.Supervisor, out)
	launcher.SetLogger(logger.Logger)
	launcher.SetMonitor(monitor)
	if fwd != nil {
		launcher.OnLaunch = fwd.ScriptLaunched
	}

	registry, err := launcher.Launch(ctx, scripts)
	if err != nil {
		return abortRun(ctx, logger, fwd, monitor, "Launch aborted", err)
	}

	reporter := supervisor.NewReporter(scripts, cfg.Supervisor.SidecarSuffix, out)
	reporter.SetLogger(logger.Logger)
	reporter.SetMonitor(monitor)

	sup := supervisor.NewSupervisor(supervisor.NewPoller(), reporter, supervisor.Options{
		PollInterval: cfg.Supervisor.PollInterval,
		Out:          out,
		Logger:       logger.Logger,
		Monitor:      monitor,
	})
	if fwd != nil {
		sup.OnReport = fwd.ScriptCompleted
		sup.OnPollError = fwd.PollError
	}

	results, err := sup.Run(ctx, registry)
	if err != nil {
		return abortRun(ctx, logger, fwd, monitor, "Supervision aborted", err)
	}

	if fwd != nil {
		fwd.RunFinished(monitor.GetChildMetrics(), nil)
	}

	if cfg.Report.Summary {
		if err := summary.Render(out, results); err != nil {
			log.WarnContext(ctx, "Failed to print summary", slog.String("error", err.Error()))
		}
	}

	logger.LogTiming(ctx, "run", start, slog.Int("children", len(results)))
	monitor.LogMetricsSummary(ctx)
	return nil
}

// applyRunFlags overrides configuration with explicitly set run flags
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("poll-interval") {
		cfg.Supervisor.PollInterval = pollInterval
	}
	if flags.Changed("shell") {
		cfg.Supervisor.Shell = shell
	}
	if flags.Changed("forward-url") {
		cfg.Forward.URL = forwardURL
	}
	if flags.Changed("summary") {
		cfg.Report.Summary = showSummary
	}
}

// startForwarder connects to the collector when one is configured. A
// collector that cannot be reached only disables forwarding.
func startForwarder(ctx context.Context, cfg config.ForwardConfig, runID string, logger *logging.Logger, monitor *metrics.Monitor) *forwarder.Forwarder {
	if cfg.URL == "" {
		return nil
	}

	fwd := forwarder.NewForwarder(cfg, runID)
	fwd.SetLogger(logger.Logger)
	fwd.SetMonitor(monitor)

	if err := fwd.ConnectWithRetry(ctx); err != nil {
		logger.Component("cli").WarnContext(ctx, "Continuing without event forwarding",
			slog.String("forward_url", cfg.URL),
			slog.String("error", err.Error()),
		)
		fwd.Close()
		return nil
	}
	return fwd
}

// abortRun logs a fatal run error, tells the collector and returns the error
// for cobra to report.
func abortRun(ctx context.Context, logger *logging.Logger, fwd *forwarder.Forwarder, monitor *metrics.Monitor, msg string, err error) error {
	attrs := []slog.Attr{}
	if swErr := errors.ClassifyError(err); swErr != nil {
		attrs = swErr.LogAttrs()
	}
	logger.LogError(ctx, msg, err, attrs...)

	if fwd != nil {
		fwd.RunFinished(monitor.GetChildMetrics(), err)
	}
	monitor.LogMetricsSummary(ctx)
	return err
}

// getCurrentWorkingDir returns the current working directory
func getCurrentWorkingDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "unknown"
}

func getHostname() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return ""
}
