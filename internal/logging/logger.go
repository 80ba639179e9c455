// Package logging provides structured logging functionality for scriptwatch.
//
// This package implements a centralized logging system with:
// - Structured logging using Go's slog package
// - Configurable log levels and output formats
// - Run correlation through the context
// - Integration with the scriptwatch configuration system
//
// Structured logs are diagnostics only. The per-script report lines the
// supervisor prints are written to stdout by the supervisor package itself.
//
// Example usage:
//
//	logger, err := logging.NewLogger(cfg.Logging)
//	logger.Info("Supervisor started", "scripts", len(scripts))
//
//	// With context for correlation
//	ctx = logging.WithRun(ctx, logging.RunInfo{ID: runID, Scripts: len(scripts)})
//	logger.InfoContext(ctx, "Child reaped", "pid", pid)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bebsworthy/scriptwatch/internal/config"
)

type runKey struct{}

// Logger wraps slog.Logger with scriptwatch-specific functionality
type Logger struct {
	*slog.Logger
	config config.LoggingConfig
	writer io.Writer
}

// NewLogger creates a new structured logger with the given configuration
func NewLogger(cfg config.LoggingConfig) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	writer, err := createLogWriter(cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	return newLoggerWithWriter(cfg, level, writer)
}

func newLoggerWithWriter(cfg config.LoggingConfig, level slog.Level, writer io.Writer) (*Logger, error) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Verbose,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	handler = &RunHandler{Handler: handler}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
		writer: writer,
	}, nil
}

// NewLoggerWithWriter creates a logger that writes to w instead of the
// configured output file. Used by tests and by callers that already own a sink.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	return newLoggerWithWriter(cfg, level, w)
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// createLogWriter creates the appropriate writer for log output
func createLogWriter(outputFile string) (io.Writer, error) {
	if outputFile == "" {
		return os.Stderr, nil
	}

	dir := filepath.Dir(outputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", outputFile, err)
	}

	return file, nil
}

// RunHandler attaches the run attributes carried by the context to every
// record as a "run" group.
type RunHandler struct {
	slog.Handler
}

// Handle processes log records and adds the run group if present in context
func (h *RunHandler) Handle(ctx context.Context, r slog.Record) error {
	if info, ok := RunFromContext(ctx); ok {
		r.AddAttrs(info.attr())
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes
func (h *RunHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RunHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group
func (h *RunHandler) WithGroup(name string) slog.Handler {
	return &RunHandler{Handler: h.Handler.WithGroup(name)}
}

// RunInfo identifies one supervisor run in the logs.
type RunInfo struct {
	ID      string
	Scripts int
	Host    string
}

func (i RunInfo) attr() slog.Attr {
	attrs := []any{slog.String("id", i.ID)}
	if i.Scripts > 0 {
		attrs = append(attrs, slog.Int("scripts", i.Scripts))
	}
	if i.Host != "" {
		attrs = append(attrs, slog.String("host", i.Host))
	}
	return slog.Group("run", attrs...)
}

// WithRun stores the run description in the context. An empty ID leaves
// the context untouched.
func WithRun(ctx context.Context, info RunInfo) context.Context {
	if info.ID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey{}, info)
}

// RunFromContext returns the run stored by WithRun
func RunFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runKey{}).(RunInfo)
	return info, ok
}

// Component returns a child slog.Logger tagged with the component name
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With(
		slog.String("component", name),
		slog.String("service", "scriptwatch"),
	)
}

// LogTiming logs the duration of an operation
func (l *Logger) LogTiming(ctx context.Context, operation string, start time.Time, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", time.Since(start)),
	}
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelDebug, "Operation completed", allAttrs...)
}

// LogError logs an error with proper context and error details
func (l *Logger) LogError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelError, msg, allAttrs...)
}

// Close closes any file resources used by the logger
func (l *Logger) Close() error {
	if l.writer == os.Stderr || l.writer == os.Stdout {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Discard returns a logger that drops everything. Handy as a nil-safe default.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
