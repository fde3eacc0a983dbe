package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
)

// serviceName is stamped on every entry.
const serviceName = "graylogic-lutron"

// Logger is the service's slog logger. Loggers derived with With share the
// parent's level and log file, so SetLevel on the root affects them all.
type Logger struct {
	*slog.Logger

	level *slog.LevelVar
	file  io.Closer
}

// New builds a Logger from the logging section of lutron.yaml. Unknown
// levels fall back to info and unknown formats to JSON.
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		out = os.Stderr
	case "none":
		out = io.Discard
	default:
		out = os.Stdout
	}

	var file *lumberjack.Logger
	if cfg.File.Path != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		}
		out = io.MultiWriter(out, file)
	}

	l := build(out, cfg, version)
	if file != nil {
		l.file = file
	}
	return l
}

func build(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	level := new(slog.LevelVar)
	if lv, err := ParseLevel(cfg.Level); err == nil {
		level.Set(lv)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(h), level: level}
}

// ParseLevel maps debug, info, warn (or warning) and error, in any case,
// to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", name)
}

// SetLevel changes the level of this logger and every logger sharing it.
// Used when lutron.yaml is reloaded.
func (l *Logger) SetLevel(name string) error {
	lv, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.level.Set(lv)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level, file: l.file}
}

// Close closes the rotating log file, if any. Children share the file, so
// close only the root.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Default is the JSON/stdout/info logger used until lutron.yaml is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
