// Package logger wires the process-wide slog instances used by the
// TaskRelay daemon: a structured application logger plus a dedicated
// audit channel that lands in its own rotating file.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config mirrors the daemon configuration's log section. The audit
// channel is enabled by giving AuditPath a value; it always writes JSON
// regardless of Format so audit records stay machine-parseable.
type Config struct {
	Level   string
	Format  string
	Outputs []string

	AuditPath       string
	AuditMaxSizeMB  int
	AuditMaxBackups int
	AuditMaxAgeDays int
}

const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditMaxBackups = 7
	defaultAuditMaxAgeDays = 30
)

var (
	appLogger   *slog.Logger
	auditLogger *slog.Logger
	once        sync.Once
	sinks       []io.Closer
	initErr     error
)

// Init configures the global loggers. Subsequent calls are no-ops and
// return the first initialisation error, if any.
func Init(cfg Config) error {
	once.Do(func() {
		opts := &slog.HandlerOptions{Level: levelOf(cfg.Level), AddSource: true}
		writer, err := combineSinks(cfg.Outputs)
		if err != nil {
			initErr = err
			return
		}
		if strings.EqualFold(cfg.Format, "text") {
			appLogger = slog.New(slog.NewTextHandler(writer, opts))
		} else {
			appLogger = slog.New(slog.NewJSONHandler(writer, opts))
		}

		auditLogger = appLogger
		if cfg.AuditPath != "" {
			audit, err := newAuditChannel(cfg)
			if err != nil {
				initErr = err
				return
			}
			auditLogger = audit
		}
	})
	if initErr != nil {
		return initErr
	}
	if appLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

// L returns the application logger, initialising a stdout JSON logger
// on first use when Init was never called.
func L() *slog.Logger {
	if appLogger == nil {
		_ = Init(Config{})
	}
	return appLogger
}

// Audit returns the audit logger. It falls back to the application
// logger when no audit path was configured.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Named returns a child logger grouped under a component name.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}

// Sync closes every file-backed sink.
func Sync() error {
	var err error
	for _, sink := range sinks {
		err = errors.Join(err, sink.Close())
	}
	sinks = nil
	return err
}

func combineSinks(outputs []string) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", out, err)
			}
			sinks = append(sinks, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func newAuditChannel(cfg Config) (*slog.Logger, error) {
	if cfg.AuditMaxSizeMB <= 0 {
		cfg.AuditMaxSizeMB = defaultAuditMaxSizeMB
	}
	if cfg.AuditMaxBackups <= 0 {
		cfg.AuditMaxBackups = defaultAuditMaxBackups
	}
	if cfg.AuditMaxAgeDays <= 0 {
		cfg.AuditMaxAgeDays = defaultAuditMaxAgeDays
	}
	rotator, err := newAuditRotator(cfg.AuditPath, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups, cfg.AuditMaxAgeDays)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, rotator)
	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), nil
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func levelOf(name string) slog.Level {
	if level, ok := levelNames[strings.ToLower(name)]; ok {
		return level
	}
	return slog.LevelInfo
}
