package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Config holds logger configuration.
type Config struct {
	Level      string // trace|debug|info|warn|error
	Format     string // text|json
	File       string // empty disables file output
	MaxSize    string // rotate after this size, e.g. "10m", "64MiB"
	MaxBackups int
	NoConsole  bool
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSize:    "10m",
		MaxBackups: 3,
	}
}

// Logger wraps logrus.Logger with an optional rotating file.
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

func New(cfg Config) (*Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	default:
		return nil, fmt.Errorf("log format: unknown %q", cfg.Format)
	}

	var (
		out  []io.Writer
		file *lumberjack.Logger
	)
	if !cfg.NoConsole {
		out = append(out, os.Stderr)
	}
	if cfg.File != "" {
		size, err := MaxSizeMB(cfg.MaxSize)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    size,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		}
		out = append(out, file)
	}
	switch len(out) {
	case 0:
		l.SetOutput(io.Discard)
	case 1:
		l.SetOutput(out[0])
	default:
		l.SetOutput(io.MultiWriter(out...))
	}

	return &Logger{Logger: l, file: file}, nil
}

// Rotate starts a new log file, it's a no-op without file output.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// MaxSizeMB converts a human readable size to whole megabytes, rounding up.
func MaxSizeMB(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, errors.New("log max size: empty")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("log max size: %w", err)
	}
	const mb = 1 << 20
	return int(max((n+mb-1)/mb, 1)), nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
