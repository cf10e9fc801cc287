// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment variables that override the configured level and format.
const (
	EnvLevel  = "FORMULAR_LOG_LEVEL"
	EnvFormat = "FORMULAR_LOG_FORMAT"
)

// Options configures New.
type Options struct {
	// Level is debug, info, warn or error. Default: info.
	Level string

	// Format is text or json. Default: text.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

// New builds a logger from opts, with FORMULAR_LOG_LEVEL and
// FORMULAR_LOG_FORMAT taking precedence when set.
func New(opts Options) (*slog.Logger, error) {
	if v := os.Getenv(EnvLevel); v != "" {
		opts.Level = v
	}
	if v := os.Getenv(EnvFormat); v != "" {
		opts.Format = v
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Level != "" {
		var err error
		if level, err = ParseLevel(opts.Level); err != nil {
			return nil, err
		}
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(opts.Output, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(opts.Output, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
}

// Setup builds a logger with New and installs it as slog's default.
func Setup(opts Options) (*slog.Logger, error) {
	logger, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
