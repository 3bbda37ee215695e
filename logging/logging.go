// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/franksops/docferry/config"
)

// New builds a logrus logger from cfg. The returned cleanup closes the log
// file, if one was opened.
func New(cfg *config.Logger) (*logrus.Logger, func(), error) {
	l := logrus.New()
	cleanup := func() {}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Output {
	case "stdout":
		l.SetOutput(os.Stdout)
	case "file":
		f, err := openLogFile(cfg.OutputFile)
		if err != nil {
			return nil, cleanup, err
		}
		l.SetOutput(f)
		cleanup = func() { _ = f.Close() }
	case "discard":
		l.SetOutput(io.Discard)
	default:
		l.SetOutput(os.Stderr)
	}

	return l, cleanup, nil
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("logger.output_file is required for file output")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
