// Package logging builds loggers from the crawler configuration.
package logging

import (
	"io"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/copima/copima/config"
)

// New builds a logger honoring the configured level, format, and outputs.
// The returned close function flushes and closes the log file, if any.
func New(cfg config.LoggingConfig) (glog.Logger, func() error, error) {
	writers := make([]io.Writer, 0, 2)
	closeFn := func() error { return nil }

	if cfg.Console {
		writers = append(writers, os.Stderr)
	}
	logFile := strings.TrimSpace(cfg.File)
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, file)
		closeFn = file.Close
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	options := []glog.Option{
		glog.WithName("copima"),
		glog.WithLevel(parseLevel(cfg.Level)),
		glog.WithWriter(out),
	}
	switch {
	case strings.EqualFold(strings.TrimSpace(cfg.Format), "json"):
		options = append(options, glog.WithLoggerTypeJSON())
	case cfg.Colors && logFile == "":
		// ANSI escapes only when no file shares the stream.
		options = append(options, glog.WithLoggerTypePretty())
	default:
		options = append(options, glog.WithLoggerTypeConsole())
	}

	return glog.NewLogger(options...), closeFn, nil
}

func parseLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return glog.Trace
	case "debug":
		return glog.Debug
	case "warn", "warning":
		return glog.Warn
	case "error":
		return glog.Error
	default:
		return glog.Info
	}
}
