package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger writes text to stderr and, when file is set, JSON to that
// file. The returned cleanup closes the file.
func SetupLogger(file string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if file == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	if dir := filepath.Dir(file); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l := slog.New(stderrHandler)
		l.Error("config: failed to open log file, using stderr only", "err", err, "file", file)
		return l, func() error { return nil }
	}
	return SetupLoggerWithWriters(os.Stderr, f, level), f.Close
}

// SetupLoggerWithWriters fans out to a text and a JSON writer.
func SetupLoggerWithWriters(text, jsonOut io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(text, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(jsonOut, &slog.HandlerOptions{Level: level}),
	))
}
