package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Setup configures slog to write JSONL to stderr and, when logFile is set,
// to that file as well. With quiet set stderr is skipped, which keeps a
// full screen terminal UI clean. Returns a logger and a cleanup function to
// close the file handle.
func Setup(logFile string, level slog.Level, quiet bool) (*slog.Logger, func(), error) {
	var writers []io.Writer
	if !quiet {
		writers = append(writers, os.Stderr)
	}

	cleanup := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, f)
		cleanup = func() {
			_ = f.Close()
		}
	}

	var w io.Writer = io.Discard
	if len(writers) > 0 {
		w = io.MultiWriter(writers...)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	return logger, cleanup, nil
}
