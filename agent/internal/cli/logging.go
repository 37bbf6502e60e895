package cli

import (
	"io"
	"log/slog"
)

// newLogger builds the process logger from the global flags. JSON lines go
// to jsonOut (stdout for run, so the supervisor journal gets one object per
// line); text goes to textOut.
func newLogger(opts *RootOptions, jsonOut, textOut io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: parseLevel(opts.LogLevel)}
	if opts.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(textOut, hopts))
	}
	return slog.New(slog.NewJSONHandler(jsonOut, hopts))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
