package logging

import (
	"context"
	"io"
	"log/slog"
	"time"
)

type SlogLogger struct {
	l *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Debug(ctx context.Context, msg string, args ...any) {
	s.l.DebugContext(ctx, msg, args...)
}

func (s *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}

func (s *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}

func (s *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l: s.l.With(args...)}
}

// NewFileLogger builds a Logger writing slog text-handler lines to w of
// the form `time=<timestamp> level=[LEVEL] msg=<message>`, with the
// record's attributes appended as key=value pairs. The keys stay in the
// line; it is not the bare `<timestamp> - [LEVEL] <message>` layout.
// When verbose is false, Debug records are dropped.
func NewFileLogger(w io.Writer, verbose bool) *SlogLogger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.DateTime))
			case slog.LevelKey:
				return slog.String(slog.LevelKey, "["+a.Value.String()+"]")
			}
			return a
		},
	})
	return NewSlogLogger(slog.New(h))
}
