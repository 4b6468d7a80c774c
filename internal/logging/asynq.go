package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// AsynqLogger adapts a slog logger to asynq.Logger so queue internals share the
// process log stream.
type AsynqLogger struct {
	l *slog.Logger
}

func NewAsynqLogger(l *SlogLogger) *AsynqLogger {
	return &AsynqLogger{l: l.Slog().With("component", "asynq")}
}

func (a *AsynqLogger) Debug(args ...interface{}) {
	a.l.DebugContext(context.Background(), fmt.Sprint(args...))
}

func (a *AsynqLogger) Info(args ...interface{}) {
	a.l.InfoContext(context.Background(), fmt.Sprint(args...))
}

func (a *AsynqLogger) Warn(args ...interface{}) {
	a.l.WarnContext(context.Background(), fmt.Sprint(args...))
}

func (a *AsynqLogger) Error(args ...interface{}) {
	a.l.ErrorContext(context.Background(), fmt.Sprint(args...))
}

func (a *AsynqLogger) Fatal(args ...interface{}) {
	a.l.Log(context.Background(), slog.LevelError+4, fmt.Sprint(args...))
	os.Exit(1)
}
