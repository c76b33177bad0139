package logger

import (
	"context"
	"fmt"
	"os"
	"sync"
)

type contextKey int

const attemptLoggerKey contextKey = iota

// WithContext attaches an attempt-scoped logger to ctx so connectors log
// with the attempt and cc pair fields of the run that called them.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, attemptLoggerKey, l)
}

// FromContext returns the logger attached by WithContext. Code reached
// outside an indexing run gets a shared stderr logger at warn level.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(attemptLoggerKey).(Logger); ok && l != nil {
		return l
	}
	return detachedLogger()
}

var detachedLogger = sync.OnceValue(func() Logger {
	l, err := New(Config{Level: "warn", OutputPaths: []string{"stderr"}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "index-scheduler: stderr logger unavailable: %v\n", err)
		return NewNop()
	}
	return l.With(String("scope", "detached"))
})
