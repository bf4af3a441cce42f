// Package logging is the engine's structured logging surface. Components
// take a Logger; the default backend is log/slog, with an optional zap
// backend writing through a rotating file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Field is a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Uint16(key string, value uint16) Field          { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field          { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field                { return Field{Key: key, Value: value} }

// Stringer defers v.String() until a backend actually writes the entry, so
// CIDs, MAC addresses and message types cost nothing in filtered debug logs.
func Stringer(key string, v fmt.Stringer) Field { return Field{Key: key, Value: lazy{v}} }

type lazy struct{ v fmt.Stringer }

func (l lazy) String() string { return l.v.String() }

// LogValue implements slog.LogValuer.
func (l lazy) LogValue() slog.Value { return slog.StringValue(l.v.String()) }

// Err attaches an error under the "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is a small structured logging interface that can be backed by slog or
// other structured loggers.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls logger behaviour. NewFromEnv reads it from LOG_*.
type Config struct {
	Level     string `envconfig:"LEVEL" default:"info"`  // debug, info, warn, error
	Format    string `envconfig:"FORMAT" default:"text"` // json or text
	AddSource bool   `envconfig:"ADD_SOURCE" default:"true"`

	// Backend selects "slog" (default) or "zap".
	Backend string `envconfig:"BACKEND" default:"slog"`
	// File, when set, sends zap output through a rotating file.
	File       string `envconfig:"FILE"`
	MaxSizeMB  int    `envconfig:"MAX_SIZE_MB" default:"100"`
	MaxBackups int    `envconfig:"MAX_BACKUPS" default:"3"`
	// SampleFirst and SampleThereafter bound zap output per message per
	// second: the first SampleFirst entries pass, then one in every
	// SampleThereafter. Per-PDU warnings from a misbehaving station
	// otherwise arrive at frame rate. Zero disables sampling.
	SampleFirst      int `envconfig:"SAMPLE_FIRST" default:"0"`
	SampleThereafter int `envconfig:"SAMPLE_THEREAFTER" default:"100"`
}

// New constructs a Logger with the provided config.
func New(cfg Config) Logger {
	if strings.EqualFold(cfg.Backend, "zap") {
		return NewZap(cfg)
	}

	return &slogger{h: slogHandler(os.Stdout, cfg)}
}

func slogHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewFromEnv builds a logger from LOG_* variables. A malformed variable
// falls back to DefaultConfig and is reported through the logger itself.
func NewFromEnv() Logger {
	var cfg Config
	err := envconfig.Process("LOG", &cfg)
	if err != nil {
		cfg = DefaultConfig()
	}
	l := New(cfg)
	if err != nil {
		l.Warn(context.Background(), "invalid LOG_* configuration; using defaults", Err(err))
	}
	return l
}

// DefaultConfig matches the defaults NewFromEnv applies.
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "text",
		AddSource:        true,
		Backend:          "slog",
		MaxSizeMB:        100,
		MaxBackups:       3,
		SampleThereafter: 100,
	}
}

// Noop returns a logger that drops all logs.
func Noop() Logger { return noopLogger{} }

// OrNoop returns l, or a Noop logger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return Noop()
	}
	return l
}

// slogger writes through a slog.Handler directly so the recorded source is
// the component's call site rather than this adapter.
type slogger struct {
	h slog.Handler
}

func (s *slogger) With(fields ...Field) Logger {
	return &slogger{h: s.h.WithAttrs(toAttrs(fields...))}
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.emit(ctx, slog.LevelDebug, msg, fields)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.emit(ctx, slog.LevelInfo, msg, fields)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.emit(ctx, slog.LevelWarn, msg, fields)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.emit(ctx, slog.LevelError, msg, fields)
}

func (s *slogger) emit(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // Callers, emit, the level method
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(toAttrs(fields...)...)
	_ = s.h.Handle(ctx, r)
}

type noopLogger struct{}

func (noopLogger) With(fields ...Field) Logger             { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

func toAttrs(fields ...Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ---- Instance-scoped helpers ----

type ctxKey string

const (
	instanceIDKey ctxKey = "instance_id"
	loggerKey     ctxKey = "logger"
)

// EnsureInstanceID attaches an engine instance_id to the context if absent
// and returns the updated context plus the ID.
func EnsureInstanceID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := InstanceIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return ContextWithInstanceID(ctx, id), id
}

// ContextWithInstanceID stores instance_id in context.
func ContextWithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// InstanceIDFromContext extracts instance_id from context.
func InstanceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(instanceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstanceLogger ensures an instance_id exists, and returns the updated
// context alongside a logger annotated with that ID.
func WithInstanceLogger(ctx context.Context, base Logger) (context.Context, Logger) {
	ctx, id := EnsureInstanceID(ctx)
	return ctx, OrNoop(base).With(String("instance_id", id))
}

// ContextWithLogger stores a logger on the context.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, OrNoop(l))
}

// LoggerFromContext fetches a logger from context if present; otherwise it
// returns nil.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(loggerKey).(Logger); ok {
		return v
	}
	return nil
}
