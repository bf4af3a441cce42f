package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewZap returns a Logger backed by zap. When cfg.File is set output goes
// through a lumberjack rotating file, otherwise to stdout.
func NewZap(cfg Config) Logger {
	var ws zapcore.WriteSyncer
	if cfg.File != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	} else {
		ws = zapcore.AddSync(os.Stdout)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	return NewZapCore(sampled(zapcore.NewCore(encoder, ws, zapLevel(cfg.Level)), cfg), cfg.AddSource)
}

// sampled applies cfg's per-second sampling to core.
func sampled(core zapcore.Core, cfg Config) zapcore.Core {
	if cfg.SampleFirst <= 0 {
		return core
	}
	thereafter := cfg.SampleThereafter
	if thereafter <= 0 {
		thereafter = 1
	}
	return zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleFirst, thereafter)
}

// NewZapCore wraps an existing zap core, which lets tests observe output.
func NewZapCore(core zapcore.Core, addSource bool) Logger {
	var opts []zap.Option
	if addSource {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	return &zapLogger{l: zap.New(core, opts...)}
}

type zapLogger struct {
	l *zap.Logger
}

func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(toZap(fields)...)}
}

func (z *zapLogger) Debug(_ context.Context, msg string, fields ...Field) {
	z.l.Debug(msg, toZap(fields)...)
}

func (z *zapLogger) Info(_ context.Context, msg string, fields ...Field) {
	z.l.Info(msg, toZap(fields)...)
}

func (z *zapLogger) Warn(_ context.Context, msg string, fields ...Field) {
	z.l.Warn(msg, toZap(fields)...)
}

func (z *zapLogger) Error(_ context.Context, msg string, fields ...Field) {
	z.l.Error(msg, toZap(fields)...)
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func zapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
