package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
)

// Span names opened by the engine.
const (
	FrameSpan = "bs.frame"
	PDUSpan   = "bs.pdu"
)

// TracingConfig governs how engine tracing is initialised. It is read from
// BS_TRACING_* variables.
type TracingConfig struct {
	Enabled     bool    `envconfig:"ENABLED" default:"false"`
	ServiceName string  `envconfig:"SERVICE_NAME" default:"bs-mac-engine"`
	Exporter    string  `envconfig:"EXPORTER" default:"stdout"` // stdout | otlp
	Endpoint    string  `envconfig:"OTLP_ENDPOINT" default:"localhost:4317"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"1"`
	// FrameEvery keeps one root frame span in every FrameEvery frames. At
	// 200 frames a second tracing each one floods any collector.
	FrameEvery uint64 `envconfig:"FRAME_EVERY" default:"200"`

	// InstanceID is set by the caller, not the environment.
	InstanceID string `ignored:"true"`
}

// TracingConfigFromEnv loads BS_TRACING_* and clamps out-of-range values.
func TracingConfigFromEnv() (TracingConfig, error) {
	var cfg TracingConfig
	if err := envconfig.Process("BS_TRACING", &cfg); err != nil {
		return TracingConfig{}, fmt.Errorf("tracing config: %w", err)
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}
	if cfg.FrameEvery == 0 {
		cfg.FrameEvery = 1
	}
	cfg.Exporter = strings.ToLower(cfg.Exporter)
	return cfg, nil
}

// InitTracing installs the global tracer provider and propagators. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	log = logging.OrNoop(log)

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(NewFrameSampler(cfg.FrameEvery, cfg.SampleRatio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Any("frame_every", cfg.FrameEvery),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func resourceAttributes(cfg TracingConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "bs"),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.InstanceID))
	}
	return attrs
}

// Tracer returns the engine's named tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/signalsfoundry/bs-mac-engine")
}

// FrameSampler decimates root frame spans and samples every other root span
// by trace-id ratio. Child spans follow their parent, so the PDUs sent in a
// kept frame stay with it.
type FrameSampler struct {
	every  uint64
	frames atomic.Uint64
	ratio  sdktrace.Sampler
}

// NewFrameSampler keeps one frame span in every and applies ratio to other
// root spans.
func NewFrameSampler(every uint64, ratio float64) *FrameSampler {
	if every == 0 {
		every = 1
	}
	return &FrameSampler{every: every, ratio: sdktrace.TraceIDRatioBased(ratio)}
}

func (s *FrameSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	parent := trace.SpanContextFromContext(p.ParentContext)
	if parent.IsValid() {
		decision := sdktrace.Drop
		if parent.IsSampled() {
			decision = sdktrace.RecordAndSample
		}
		return sdktrace.SamplingResult{Decision: decision, Tracestate: parent.TraceState()}
	}
	if p.Name != FrameSpan {
		return s.ratio.ShouldSample(p)
	}
	decision := sdktrace.Drop
	if (s.frames.Inc()-1)%s.every == 0 {
		decision = sdktrace.RecordAndSample
	}
	return sdktrace.SamplingResult{Decision: decision}
}

func (s *FrameSampler) Description() string {
	return fmt.Sprintf("FrameSampler{every=%d,%s}", s.every, s.ratio.Description())
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans, giving up after five seconds.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logging.OrNoop(log).Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
