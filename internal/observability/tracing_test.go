package observability

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFrameSamplerKeepsOneFrameInN(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(NewFrameSampler(4, 0)),
		sdktrace.WithSpanProcessor(sr),
	)
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := tp.Tracer("test")

	for i := 0; i < 10; i++ {
		ctx, frame := tracer.Start(context.Background(), FrameSpan)
		_, pdu := tracer.Start(ctx, PDUSpan)
		pdu.End()
		frame.End()
	}
	// A root PDU span falls to the zero ratio.
	_, lone := tracer.Start(context.Background(), PDUSpan)
	lone.End()

	var frames, pdus int
	for _, s := range sr.Ended() {
		switch s.Name() {
		case FrameSpan:
			frames++
		case PDUSpan:
			pdus++
		}
	}
	// Frames 0, 4 and 8 are kept, each with its child.
	if frames != 3 || pdus != 3 {
		t.Fatalf("kept %d frame spans and %d pdu spans, want 3 and 3", frames, pdus)
	}
}

func TestNewFrameSamplerZeroEveryKeepsAll(t *testing.T) {
	s := NewFrameSampler(0, 1)
	for i := 0; i < 3; i++ {
		res := s.ShouldSample(sdktrace.SamplingParameters{ParentContext: context.Background(), Name: FrameSpan})
		if res.Decision != sdktrace.RecordAndSample {
			t.Fatalf("frame %d dropped", i)
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("BS_TRACING_ENABLED", "true")
	t.Setenv("BS_TRACING_EXPORTER", "OTLP")
	t.Setenv("BS_TRACING_SAMPLE_RATIO", "3")
	t.Setenv("BS_TRACING_FRAME_EVERY", "0")

	cfg, err := TracingConfigFromEnv()
	if err != nil {
		t.Fatalf("TracingConfigFromEnv: %v", err)
	}
	if !cfg.Enabled || cfg.Exporter != "otlp" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SampleRatio != 1 || cfg.FrameEvery != 1 {
		t.Fatalf("out-of-range values not clamped: %+v", cfg)
	}
	if cfg.Endpoint != "localhost:4317" || cfg.ServiceName != "bs-mac-engine" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	t.Setenv("BS_TRACING_FRAME_EVERY", "often")
	if _, err := TracingConfigFromEnv(); err == nil {
		t.Fatalf("expected error for malformed BS_TRACING_FRAME_EVERY")
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
}
