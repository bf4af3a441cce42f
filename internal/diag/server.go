package diag

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/observability"
)

const requestIDMetadataKey = "x-request-id"

// NewGRPCServer returns a gRPC server carrying the diagnostics and health
// services, instrumented with OpenTelemetry and the engine's RPC metrics.
func NewGRPCServer(s *Server, collector *observability.EngineCollector, log logging.Logger, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			LoggingUnaryServerInterceptor(log),
			collector.UnaryServerInterceptor(),
		),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	srv.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(srv, s.Health())
	return srv
}

// LoggingUnaryServerInterceptor attaches a logger carrying the method and,
// when the caller sent one, its x-request-id to the handler context. The
// request id is also set on the active span.
func LoggingUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	base = logging.OrNoop(base)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		l := base.With(logging.String("method", info.FullMethod))
		if id := firstHeader(ctx, requestIDMetadataKey); id != "" {
			l = l.With(logging.String("request_id", id))
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("request_id", id))
		}
		service, method := observability.SplitMethod(info.FullMethod)
		trace.SpanFromContext(ctx).SetName(fmt.Sprintf("Diag/%s/%s", service, method))
		ctx = logging.ContextWithLogger(ctx, l)

		resp, err := handler(ctx, req)
		if err != nil {
			l.Warn(ctx, "diagnostics call failed", logging.Err(err))
		}
		return resp, err
	}
}

func firstHeader(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
