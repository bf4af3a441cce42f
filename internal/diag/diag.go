// Package diag serves engine diagnostics over gRPC: the standard health
// service and bsdiag.Diagnostics/GetStats, which returns the engine counters
// as a google.protobuf.Struct.
package diag

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/bs-mac-engine/internal/engine"
	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
)

const (
	// ServiceName is the diagnostics service, also used as the health
	// service name.
	ServiceName = "bsdiag.Diagnostics"
	// GetStatsMethod is the full method name of GetStats.
	GetStatsMethod = "/" + ServiceName + "/GetStats"
)

// Source is the engine as seen by the diagnostics server.
type Source interface {
	Stats() engine.Stats
	Err() error
}

// DiagnosticsServer is the server API of bsdiag.Diagnostics.
type DiagnosticsServer interface {
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes bsdiag.Diagnostics for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bsdiag/diagnostics.proto",
}

func getStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetStatsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DiagnosticsServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// GetStats calls bsdiag.Diagnostics/GetStats on cc.
func GetStats(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, GetStatsMethod, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Server implements DiagnosticsServer and owns the health status of the
// engine.
type Server struct {
	src    Source
	log    logging.Logger
	health *health.Server
}

var _ DiagnosticsServer = (*Server)(nil)

// NewServer returns a server reporting on src. The health status starts as
// SERVING unless src has already failed.
func NewServer(src Source, log logging.Logger) *Server {
	s := &Server{src: src, log: logging.OrNoop(log), health: health.NewServer()}
	s.Refresh()
	return s
}

// Health returns the health service to register.
func (s *Server) Health() healthpb.HealthServer { return s.health }

// GetStats implements DiagnosticsServer.
func (s *Server) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(StatsMap(s.src.Stats()))
	if err != nil {
		logging.OrNoop(logging.LoggerFromContext(ctx)).Error(ctx, "encode stats", logging.Err(err))
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

// Refresh sets the health status from the engine's fatal error.
func (s *Server) Refresh() {
	st := healthpb.HealthCheckResponse_SERVING
	if s.src.Err() != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Watch refreshes the health status every interval until ctx is done, then
// marks every service NOT_SERVING.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// StatsMap flattens stats into values structpb accepts.
func StatsMap(st engine.Stats) map[string]interface{} {
	m := map[string]interface{}{
		"instance_id":           st.InstanceID,
		"failed":                st.Failed,
		"frames":                st.Frames,
		"ie_mismatches":         st.IEMismatches,
		"ranging_requests":      st.RangingRequests,
		"cdma_codes":            st.CDMACodes,
		"ranging_success":       st.RangingSuccess,
		"ranging_continue":      st.RangingContinue,
		"ranging_abort":         st.RangingAbort,
		"sbc_exchanges":         st.SBCExchanges,
		"registrations":         st.Registrations,
		"registration_failures": st.RegistrationFailures,
		"deregistrations":       st.Deregistrations,
		"evictions":             st.Evictions,
		"dsx_received":          counts(st.DsxReceived),
		"dsx_initiated":         counts(st.DsxInitiated),
		"dsx_completed":         st.DsxCompleted,
		"dsx_rejected":          st.DsxRejected,
		"dsx_exhausted":         st.DsxExhausted,
		"retransmissions":       st.Retransmissions,
		"admission_rejects":     st.AdmissionRejects,
		"bandwidth_requests":    st.BandwidthRequests,
		"uplink_pdus":           st.UplinkPDUs,
		"downlink_sdus":         st.DownlinkSDUs,
		"violations":            st.Violations,
		"management_sent":       st.ManagementSent,
		"dropped":               st.Dropped,
	}
	if st.Error != "" {
		m["error"] = st.Error
	}
	if r := st.Registry; r != nil {
		m["registry"] = map[string]interface{}{
			"stations":         r.Stations,
			"registered":       r.Registered,
			"ranged":           r.Ranged,
			"flows":            r.Flows,
			"multicast":        r.Multicast,
			"admitted":         r.Admitted,
			"active":           r.Active,
			"reserved_slots":   r.ReservedSlots,
			"flows_by_service": counts(r.FlowsByService),
			"station_states":   counts(r.StationStates),
		}
	}
	if f := st.LastFrame; f != nil {
		m["last_frame"] = map[string]interface{}{
			"number":        f.Number,
			"ul_slots":      f.ULSlots,
			"ul_used":       f.ULUsed,
			"dl_slots":      f.DLSlots,
			"dl_used":       f.DLUsed,
			"ul_ies":        f.ULIEs,
			"dl_ies":        f.DLIEs,
			"pdus":          f.PDUs,
			"descriptors":   f.Descriptors,
			"swept":         f.Swept,
			"build_time_us": f.BuildTime.Microseconds(),
		}
	}
	return m
}

func counts[V int | uint64](in map[string]V) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
