package diag

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/bs-mac-engine/internal/engine"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/schedule"
	"github.com/signalsfoundry/bs-mac-engine/internal/observability"
)

type fakeSource struct {
	mu    sync.Mutex
	stats engine.Stats
	err   error
}

func (f *fakeSource) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func dial(t *testing.T, src *fakeSource) (*Server, *grpc.ClientConn, *observability.EngineCollector) {
	t.Helper()
	collector, err := observability.NewEngineCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	s := NewServer(src, nil)
	srv := NewGRPCServer(s, collector, nil)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return s, conn, collector
}

func TestGetStatsOverGRPC(t *testing.T) {
	src := &fakeSource{stats: engine.Stats{
		InstanceID:    "bs-1",
		Frames:        42,
		Registrations: 3,
		DsxReceived:   map[string]uint64{"DSA": 2, "DSC": 0, "DSD": 1},
		Registry: &registry.Snapshot{
			Stations:       3,
			Registered:     3,
			FlowsByService: map[string]int{"BE": 2},
			StationStates:  map[string]int{},
		},
		LastFrame: &schedule.FrameReport{Number: 41, ULSlots: 100, ULUsed: 12, BuildTime: 250 * time.Microsecond},
	}}
	_, conn, collector := dial(t, src)

	ctx := metadata.AppendToOutgoingContext(context.Background(), requestIDMetadataKey, "req-7")
	out, err := GetStats(ctx, conn)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	f := out.GetFields()
	if f["instance_id"].GetStringValue() != "bs-1" || f["frames"].GetNumberValue() != 42 {
		t.Fatalf("stats %v", out)
	}
	if f["dsx_received"].GetStructValue().GetFields()["DSA"].GetNumberValue() != 2 {
		t.Fatalf("dsx_received %v", f["dsx_received"])
	}
	reg := f["registry"].GetStructValue().GetFields()
	if reg["registered"].GetNumberValue() != 3 || reg["flows_by_service"].GetStructValue().GetFields()["BE"].GetNumberValue() != 2 {
		t.Fatalf("registry %v", reg)
	}
	frame := f["last_frame"].GetStructValue().GetFields()
	if frame["ul_used"].GetNumberValue() != 12 || frame["build_time_us"].GetNumberValue() != 250 {
		t.Fatalf("last_frame %v", frame)
	}
	if _, ok := f["error"]; ok {
		t.Fatalf("healthy engine reports an error")
	}
	if got := testutil.ToFloat64(collector.DiagRequests.WithLabelValues("Diagnostics", "GetStats", "OK")); got != 1 {
		t.Fatalf("diag requests = %v", got)
	}
}

func TestHealthFollowsEngine(t *testing.T) {
	src := &fakeSource{}
	s, conn, _ := dial(t, src)
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		rsp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return rsp.GetStatus()
	}
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %s", got)
	}

	src.fail(errors.New("registry: basic cid space exhausted"))
	s.Refresh()
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failure = %s", got)
	}
}

func TestWatchShutsDownHealth(t *testing.T) {
	src := &fakeSource{}
	s := NewServer(src, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	<-done
	rsp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rsp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %s", rsp.GetStatus())
	}
}

func TestStatsMapReportsFailure(t *testing.T) {
	m := StatsMap(engine.Stats{Failed: true, Error: "boom"})
	if m["failed"] != true || m["error"] != "boom" {
		t.Fatalf("map %v", m)
	}
	if _, ok := m["registry"]; ok {
		t.Fatalf("registry reported before the first frame")
	}
}
