// Package observability holds the engine's Prometheus collectors and the
// OpenTelemetry tracing setup.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// EngineCollector bundles the protocol-level metrics of the MAC engine and
// the diagnostics RPC surface.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	RangingOutcomes     *prometheus.CounterVec
	DsxTransactions     *prometheus.CounterVec
	DsxRetransmissions  *prometheus.CounterVec
	AdmissionDecisions  *prometheus.CounterVec
	ProtocolViolations  *prometheus.CounterVec
	ConfigFallbacks     prometheus.Counter
	RegisteredStations  prometheus.Gauge
	ServiceFlows        prometheus.Gauge
	DiagRequests        *prometheus.CounterVec
	DiagRequestDuration *prometheus.HistogramVec
}

// NewEngineCollector registers the engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &EngineCollector{gatherer: gatherer}
	var err error

	if c.RangingOutcomes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bs_ranging_outcomes_total",
		Help: "Ranging responses by outcome (success, continue, abort).",
	}, []string{"outcome"}), "bs_ranging_outcomes_total"); err != nil {
		return nil, err
	}
	if c.DsxTransactions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bs_dsx_transactions_total",
		Help: "Completed dynamic service transactions by kind, role and result.",
	}, []string{"kind", "role", "result"}), "bs_dsx_transactions_total"); err != nil {
		return nil, err
	}
	if c.DsxRetransmissions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bs_dsx_retransmissions_total",
		Help: "Cached DSx PDUs sent again after a timeout or a duplicate.",
	}, []string{"kind", "role"}), "bs_dsx_retransmissions_total"); err != nil {
		return nil, err
	}
	if c.AdmissionDecisions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bs_admission_decisions_total",
		Help: "Admission control decisions by direction and result.",
	}, []string{"direction", "result"}), "bs_admission_decisions_total"); err != nil {
		return nil, err
	}
	if c.ProtocolViolations, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bs_protocol_violations_total",
		Help: "Inbound PDUs dropped as protocol violations, by reason.",
	}, []string{"reason"}), "bs_protocol_violations_total"); err != nil {
		return nil, err
	}
	if c.ConfigFallbacks, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bs_config_fallbacks_total",
		Help: "Configuration values replaced by a fallback at start-up.",
	}), "bs_config_fallbacks_total"); err != nil {
		return nil, err
	}
	if c.RegisteredStations, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bs_registered_stations",
		Help: "Subscriber stations currently known to the registry.",
	}), "bs_registered_stations"); err != nil {
		return nil, err
	}
	if c.ServiceFlows, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bs_service_flows",
		Help: "Service flows currently installed, unicast and multicast.",
	}), "bs_service_flows"); err != nil {
		return nil, err
	}
	if c.DiagRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bs_diag_requests_total",
		Help: "Total number of handled diagnostics RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "bs_diag_requests_total"); err != nil {
		return nil, err
	}
	if c.DiagRequestDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bs_diag_request_duration_seconds",
		Help:    "Diagnostics RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "bs_diag_request_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// RangingOutcome counts one RNG-RSP status.
func (c *EngineCollector) RangingOutcome(outcome string) {
	if c == nil || c.RangingOutcomes == nil {
		return
	}
	c.RangingOutcomes.WithLabelValues(outcome).Inc()
}

// DsxTransaction counts a transaction reaching a result.
func (c *EngineCollector) DsxTransaction(kind, role, result string) {
	if c == nil || c.DsxTransactions == nil {
		return
	}
	c.DsxTransactions.WithLabelValues(kind, role, result).Inc()
}

// DsxRetransmission counts a cached PDU sent again.
func (c *EngineCollector) DsxRetransmission(kind, role string) {
	if c == nil || c.DsxRetransmissions == nil {
		return
	}
	c.DsxRetransmissions.WithLabelValues(kind, role).Inc()
}

// AdmissionDecision counts an admission result for a direction.
func (c *EngineCollector) AdmissionDecision(direction string, admitted bool) {
	if c == nil || c.AdmissionDecisions == nil {
		return
	}
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	c.AdmissionDecisions.WithLabelValues(direction, result).Inc()
}

// ProtocolViolation counts a dropped inbound PDU.
func (c *EngineCollector) ProtocolViolation(reason string) {
	if c == nil || c.ProtocolViolations == nil {
		return
	}
	c.ProtocolViolations.WithLabelValues(reason).Inc()
}

// AddConfigFallbacks counts configuration fallbacks applied at start-up.
func (c *EngineCollector) AddConfigFallbacks(n int) {
	if c == nil || c.ConfigFallbacks == nil || n <= 0 {
		return
	}
	c.ConfigFallbacks.Add(float64(n))
}

// SetRegistryCounts updates the station and flow gauges.
func (c *EngineCollector) SetRegistryCounts(stations, flows int) {
	if c == nil {
		return
	}
	if c.RegisteredStations != nil {
		c.RegisteredStations.Set(float64(stations))
	}
	if c.ServiceFlows != nil {
		c.ServiceFlows.Set(float64(flows))
	}
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *EngineCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.DiagRequests != nil {
			c.DiagRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.DiagRequestDuration != nil {
			c.DiagRequestDuration.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
