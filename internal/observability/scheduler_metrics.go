package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FrameCollector exposes frame scheduler metrics.
type FrameCollector struct {
	gatherer prometheus.Gatherer

	BuildDuration prometheus.Histogram
	ULSlotsUsed   prometheus.Gauge
	DLSlotsUsed   prometheus.Gauge
	MapIEs        *prometheus.CounterVec
	IEMismatches  prometheus.Counter
	FramesBuilt   prometheus.Counter
}

// NewFrameCollector registers frame metrics against the provided registerer.
func NewFrameCollector(reg prometheus.Registerer) (*FrameCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	build := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bs_frame_build_duration_seconds",
		Help:    "Wall time spent constructing one frame's maps.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02},
	})
	build, err := registerHistogram(reg, build, "bs_frame_build_duration_seconds")
	if err != nil {
		return nil, err
	}

	ulSlots, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bs_frame_ul_slots_used",
		Help: "Uplink slots allocated in the most recent frame.",
	}), "bs_frame_ul_slots_used")
	if err != nil {
		return nil, err
	}
	dlSlots, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bs_frame_dl_slots_used",
		Help: "Downlink slots allocated in the most recent frame.",
	}), "bs_frame_dl_slots_used")
	if err != nil {
		return nil, err
	}

	ies, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bs_map_ies_total",
		Help: "Information elements written to DL-MAP and UL-MAP messages.",
	}, []string{"map"}), "bs_map_ies_total")
	if err != nil {
		return nil, err
	}

	mismatch, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bs_map_ie_mismatch_total",
		Help: "Frames whose written IE count differed from the scheduled count.",
	}), "bs_map_ie_mismatch_total")
	if err != nil {
		return nil, err
	}

	frames, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bs_frames_built_total",
		Help: "Frames handed to the PHY.",
	}), "bs_frames_built_total")
	if err != nil {
		return nil, err
	}

	return &FrameCollector{
		gatherer:      gatherer,
		BuildDuration: build,
		ULSlotsUsed:   ulSlots,
		DLSlotsUsed:   dlSlots,
		MapIEs:        ies,
		IEMismatches:  mismatch,
		FramesBuilt:   frames,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FrameCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFrame records one built frame.
func (c *FrameCollector) ObserveFrame(d time.Duration, ulSlots, dlSlots, ulIEs, dlIEs int) {
	if c == nil {
		return
	}
	if c.BuildDuration != nil {
		c.BuildDuration.Observe(d.Seconds())
	}
	if c.ULSlotsUsed != nil {
		c.ULSlotsUsed.Set(float64(ulSlots))
	}
	if c.DLSlotsUsed != nil {
		c.DLSlotsUsed.Set(float64(dlSlots))
	}
	if c.MapIEs != nil {
		c.MapIEs.WithLabelValues("ul").Add(float64(ulIEs))
		c.MapIEs.WithLabelValues("dl").Add(float64(dlIEs))
	}
	if c.FramesBuilt != nil {
		c.FramesBuilt.Inc()
	}
}

// IncIEMismatch counts a frame whose IE accounting did not balance.
func (c *FrameCollector) IncIEMismatch() {
	if c == nil || c.IEMismatches == nil {
		return
	}
	c.IEMismatches.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
