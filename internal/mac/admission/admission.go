// Package admission decides whether the frame can carry the reservation a
// new or modified service flow asks for.
package admission

import (
	"context"
	"math"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
)

// Scheme selects the admission policy.
type Scheme string

const (
	SchemeNone  Scheme = "none"
	SchemeBasic Scheme = "basic"
)

// Config is the admission budget definition.
type Config struct {
	Scheme        Scheme
	FrameDuration time.Duration
	DLDuration    time.Duration
	TTG           time.Duration
	RTG           time.Duration
	// ControlOverhead is the fraction of each sub-frame reserved for maps,
	// descriptors and contention.
	ControlOverhead float64
	MaxULLoad       float64
	MaxDLLoad       float64
}

// DefaultConfig returns the default budget definition.
func DefaultConfig() Config {
	return Config{
		Scheme:          SchemeBasic,
		FrameDuration:   20 * time.Millisecond,
		DLDuration:      10 * time.Millisecond,
		TTG:             10 * time.Microsecond,
		RTG:             10 * time.Microsecond,
		ControlOverhead: 0.1,
		MaxULLoad:       0.7,
		MaxDLLoad:       0.7,
	}
}

// ULDuration is the uplink sub-frame length.
func (c Config) ULDuration() time.Duration {
	return c.FrameDuration - c.DLDuration - c.TTG - c.RTG
}

// Recorder receives admission decisions for metrics.
type Recorder interface {
	AdmissionDecision(direction string, admitted bool)
}

// Controller evaluates admission requests against the registry.
type Controller struct {
	cfg     Config
	phy     ports.PHY
	reg     *registry.Registry
	log     logging.Logger
	metrics Recorder
}

// New returns a controller.
func New(cfg Config, phy ports.PHY, reg *registry.Registry, log logging.Logger, metrics Recorder) *Controller {
	return &Controller{cfg: cfg, phy: phy, reg: reg, log: logging.OrNoop(log), metrics: metrics}
}

// usable removes the control overhead from d. The product is formed in
// float seconds and rounded to the nanosecond so fractions smaller than one
// clock tick are not lost.
func usable(d time.Duration, overhead float64) time.Duration {
	return time.Duration(math.Round(d.Seconds() * (1 - overhead) * float64(time.Second)))
}

// Budget returns the slots per second the direction can reserve.
func (c *Controller) Budget(dir mac.Direction) int {
	dur, load := c.cfg.DLDuration, c.cfg.MaxDLLoad
	if dir == mac.Uplink {
		dur, load = c.cfg.ULDuration(), c.cfg.MaxULLoad
	}
	if c.cfg.FrameDuration <= 0 || dur <= 0 {
		return 0
	}
	perFrame := c.phy.DurationToSlots(usable(dur, c.cfg.ControlOverhead), dir) * c.phy.Subchannels(dir)
	perSecond := float64(perFrame) * float64(time.Second) / float64(c.cfg.FrameDuration)
	return int(math.Floor(perSecond*load + loadEpsilon))
}

// loadEpsilon absorbs the binary representation error of the load factor.
const loadEpsilon = 1e-6

func profileOf(ss *registry.SS, dir mac.Direction) uint8 {
	switch {
	case ss == nil && dir == mac.Uplink:
		return mac.UIUCMostRobust
	case ss == nil:
		return mac.DIUCMostRobust
	case dir == mac.Uplink:
		return ss.ULProfile
	default:
		return ss.DLProfile
	}
}

// RequestSlots converts the reservation of a flow into slots per second on
// the station's current burst profile.
func (c *Controller) RequestSlots(ss *registry.SS, st mac.ServiceType, qos mac.QoS, dir mac.Direction) int {
	rate := qos.ReservedRate(st)
	if rate == 0 {
		return 0
	}
	return c.phy.BytesToSlots(int(rate/8), profileOf(ss, dir), dir)
}

// AdmittedSlots sums the reservations of every admitted non-BE flow of the
// direction, skipping exclude.
func (c *Controller) AdmittedSlots(dir mac.Direction, exclude *registry.Flow) int {
	total := 0
	add := func(f *registry.Flow) {
		if f != exclude && f.Direction == dir && f.Admitted && f.ServiceType != mac.ServiceBE {
			total += f.ReservedSlots
		}
	}
	for _, ss := range c.reg.Stations() {
		for _, f := range ss.AllFlows() {
			add(f)
		}
	}
	for _, f := range c.reg.MulticastFlows() {
		add(f)
	}
	return total
}

// Admit reports whether a new flow fits. Best effort flows and flows
// without a minimum reserved rate are always admitted.
func (c *Controller) Admit(ss *registry.SS, st mac.ServiceType, qos mac.QoS, dir mac.Direction) bool {
	return c.decide(ss, st, qos, dir, nil)
}

// AdmitChange reports whether f fits with qos in place of its current
// parameters.
func (c *Controller) AdmitChange(f *registry.Flow, qos mac.QoS) bool {
	return c.decide(f.Owner, f.ServiceType, qos, f.Direction, f)
}

func (c *Controller) decide(ss *registry.SS, st mac.ServiceType, qos mac.QoS, dir mac.Direction, exclude *registry.Flow) bool {
	if c.cfg.Scheme == SchemeNone || st == mac.ServiceBE || qos.MinReservedRate == 0 {
		c.record(dir, true)
		return true
	}
	req := c.RequestSlots(ss, st, qos, dir)
	budget := c.Budget(dir)
	used := c.AdmittedSlots(dir, exclude)
	ok := req <= budget && used+req <= budget
	c.record(dir, ok)
	if !ok {
		c.log.Info(context.Background(), "admission rejected",
			logging.Stringer("direction", dir),
			logging.Stringer("service", st),
			logging.Int("requested_slots", req),
			logging.Int("admitted_slots", used),
			logging.Int("budget_slots", budget),
		)
	}
	return ok
}

func (c *Controller) record(dir mac.Direction, ok bool) {
	if c.metrics != nil {
		c.metrics.AdmissionDecision(dir.String(), ok)
	}
}
