// Package ranging runs the per-station ranging state machine: initial and
// periodic ranging through invited opportunities, power correction, burst
// profile selection and CDMA code handling.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

// ErrMissingMAC is returned for an initial RNG-REQ without a MAC address.
var ErrMissingMAC = errors.New("ranging: initial request without mac address")

// Outcome is the result of one ranging opportunity.
type Outcome string

const (
	Success  Outcome = "success"
	Continue Outcome = "continue"
	Abort    Outcome = "abort"
	Fallback Outcome = "fallback"
)

// Config holds the ranging timers and limits.
type Config struct {
	ULChannelID       uint8
	T9                time.Duration
	RngRspProcessing  time.Duration
	PeriodicCorrect   time.Duration
	PeriodicAccept    time.Duration
	InvitedRetries    int
	CorrectionRetries int
	// PowerMargin is required above receiver sensitivity, in dB.
	PowerMargin float64
}

// DefaultConfig returns the standard ranging parameters.
func DefaultConfig() Config {
	return Config{
		T9:                300 * time.Millisecond,
		RngRspProcessing:  10 * time.Millisecond,
		PeriodicCorrect:   50 * time.Millisecond,
		PeriodicAccept:    100 * time.Millisecond,
		InvitedRetries:    16,
		CorrectionRetries: 16,
		PowerMargin:       3,
	}
}

// Recorder receives ranging outcomes for metrics.
type Recorder interface {
	RangingOutcome(outcome string)
}

// Machine drives ranging for every station in the registry.
type Machine struct {
	cfg     Config
	reg     *registry.Registry
	phy     ports.PHY
	timers  *timer.Facility
	out     ports.Outbox
	log     logging.Logger
	metrics Recorder

	cdma      map[wire.CDMAAttributes]*cdmaRequest
	cdmaOrder []wire.CDMAAttributes
}

// New returns a machine. metrics may be nil.
func New(cfg Config, reg *registry.Registry, phy ports.PHY, timers *timer.Facility, out ports.Outbox, log logging.Logger, metrics Recorder) *Machine {
	return &Machine{
		cfg:     cfg,
		reg:     reg,
		phy:     phy,
		timers:  timers,
		out:     out,
		log:     logging.OrNoop(log),
		metrics: metrics,
		cdma:    make(map[wire.CDMAAttributes]*cdmaRequest),
	}
}

func (m *Machine) record(o Outcome) {
	if m.metrics != nil {
		m.metrics.RangingOutcome(string(o))
	}
}

func (m *Machine) send(ctx context.Context, cid mac.CID, msg wire.Message) {
	pdu, err := wire.EncodePDU(cid, msg)
	if err != nil {
		m.log.Error(ctx, "encode ranging response", logging.Uint16("cid", uint16(cid)), logging.Err(err))
		return
	}
	m.out.Send(ctx, cid, pdu)
}

// HandleInitialRequest processes an RNG-REQ on the initial ranging CID. An
// unknown MAC gets a new record. A known one still in initial ranging (its
// earlier response was lost) has its retry counters reset. A known one that
// had reached periodic ranging or registration restarted network entry, so
// its record is released with its flows and a fresh one is created. Either
// way the station receives its CIDs and an invited opportunity once the
// response processing time has passed. Channel redirection is never
// requested.
func (m *Machine) HandleInitialRequest(ctx context.Context, req *wire.RngReq, meas mac.Measurement) (*registry.SS, error) {
	if req.MAC == nil {
		return nil, ErrMissingMAC
	}
	ss, known := m.reg.LookupByMAC(*req.MAC)
	if known && reentering(ss) {
		m.log.Info(ctx, "station restarted network entry",
			logging.Stringer("mac", ss.MAC),
			logging.Uint16("cid", uint16(ss.Basic)),
			logging.String("state", string(ss.Ranging.State)))
		if err := m.reg.RemoveSS(ss.Basic, true); err != nil {
			return nil, err
		}
		known = false
	}
	if known && !can(ss, evInitialRequest) {
		return ss, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, evInitialRequest, ss.Ranging.State)
	}
	if !known {
		var err error
		if ss, err = m.reg.AddSS(*req.MAC); err != nil {
			return nil, err
		}
		ss.ULProfile = mac.UIUCMostRobust
		ss.DLProfile = mac.DIUCMostRobust
	}
	if err := fire(ctx, ss, evInitialRequest); err != nil {
		return ss, err
	}
	ss.Ranging.InvitedRetries = 0
	ss.Ranging.CorrectionRetries = 0
	ss.Ranging.Invited = false
	ss.Ranging.NeedInvited = false
	ss.Ranging.Completed = false
	m.timers.Cancel(&ss.T9)
	ss.Measurements.Add(meas)

	basic, primary := ss.Basic, ss.Primary
	rsp := &wire.RngRsp{
		ULChannelID: m.cfg.ULChannelID,
		Status:      mac.RangingContinue,
		MAC:         req.MAC,
		BasicCID:    &basic,
		PrimaryCID:  &primary,
	}
	if adj, ok := m.powerAdjust(meas); ok {
		rsp.PowerAdjust = &adj
	}
	m.send(ctx, mac.InitialRangingCID, rsp)
	ss.Ranging.LastStatus = mac.RangingContinue
	m.timers.Replace(&ss.Ranging.RspTimer, m.cfg.RngRspProcessing,
		timer.Payload{Kind: timer.KindRngRspProcessing, CID: ss.Basic})
	m.log.Debug(ctx, "initial ranging request",
		logging.Stringer("mac", ss.MAC),
		logging.Uint16("cid", uint16(ss.Basic)),
		logging.Any("known", known),
	)
	return ss, nil
}

// reentering reports whether an initial request from ss abandons a
// completed network entry.
func reentering(ss *registry.SS) bool {
	if ss.Registered {
		return true
	}
	switch ss.Ranging.State {
	case registry.PeriodicIdle, registry.PeriodicCorrecting, registry.Aborted:
		return true
	}
	return false
}

// threshold is the RSSI a burst of the given modulation must reach.
func (m *Machine) threshold(mod mac.Modulation) float64 {
	return m.phy.Sensitivity(mod) + m.cfg.PowerMargin
}

// powerAdjust returns the correction, in 0.25 dB units, that brings meas to
// the threshold. ok is false when no correction is needed.
func (m *Machine) powerAdjust(meas mac.Measurement) (int8, bool) {
	diff := m.threshold(meas.Modulation) - meas.RSSI
	if diff <= 0 {
		return 0, false
	}
	q := math.Ceil(diff * 4)
	if q > math.MaxInt8 {
		q = math.MaxInt8
	}
	return int8(q), true
}

// HandleInvitedRequest evaluates an RNG-REQ received in an invited
// opportunity on the station's basic CID.
func (m *Machine) HandleInvitedRequest(ctx context.Context, ss *registry.SS, req *wire.RngReq, meas mac.Measurement) (Outcome, error) {
	ss.Ranging.Invited = false
	ss.Ranging.InvitedRetries = 0
	m.timers.Cancel(&ss.Ranging.RspTimer)
	ss.Measurements.Add(meas)
	now := m.timers.Now()

	if meas.RSSI >= m.threshold(meas.Modulation) {
		if err := fire(ctx, ss, evSuccess); err != nil {
			return "", err
		}
		ss.Ranging.CorrectionRetries = 0
		mean, ok := ss.Measurements.Mean(now)
		if !ok {
			mean = meas
		}
		ss.ULProfile = m.phy.LeastRobustBurstProfile(mac.Uplink, mean)
		ss.DLProfile = m.phy.LeastRobustBurstProfile(mac.Downlink, mean)
		if req.DLBurst != nil && *req.DLBurst < ss.DLProfile {
			ss.DLProfile = *req.DLBurst
		}
		dl := uint16(ss.DLProfile)
		m.send(ctx, ss.Basic, &wire.RngRsp{ULChannelID: m.cfg.ULChannelID, Status: mac.RangingSuccess, DLOpBurst: &dl})
		ss.Ranging.LastStatus = mac.RangingSuccess
		if !ss.Ranging.Completed {
			ss.Ranging.Completed = true
			m.timers.Replace(&ss.T9, m.cfg.T9, timer.Payload{Kind: timer.KindT9, CID: ss.Basic})
			m.log.Info(ctx, "initial ranging complete",
				logging.Uint16("cid", uint16(ss.Basic)),
				logging.Int("ul_profile", int(ss.ULProfile)),
				logging.Int("dl_profile", int(ss.DLProfile)),
			)
		}
		if ss.Registered {
			m.armPeriodic(ss, m.cfg.PeriodicAccept)
		}
		m.record(Success)
		return Success, nil
	}

	ss.Ranging.CorrectionRetries++
	if ss.Ranging.CorrectionRetries > m.cfg.CorrectionRetries {
		m.abort(ctx, ss, "range correction retries exhausted")
		return Abort, nil
	}
	if err := fire(ctx, ss, evContinue); err != nil {
		return "", err
	}
	rsp := &wire.RngRsp{ULChannelID: m.cfg.ULChannelID, Status: mac.RangingContinue}
	if adj, ok := m.powerAdjust(meas); ok {
		rsp.PowerAdjust = &adj
	}
	m.send(ctx, ss.Basic, rsp)
	ss.Ranging.LastStatus = mac.RangingContinue
	ss.Ranging.NeedInvited = true
	if ss.Registered {
		m.armPeriodic(ss, m.cfg.PeriodicCorrect)
	}
	m.record(Continue)
	return Continue, nil
}

// MissedInvitation handles an invited opportunity that carried no request.
// It re-polls until the retry budget is spent; a station that has already
// completed ranging then falls back to the most robust profile once before
// it is aborted.
func (m *Machine) MissedInvitation(ctx context.Context, ss *registry.SS) Outcome {
	ss.Ranging.Invited = false
	ss.Ranging.InvitedRetries++
	if ss.Ranging.InvitedRetries <= m.cfg.InvitedRetries {
		ss.Ranging.NeedInvited = true
		m.record(Continue)
		return Continue
	}
	if ss.Ranging.Completed && ss.ULProfile != mac.UIUCMostRobust {
		ss.ULProfile = mac.UIUCMostRobust
		ss.DLProfile = mac.DIUCMostRobust
		ss.Ranging.InvitedRetries = 0
		ss.Ranging.NeedInvited = true
		m.log.Warn(ctx, "invited ranging unanswered, falling back to most robust profile",
			logging.Uint16("cid", uint16(ss.Basic)))
		m.record(Fallback)
		return Fallback
	}
	m.abort(ctx, ss, "invited ranging retries exhausted")
	return Abort
}

func (m *Machine) abort(ctx context.Context, ss *registry.SS, reason string) {
	_ = fire(ctx, ss, evAbort)
	addr := ss.MAC
	m.send(ctx, mac.InitialRangingCID, &wire.RngRsp{ULChannelID: m.cfg.ULChannelID, Status: mac.RangingAbort, MAC: &addr})
	m.log.Warn(ctx, "ranging aborted",
		logging.Uint16("cid", uint16(ss.Basic)),
		logging.Stringer("mac", ss.MAC),
		logging.String("reason", reason),
	)
	m.record(Abort)
	if err := m.reg.RemoveSS(ss.Basic, true); err != nil {
		m.log.Error(ctx, "evict station", logging.Err(err))
	}
}

// Registered moves a station into periodic ranging.
func (m *Machine) Registered(ctx context.Context, ss *registry.SS) error {
	if err := fire(ctx, ss, evRegistered); err != nil {
		return err
	}
	m.armPeriodic(ss, m.cfg.PeriodicAccept)
	return nil
}

func (m *Machine) armPeriodic(ss *registry.SS, d time.Duration) {
	m.timers.Replace(&ss.Ranging.Periodic, d, timer.Payload{Kind: timer.KindPeriodicRanging, CID: ss.Basic})
}

// PeriodicDue asks the scheduler to invite the station.
func (m *Machine) PeriodicDue(ctx context.Context, ss *registry.SS) {
	ss.Ranging.NeedInvited = true
}

// HandleTimer processes the ranging timers of ss.
func (m *Machine) HandleTimer(ctx context.Context, p timer.Payload) error {
	ss, err := m.reg.LookupByCID(p.CID)
	if err != nil {
		return err
	}
	switch p.Kind {
	case timer.KindRngRspProcessing:
		ss.Ranging.NeedInvited = true
	case timer.KindPeriodicRanging:
		m.PeriodicDue(ctx, ss)
	default:
		return fmt.Errorf("ranging: unexpected timer %s", p)
	}
	return nil
}
