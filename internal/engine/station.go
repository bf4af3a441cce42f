package engine

import (
	"context"
	"errors"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

func (e *Engine) send(ctx context.Context, cid mac.CID, msg wire.Message) {
	pdu, err := wire.EncodePDU(cid, msg)
	if err != nil {
		e.log.Error(ctx, "encode management message",
			logging.Stringer("message", msg.Type()),
			logging.Uint16("cid", uint16(cid)),
			logging.Err(err))
		return
	}
	e.out.Send(ctx, cid, pdu)
}

// capabilities answers SBC-REQ. A repeated request is answered again
// without restarting T17.
func (e *Engine) capabilities(ctx context.Context, ss *registry.SS, req *wire.SbcReq) error {
	if !ss.Ranging.Completed {
		return e.violation(ctx, reasonOutOfOrder, ss.Basic, errors.New("SBC-REQ before ranging completed"))
	}
	e.stats.sbc.Inc()
	e.timers.Cancel(&ss.T9)
	ss.Capabilities = e.cfg.Capabilities.Intersect(req.Capabilities)
	e.send(ctx, ss.Basic, &wire.SbcRsp{Capabilities: ss.Capabilities})
	if !ss.Registered && !e.timers.Active(ss.T17) {
		ss.T17 = e.timers.Set(e.cfg.T17, timer.Payload{Kind: timer.KindT17, CID: ss.Basic})
		e.log.Debug(ctx, "basic capabilities negotiated", logging.Uint16("cid", uint16(ss.Basic)))
	}
	return nil
}

// provisioned reports whether ss may register and its rate cap.
func (e *Engine) provisioned(ss *registry.SS) (bool, uint32) {
	if e.prov == nil {
		return !e.cfg.RequireProvisioning, 0
	}
	entry, ok := e.prov.Lookup(ss.MAC)
	if !ok {
		return !e.cfg.RequireProvisioning, 0
	}
	return entry.Allowed, entry.MaxRate
}

// clampQoS applies the provisioned rate cap to a requested parameter set.
func (e *Engine) clampQoS(ss *registry.SS, q *mac.QoS) {
	_, limit := e.provisioned(ss)
	if limit == 0 {
		return
	}
	if q.MaxSustainedRate == 0 || q.MaxSustainedRate > limit {
		q.MaxSustainedRate = limit
	}
	if q.MinReservedRate > limit {
		q.MinReservedRate = limit
	}
}

// negotiate returns the registration parameters the base station grants.
func (e *Engine) negotiate(req wire.Registration) wire.Registration {
	return wire.Registration{
		ManagementSupport: req.ManagementSupport,
		IPManagementMode:  req.IPManagementMode,
		IPVersion:         req.IPVersion,
		NumULCIDs:         req.NumULCIDs,
		ARQSupport:        req.ARQSupport && e.cfg.Dsx.ARQ.Enabled,
		DSxFlowControl:    req.DSxFlowControl,
		MACCRCSupport:     req.MACCRCSupport,
	}
}

func (e *Engine) regResponse(ss *registry.SS) *wire.RegRsp {
	rsp := &wire.RegRsp{Response: wire.RegResponseOK, Registration: ss.Registration}
	if ss.Secondary != 0 {
		sec := ss.Secondary
		rsp.SecondaryCID = &sec
	}
	return rsp
}

// registration answers REG-REQ. A station the provisioning table refuses
// is told so and removed once the response has gone out.
func (e *Engine) registration(ctx context.Context, ss *registry.SS, req *wire.RegReq) error {
	if ss.Registered {
		e.send(ctx, ss.Primary, e.regResponse(ss))
		return nil
	}
	if !ss.Ranging.Completed {
		return e.violation(ctx, reasonOutOfOrder, ss.Primary, errors.New("REG-REQ before ranging completed"))
	}
	e.timers.Cancel(&ss.T9)
	e.timers.Cancel(&ss.T17)

	if ok, _ := e.provisioned(ss); !ok {
		e.stats.regFailures.Inc()
		e.send(ctx, ss.Primary, &wire.RegRsp{Response: wire.RegResponseFailure})
		e.log.Warn(ctx, "registration refused, station not provisioned",
			logging.Stringer("mac", ss.MAC),
			logging.Uint16("cid", uint16(ss.Basic)))
		e.depart(ss)
		return nil
	}

	ss.Registration = e.negotiate(req.Registration)
	ss.ManagementSupport = req.ManagementSupport
	if ss.ManagementSupport {
		if _, err := e.reg.AssignSecondary(ss); err != nil {
			e.stats.regFailures.Inc()
			e.send(ctx, ss.Primary, &wire.RegRsp{Response: wire.RegResponseFailure})
			e.log.Error(ctx, "no secondary management cid", logging.Uint16("cid", uint16(ss.Basic)), logging.Err(err))
			e.depart(ss)
			return nil
		}
	}
	e.send(ctx, ss.Primary, e.regResponse(ss))
	ss.Registered = true
	e.stats.registrations.Inc()
	if err := e.ranging.Registered(ctx, ss); err != nil {
		e.log.Warn(ctx, "periodic ranging not started", logging.Uint16("cid", uint16(ss.Basic)), logging.Err(err))
	}
	e.log.Info(ctx, "station registered",
		logging.Stringer("mac", ss.MAC),
		logging.Uint16("basic", uint16(ss.Basic)),
		logging.Uint16("secondary", uint16(ss.Secondary)))
	return nil
}

// deregistration answers DREG-REQ with DREG-CMD and removes the station.
func (e *Engine) deregistration(ctx context.Context, ss *registry.SS, req *wire.DregReq) error {
	e.stats.deregistrations.Inc()
	e.send(ctx, ss.Basic, &wire.DregCmd{Action: wire.DregCmdLeave})
	e.log.Info(ctx, "station deregistering",
		logging.Uint16("cid", uint16(ss.Basic)),
		logging.Int("code", int(req.Code)))
	e.depart(ss)
	return nil
}

// depart stops the station's protocol timers and arms its eviction.
func (e *Engine) depart(ss *registry.SS) {
	e.timers.Cancel(&ss.T9)
	e.timers.Cancel(&ss.T17)
	e.timers.Cancel(&ss.Ranging.Periodic)
	ss.Ranging.NeedInvited = false
	ss.Ranging.Invited = false
	e.timers.Replace(&ss.Evict, e.evictDelay, timer.Payload{Kind: timer.KindEvict, CID: ss.Basic})
}

// evict removes the station owning basic with all of its flows.
func (e *Engine) evict(ctx context.Context, basic mac.CID, reason string) {
	ss, err := e.reg.LookupByCID(basic)
	if err != nil {
		return
	}
	addr := ss.MAC
	if err := e.reg.RemoveSS(basic, true); err != nil {
		e.log.Error(ctx, "evict station", logging.Uint16("cid", uint16(basic)), logging.Err(err))
		return
	}
	e.stats.evictions.Inc()
	e.log.Info(ctx, "station removed",
		logging.Stringer("mac", addr),
		logging.Uint16("cid", uint16(basic)),
		logging.String("reason", reason))
}
