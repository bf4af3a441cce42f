package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/dsx"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ranging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/observability"
)

// Violation reasons.
const (
	reasonDecode        = "decode"
	reasonUnknownCID    = "unknown_cid"
	reasonUnexpected    = "unexpected_message"
	reasonOutOfOrder    = "out_of_order"
	reasonNotRegistered = "not_registered"
	reasonInactiveFlow  = "inactive_flow"
	reasonUnknownTxn    = "unknown_transaction"
	reasonReservedCID   = "reserved_cid"
)

func (e *Engine) violation(ctx context.Context, reason string, cid mac.CID, err error) error {
	e.stats.violations.Inc()
	if e.metrics != nil {
		e.metrics.ProtocolViolation(reason)
	}
	e.log.Warn(ctx, "inbound pdu dropped",
		logging.String("reason", reason),
		logging.Uint16("cid", uint16(cid)),
		logging.Err(err))
	return fmt.Errorf("%w: %s on %s: %v", ErrProtocolViolation, reason, cid, err)
}

// ReceiveMacPdu processes an uplink burst received in the allocation of
// cid. The burst may hold several concatenated PDUs; each is dispatched on
// the CID of its own header. A malformed PDU ends the burst, the PDUs
// before it are still processed.
func (e *Engine) ReceiveMacPdu(ctx context.Context, cid mac.CID, payload []byte, meas mac.Measurement) error {
	if err := e.Err(); err != nil {
		return err
	}
	pdus, splitErr := wire.SplitPDUs(payload)
	var errs []error
	for _, p := range pdus {
		if err := e.receive(ctx, p, meas); err != nil {
			errs = append(errs, err)
		}
		if e.Err() != nil {
			return e.Err()
		}
	}
	if splitErr != nil {
		errs = append(errs, e.violation(ctx, reasonDecode, cid, splitErr))
	}
	return errors.Join(errs...)
}

// ReceiveCDMACode processes a ranging code detected in a contention region.
func (e *Engine) ReceiveCDMACode(ctx context.Context, attrs wire.CDMAAttributes, meas mac.Measurement) error {
	if err := e.Err(); err != nil {
		return err
	}
	e.stats.cdmaCodes.Inc()
	e.ranging.HandleCDMACode(ctx, attrs, meas)
	return nil
}

func (e *Engine) receive(ctx context.Context, p wire.PDU, meas mac.Measurement) error {
	if p.Header.Bandwidth != nil {
		return e.bandwidthRequest(ctx, *p.Header.Bandwidth)
	}
	cid := p.Header.Generic.CID
	switch cid.Class() {
	case mac.ClassInitialRanging, mac.ClassBasic, mac.ClassPrimary:
		return e.management(ctx, cid, p.Payload, meas)
	case mac.ClassTransport:
		return e.uplinkData(ctx, cid, p.Payload)
	default:
		return e.violation(ctx, reasonReservedCID, cid, errors.New("no uplink traffic expected"))
	}
}

func (e *Engine) management(ctx context.Context, cid mac.CID, body []byte, meas mac.Measurement) error {
	msg, err := wire.Unmarshal(body)
	if err != nil {
		return e.violation(ctx, reasonDecode, cid, err)
	}
	ctx, span := e.tracer.Start(ctx, observability.PDUSpan)
	defer span.End()
	span.SetAttributes(
		attribute.Int("bs.cid", int(cid)),
		attribute.String("bs.message", msg.Type().String()),
	)

	err = e.dispatch(ctx, cid, msg, meas)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) dispatch(ctx context.Context, cid mac.CID, msg wire.Message, meas mac.Measurement) error {
	if cid == mac.InitialRangingCID {
		req, ok := msg.(*wire.RngReq)
		if !ok {
			return e.violation(ctx, reasonUnexpected, cid, fmt.Errorf("%s on initial ranging", msg.Type()))
		}
		return e.initialRanging(ctx, req, meas)
	}

	ss, err := e.reg.LookupByCID(cid)
	if err != nil {
		return e.violation(ctx, reasonUnknownCID, cid, err)
	}
	if e.timers.Active(ss.Evict) {
		e.log.Debug(ctx, "ignoring pdu from departing station",
			logging.Uint16("cid", uint16(cid)), logging.Stringer("message", msg.Type()))
		return nil
	}
	if cid == ss.Basic {
		switch m := msg.(type) {
		case *wire.RngReq:
			e.stats.rangingRequests.Inc()
			if _, err := e.ranging.HandleInvitedRequest(ctx, ss, m, meas); err != nil {
				return e.violation(ctx, reasonOutOfOrder, cid, err)
			}
			return nil
		case *wire.SbcReq:
			return e.capabilities(ctx, ss, m)
		case *wire.DregReq:
			return e.deregistration(ctx, ss, m)
		}
		return e.violation(ctx, reasonUnexpected, cid, fmt.Errorf("%s on basic cid", msg.Type()))
	}

	switch m := msg.(type) {
	case *wire.RegReq:
		return e.registration(ctx, ss, m)
	case *wire.DregReq:
		return e.deregistration(ctx, ss, m)
	case *wire.DsaReq, *wire.DscReq, *wire.DsdReq:
		return e.dsxRequest(ctx, ss, msg.(wire.DsxMessage))
	case *wire.DsaRsp, *wire.DscRsp, *wire.DsdRsp:
		return e.dsxResult(ctx, ss, e.dsx.HandleResponse(ctx, ss, msg.(wire.DsxMessage)))
	case *wire.DsaAck, *wire.DscAck:
		return e.dsxResult(ctx, ss, e.dsx.HandleAck(ctx, ss, msg.(wire.DsxMessage)))
	}
	return e.violation(ctx, reasonUnexpected, cid, fmt.Errorf("%s on primary cid", msg.Type()))
}

func (e *Engine) initialRanging(ctx context.Context, req *wire.RngReq, meas mac.Measurement) error {
	e.stats.rangingRequests.Inc()
	_, err := e.ranging.HandleInitialRequest(ctx, req, meas)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrCIDSpaceExhausted):
		e.fail(ctx, err)
		return err
	case errors.Is(err, ranging.ErrMissingMAC):
		return e.violation(ctx, reasonDecode, mac.InitialRangingCID, err)
	default:
		return e.violation(ctx, reasonOutOfOrder, mac.InitialRangingCID, err)
	}
}

func (e *Engine) dsxRequest(ctx context.Context, ss *registry.SS, msg wire.DsxMessage) error {
	if !ss.Registered {
		return e.violation(ctx, reasonNotRegistered, ss.Primary, fmt.Errorf("%s before REG-REQ", msg.Type()))
	}
	var k mac.TxnKind
	switch m := msg.(type) {
	case *wire.DsaReq:
		k = mac.TxnAdd
		e.clampQoS(ss, &m.Flow.QoS)
	case *wire.DscReq:
		k = mac.TxnChange
		e.clampQoS(ss, &m.Flow.QoS)
	case *wire.DsdReq:
		k = mac.TxnDelete
	}
	e.stats.dsxReceived[k].Inc()
	return e.dsxResult(ctx, ss, e.dsx.HandleRequest(ctx, ss, msg))
}

func (e *Engine) dsxResult(ctx context.Context, ss *registry.SS, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dsx.ErrUnknownTransaction):
		return e.violation(ctx, reasonUnknownTxn, ss.Primary, err)
	case errors.Is(err, dsx.ErrInvalidTransition):
		return e.violation(ctx, reasonOutOfOrder, ss.Primary, err)
	default:
		e.log.Warn(ctx, "dsx message failed", logging.Uint16("cid", uint16(ss.Primary)), logging.Err(err))
		return err
	}
}

// bandwidthRequest credits a request header to the flow or, for management
// connections, to the station.
func (e *Engine) bandwidthRequest(ctx context.Context, br wire.BandwidthRequest) error {
	e.stats.bandwidthRequests.Inc()
	credit := func(pending *int) {
		if br.Aggregate {
			*pending = int(br.Bytes)
		} else {
			*pending += int(br.Bytes)
		}
	}
	if f, ok := e.reg.FlowByCID(br.CID); ok {
		if f.Multicast() || f.Direction != mac.Uplink || !f.Activated {
			return e.violation(ctx, reasonInactiveFlow, br.CID, errors.New("bandwidth request for a flow that cannot be granted"))
		}
		credit(&f.RequestedBytes)
		f.LastActivity = e.timers.Now()
		return nil
	}
	ss, err := e.reg.LookupByCID(br.CID)
	if err != nil {
		return e.violation(ctx, reasonUnknownCID, br.CID, err)
	}
	credit(&ss.BasicRequestBytes)
	return nil
}

// uplinkData hands a transport PDU to the convergence sublayer.
func (e *Engine) uplinkData(ctx context.Context, cid mac.CID, payload []byte) error {
	now := e.timers.Now()
	f, ok := e.reg.FlowByCID(cid)
	if !ok {
		ss, err := e.reg.LookupByCID(cid)
		if err != nil || ss.Secondary != cid {
			return e.violation(ctx, reasonUnknownCID, cid, registry.ErrUnknownCID)
		}
		e.deliver(payload, ss)
		return nil
	}
	if f.Multicast() || f.Direction != mac.Uplink || !f.Activated {
		return e.violation(ctx, reasonInactiveFlow, cid, errors.New("uplink data on a flow that is not an active uplink flow"))
	}
	f.LastActivity = now
	e.deliver(payload, f.Owner)
	return nil
}

func (e *Engine) deliver(payload []byte, ss *registry.SS) {
	e.stats.uplinkPDUs.Inc()
	if e.classifier != nil {
		e.classifier.PacketFromLower(payload, ss.MAC, ss.Basic)
	}
}
