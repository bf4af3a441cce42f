package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/dsx"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

func (e *Engine) registered(basic mac.CID) (*registry.SS, error) {
	ss, err := e.reg.LookupByCID(basic)
	if err != nil || ss.Basic != basic {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStation, basic)
	}
	if !ss.Registered {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, basic)
	}
	return ss, nil
}

func (e *Engine) flow(cid mac.CID) (*registry.Flow, error) {
	f, ok := e.reg.FlowByCID(cid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, cid)
	}
	return f, nil
}

// AddServiceFlow starts a base-station-initiated DSA for the station with
// the given basic CID and returns the CID of the new flow. The flow carries
// traffic once the station acknowledges it.
func (e *Engine) AddServiceFlow(ctx context.Context, basic mac.CID, spec dsx.FlowSpec) (mac.CID, error) {
	if err := e.Err(); err != nil {
		return 0, err
	}
	ss, err := e.registered(basic)
	if err != nil {
		return 0, err
	}
	e.clampQoS(ss, &spec.QoS)
	f, err := e.dsx.StartAdd(ctx, ss, spec)
	if err != nil {
		return 0, err
	}
	e.stats.dsxInitiated[mac.TxnAdd].Inc()
	return f.CID, nil
}

// AddMulticastFlow installs a downlink flow shared by all stations.
func (e *Engine) AddMulticastFlow(ctx context.Context, spec dsx.FlowSpec) (mac.CID, error) {
	if err := e.Err(); err != nil {
		return 0, err
	}
	if spec.Direction != mac.Downlink {
		return 0, fmt.Errorf("engine: multicast flows are downlink only")
	}
	f, err := e.dsx.AddMulticast(ctx, spec)
	if err != nil {
		return 0, err
	}
	return f.CID, nil
}

// ChangeServiceFlow starts a DSC proposing qos for the flow on cid.
func (e *Engine) ChangeServiceFlow(ctx context.Context, cid mac.CID, qos mac.QoS) error {
	if err := e.Err(); err != nil {
		return err
	}
	f, err := e.flow(cid)
	if err != nil {
		return err
	}
	if f.Owner != nil {
		e.clampQoS(f.Owner, &qos)
	}
	if err := e.dsx.StartChange(ctx, f, qos); err != nil {
		return err
	}
	e.stats.dsxInitiated[mac.TxnChange].Inc()
	return nil
}

// DeleteServiceFlow starts a DSD for the flow on cid. Multicast flows have
// no peer to ask and are removed at once.
func (e *Engine) DeleteServiceFlow(ctx context.Context, cid mac.CID) error {
	if err := e.Err(); err != nil {
		return err
	}
	f, err := e.flow(cid)
	if err != nil {
		return err
	}
	if f.Multicast() {
		e.reg.RemoveFlow(f)
		e.log.Info(ctx, "multicast flow removed", logging.Uint16("cid", uint16(cid)))
		return nil
	}
	if err := e.dsx.StartDelete(ctx, f); err != nil {
		return err
	}
	e.stats.dsxInitiated[mac.TxnDelete].Inc()
	return nil
}

// EnqueueDownlink frames an SDU for the downlink flow on cid and queues it.
// The queue holds it until the flow is active.
func (e *Engine) EnqueueDownlink(ctx context.Context, cid mac.CID, sdu []byte) error {
	if err := e.Err(); err != nil {
		return err
	}
	f, err := e.flow(cid)
	if err != nil {
		return err
	}
	if f.Direction != mac.Downlink || f.PendingDelete {
		return fmt.Errorf("%w: %s does not accept downlink traffic", ErrUnknownFlow, cid)
	}
	pdu, err := wire.EncodeDataPDU(cid, sdu)
	if err != nil {
		return err
	}
	if !e.queue.Insert(pdu, f.QueuePriority()) {
		e.stats.dropped.Inc()
		return errors.New("engine: downlink queue full")
	}
	e.stats.downlinkSDUs.Inc()
	f.LastActivity = e.timers.Now()
	return nil
}
