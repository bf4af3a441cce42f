package dsx

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

// HandleRequest processes DSA-REQ, DSC-REQ and DSD-REQ from ss. A request
// matching a transaction already answered gets the cached response again.
func (m *Manager) HandleRequest(ctx context.Context, ss *registry.SS, msg wire.DsxMessage) error {
	if ss.Primary == 0 {
		return ErrNotManaged
	}
	var k mac.TxnKind
	switch msg.(type) {
	case *wire.DsaReq:
		k = mac.TxnAdd
	case *wire.DscReq:
		k = mac.TxnChange
	case *wire.DsdReq:
		k = mac.TxnDelete
	default:
		return fmt.Errorf("dsx: %s is not a request", msg.Type())
	}
	if f, t := ss.FindTransaction(k, registry.Remote, msg.TxnID()); t != nil {
		if t.State != registry.TxnBegin && t.Response != nil {
			m.retransmit(ctx, f, t, t.Response)
		}
		return nil
	}

	m.send(ctx, ss.Primary, m.encode(ctx, ss.Primary, &wire.DsxRvd{TransactionID: msg.TxnID(), Code: mac.CCOK}))

	switch req := msg.(type) {
	case *wire.DsaReq:
		return m.remoteAdd(ctx, ss, &req.DsxRequest)
	case *wire.DscReq:
		return m.remoteChange(ctx, ss, &req.DsxRequest)
	case *wire.DsdReq:
		return m.remoteDelete(ctx, ss, req)
	}
	return nil
}

func (m *Manager) remoteTxn(k mac.TxnKind, id uint16) *registry.Transaction {
	return &registry.Transaction{
		Kind:    k,
		Role:    registry.Remote,
		State:   registry.TxnBegin,
		ID:      id,
		Retries: m.cfg.ResponseRetries,
	}
}

// respond caches and sends rsp, then either waits for the ack under T8 or,
// for a delete, holds down directly.
func (m *Manager) respond(ctx context.Context, f *registry.Flow, t *registry.Transaction, rsp wire.Message) error {
	t.Response = m.encode(ctx, f.Owner.Primary, rsp)
	m.open(f, t)
	m.send(ctx, f.Owner.Primary, t.Response)
	if err := fire(ctx, t, evRespond); err != nil {
		return err
	}
	if t.Kind == mac.TxnDelete {
		if err := fire(ctx, t, evHold); err != nil {
			return err
		}
		m.arm(f, t, timer.KindT10, m.cfg.T10)
		return nil
	}
	if err := fire(ctx, t, evAwait); err != nil {
		return err
	}
	m.arm(f, t, timer.KindT8, m.cfg.T8)
	return nil
}

// reject answers a request that cannot be tied to a flow. Nothing is
// cached for it.
func (m *Manager) reject(ctx context.Context, ss *registry.SS, rsp wire.Message) {
	m.send(ctx, ss.Primary, m.encode(ctx, ss.Primary, rsp))
}

func (m *Manager) remoteAdd(ctx context.Context, ss *registry.SS, req *wire.DsxRequest) error {
	p := req.Flow
	confirm := func(code mac.ConfirmationCode) wire.Message {
		return &wire.DsaRsp{DsxConfirm: wire.DsxConfirm{TransactionID: req.TransactionID, Code: code}}
	}
	if !p.ServiceType.Valid() {
		m.reject(ctx, ss, confirm(mac.CCNotSupportedParameterValue))
		return nil
	}
	cid, err := m.reg.AllocateTransportCID()
	if err != nil {
		m.log.Warn(ctx, "dsa without transport cid", logging.Uint16("txn", req.TransactionID), logging.Err(err))
		m.reject(ctx, ss, confirm(mac.CCTemporaryResource))
		return nil
	}
	qos := p.QoS.Normalize()
	admitted := m.adm.Admit(ss, p.ServiceType, qos, p.Direction)
	f := &registry.Flow{
		SFID:        m.reg.NextSFID(),
		CID:         cid,
		Direction:   p.Direction,
		ServiceType: p.ServiceType,
		ClassName:   p.ClassName,
		QoS:         qos,
		ARQ:         mac.NegotiateARQ(m.cfg.ARQ, p.ARQ),
		Classifiers: p.Classifiers,
		Admitted:    admitted,
	}
	if admitted {
		f.ReservedSlots = m.adm.RequestSlots(ss, p.ServiceType, qos, p.Direction)
	}
	if err := m.reg.AddFlow(ss, f); err != nil {
		m.reg.ReleaseTransportCID(cid)
		return err
	}
	t := m.remoteTxn(mac.TxnAdd, req.TransactionID)
	if !admitted {
		t.Code = mac.CCExceededDynamicServiceLimit
	}
	fp := params(f)
	rsp := &wire.DsaRsp{DsxConfirm: wire.DsxConfirm{TransactionID: t.ID, Code: t.Code, Flow: &fp}}
	m.log.Info(ctx, "dsa from station",
		logging.Uint16("txn", t.ID),
		logging.Uint16("cid", uint16(cid)),
		logging.Stringer("service", p.ServiceType),
		logging.Stringer("code", t.Code))
	return m.respond(ctx, f, t, rsp)
}

func (m *Manager) remoteChange(ctx context.Context, ss *registry.SS, req *wire.DsxRequest) error {
	confirm := func(code mac.ConfirmationCode, fp *wire.ServiceFlowParams) wire.Message {
		return &wire.DscRsp{DsxConfirm: wire.DsxConfirm{TransactionID: req.TransactionID, Code: code, Flow: fp}}
	}
	f := m.flowOf(ss, req.Flow.SFID, req.Flow.CID)
	if f == nil {
		m.reject(ctx, ss, confirm(mac.CCServiceFlowNotFound, nil))
		return nil
	}
	if busy(f) || f.PendingDelete {
		m.reject(ctx, ss, confirm(mac.CCRejectOther, nil))
		return nil
	}
	t := m.remoteTxn(mac.TxnChange, req.TransactionID)
	qos := req.Flow.QoS.Normalize()
	if m.adm.AdmitChange(f, qos) {
		prior := f.QoS
		t.Prior = &prior
		f.QoS = qos
		f.ReservedSlots = m.adm.RequestSlots(ss, f.ServiceType, qos, f.Direction)
	} else {
		t.Code = mac.CCExceededDynamicServiceLimit
	}
	fp := params(f)
	return m.respond(ctx, f, t, confirm(t.Code, &fp))
}

func (m *Manager) remoteDelete(ctx context.Context, ss *registry.SS, req *wire.DsdReq) error {
	f := m.flowOf(ss, req.SFID, nil)
	if f == nil {
		m.reject(ctx, ss, &wire.DsdRsp{TransactionID: req.TransactionID, Code: mac.CCServiceFlowNotFound, SFID: req.SFID})
		return nil
	}
	if f.Txns[mac.TxnDelete] != nil {
		m.reject(ctx, ss, &wire.DsdRsp{TransactionID: req.TransactionID, Code: mac.CCRejectOther, SFID: req.SFID})
		return nil
	}
	f.PendingDelete = true
	t := m.remoteTxn(mac.TxnDelete, req.TransactionID)
	return m.respond(ctx, f, t, &wire.DsdRsp{TransactionID: t.ID, Code: mac.CCOK, SFID: f.SFID})
}

// flowOf finds the station's flow by SFID, falling back to its CID.
func (m *Manager) flowOf(ss *registry.SS, sfid uint32, cid *mac.CID) *registry.Flow {
	if f, ok := m.reg.FlowBySFID(sfid); ok && f.Owner == ss {
		return f
	}
	if cid != nil {
		if f, ok := ss.Flow(*cid); ok {
			return f
		}
	}
	return nil
}

// HandleAck processes DSA-ACK and DSC-ACK from ss. A repeated ack while
// holding down is ignored.
func (m *Manager) HandleAck(ctx context.Context, ss *registry.SS, msg wire.DsxMessage) error {
	var (
		k   mac.TxnKind
		ack *wire.DsxConfirm
	)
	switch a := msg.(type) {
	case *wire.DsaAck:
		k, ack = mac.TxnAdd, &a.DsxConfirm
	case *wire.DscAck:
		k, ack = mac.TxnChange, &a.DsxConfirm
	default:
		return fmt.Errorf("dsx: %s is not an ack", msg.Type())
	}
	f, t := ss.FindTransaction(k, registry.Remote, ack.TransactionID)
	if t == nil {
		return fmt.Errorf("%w: %s-ACK %d", ErrUnknownTransaction, k, ack.TransactionID)
	}
	if t.State != registry.TxnAckPending {
		return nil
	}
	if err := fire(ctx, t, evAck); err != nil {
		return err
	}
	ok := t.Code == mac.CCOK && ack.Code == mac.CCOK
	switch {
	case k == mac.TxnAdd && ok:
		m.reg.Activate(f)
		m.reg.InstallClassifiers(f)
	case k == mac.TxnAdd:
		f.Admitted = false
		f.ReservedSlots = 0
	case k == mac.TxnChange && !ok && t.Prior != nil:
		f.QoS = *t.Prior
		f.ReservedSlots = m.adm.RequestSlots(ss, f.ServiceType, f.QoS, f.Direction)
	}
	m.arm(f, t, timer.KindT10, m.cfg.T10)
	return nil
}
