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

// begin sends the cached request of a new local transaction and waits
// for the response under T7.
func (m *Manager) begin(ctx context.Context, f *registry.Flow, t *registry.Transaction, msg wire.Message) error {
	t.Request = m.encode(ctx, f.Owner.Primary, msg)
	if t.Request == nil {
		return fmt.Errorf("dsx: encode %s", msg.Type())
	}
	m.open(f, t)
	m.send(ctx, f.Owner.Primary, t.Request)
	if err := fire(ctx, t, evSend); err != nil {
		return err
	}
	if err := fire(ctx, t, evAwait); err != nil {
		return err
	}
	m.arm(f, t, timer.KindT7, m.cfg.T7)
	return nil
}

func (m *Manager) localTxn(k mac.TxnKind) *registry.Transaction {
	return &registry.Transaction{
		Kind:    k,
		Role:    registry.Local,
		State:   registry.TxnBegin,
		ID:      m.reg.NextTransactionID(),
		Retries: m.cfg.RequestRetries,
	}
}

// StartAdd creates a flow for ss and proposes it with DSA-REQ. The flow
// stays inactive until the station confirms it.
func (m *Manager) StartAdd(ctx context.Context, ss *registry.SS, spec FlowSpec) (*registry.Flow, error) {
	if ss.Primary == 0 {
		return nil, ErrNotManaged
	}
	if !spec.ServiceType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidServiceType, spec.ServiceType)
	}
	qos := spec.QoS.Normalize()
	if !m.adm.Admit(ss, spec.ServiceType, qos, spec.Direction) {
		return nil, ErrAdmissionRejected
	}
	cid, err := m.reg.AllocateTransportCID()
	if err != nil {
		return nil, err
	}
	f := &registry.Flow{
		SFID:          m.reg.NextSFID(),
		CID:           cid,
		Direction:     spec.Direction,
		ServiceType:   spec.ServiceType,
		ClassName:     spec.ClassName,
		QoS:           qos,
		ARQ:           mac.NegotiateARQ(m.cfg.ARQ, spec.ARQ),
		Classifiers:   spec.Classifiers,
		Admitted:      true,
		ReservedSlots: m.adm.RequestSlots(ss, spec.ServiceType, qos, spec.Direction),
	}
	if err := m.reg.AddFlow(ss, f); err != nil {
		m.reg.ReleaseTransportCID(cid)
		return nil, err
	}
	t := m.localTxn(mac.TxnAdd)
	req := &wire.DsaReq{DsxRequest: wire.DsxRequest{TransactionID: t.ID, Flow: params(f)}}
	if err := m.begin(ctx, f, t, req); err != nil {
		m.reg.RemoveFlow(f)
		return nil, err
	}
	m.log.Info(ctx, "dsa started",
		logging.Uint16("txn", t.ID),
		logging.Uint16("cid", uint16(cid)),
		logging.Stringer("service", spec.ServiceType))
	return f, nil
}

// StartChange proposes new QoS parameters for f with DSC-REQ. They take
// effect once the station accepts them.
func (m *Manager) StartChange(ctx context.Context, f *registry.Flow, qos mac.QoS) error {
	if f.Owner == nil || f.Owner.Primary == 0 {
		return ErrNotManaged
	}
	if busy(f) || f.PendingDelete {
		return ErrTransactionInProgress
	}
	qos = qos.Normalize()
	if !m.adm.AdmitChange(f, qos) {
		return ErrAdmissionRejected
	}
	t := m.localTxn(mac.TxnChange)
	prior, proposed := f.QoS, qos
	t.Prior, t.Proposed = &prior, &proposed

	p := params(f)
	p.QoS = qos
	req := &wire.DscReq{DsxRequest: wire.DsxRequest{TransactionID: t.ID, Flow: p}}
	return m.begin(ctx, f, t, req)
}

// StartDelete asks the station to remove f with DSD-REQ. The flow is
// removed when the transaction ends, whether or not the station answers.
func (m *Manager) StartDelete(ctx context.Context, f *registry.Flow) error {
	if f.Owner == nil || f.Owner.Primary == 0 {
		return ErrNotManaged
	}
	if f.Txns[mac.TxnDelete] != nil {
		return ErrTransactionInProgress
	}
	t := m.localTxn(mac.TxnDelete)
	f.PendingDelete = true
	return m.begin(ctx, f, t, &wire.DsdReq{TransactionID: t.ID, SFID: f.SFID})
}

// HandleResponse processes DSA-RSP, DSC-RSP and DSD-RSP from ss.
func (m *Manager) HandleResponse(ctx context.Context, ss *registry.SS, msg wire.DsxMessage) error {
	switch rsp := msg.(type) {
	case *wire.DsaRsp:
		return m.confirm(ctx, ss, mac.TxnAdd, &rsp.DsxConfirm)
	case *wire.DscRsp:
		return m.confirm(ctx, ss, mac.TxnChange, &rsp.DsxConfirm)
	case *wire.DsdRsp:
		return m.deleted(ctx, ss, rsp)
	}
	return fmt.Errorf("dsx: %s is not a response", msg.Type())
}

func (m *Manager) confirm(ctx context.Context, ss *registry.SS, k mac.TxnKind, rsp *wire.DsxConfirm) error {
	f, t := ss.FindTransaction(k, registry.Local, rsp.TransactionID)
	if t == nil {
		return fmt.Errorf("%w: %s-RSP %d", ErrUnknownTransaction, k, rsp.TransactionID)
	}
	switch t.State {
	case registry.TxnRspPending:
	case registry.TxnHoldingDown:
		m.retransmit(ctx, f, t, t.Ack)
		return nil
	default:
		return nil
	}

	t.Code = rsp.Code
	if err := fire(ctx, t, evResponse); err != nil {
		return err
	}
	ackMsg := wire.DsxConfirm{TransactionID: t.ID, Code: mac.CCOK}
	var ack wire.Message = &wire.DsaAck{DsxConfirm: ackMsg}
	if k == mac.TxnChange {
		ack = &wire.DscAck{DsxConfirm: ackMsg}
	}
	t.Ack = m.encode(ctx, ss.Primary, ack)
	m.send(ctx, ss.Primary, t.Ack)

	switch {
	case k == mac.TxnAdd && rsp.Code == mac.CCOK:
		m.reg.Activate(f)
		m.reg.InstallClassifiers(f)
	case k == mac.TxnAdd:
		f.Admitted = false
		f.ReservedSlots = 0
	case k == mac.TxnChange && rsp.Code == mac.CCOK && t.Proposed != nil:
		f.QoS = *t.Proposed
		f.Admitted = true
		f.ReservedSlots = m.adm.RequestSlots(ss, f.ServiceType, f.QoS, f.Direction)
	}
	if rsp.Code != mac.CCOK {
		m.log.Info(ctx, "dsx rejected by station",
			logging.Stringer("kind", k),
			logging.Uint16("txn", t.ID),
			logging.Stringer("code", rsp.Code))
	}

	if err := fire(ctx, t, evHold); err != nil {
		return err
	}
	m.arm(f, t, timer.KindT10, m.cfg.T10)
	return nil
}

func (m *Manager) deleted(ctx context.Context, ss *registry.SS, rsp *wire.DsdRsp) error {
	f, t := ss.FindTransaction(mac.TxnDelete, registry.Local, rsp.TransactionID)
	if t == nil {
		return fmt.Errorf("%w: DSD-RSP %d", ErrUnknownTransaction, rsp.TransactionID)
	}
	if t.State != registry.TxnRspPending {
		return nil
	}
	t.Code = rsp.Code
	if err := fire(ctx, t, evHold); err != nil {
		return err
	}
	m.arm(f, t, timer.KindT10, m.cfg.T10)
	return nil
}
