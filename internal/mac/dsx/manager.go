// Package dsx runs dynamic service transactions (DSA, DSC, DSD) for both
// roles. A Local transaction is one the base station started; a Remote one
// answers a request from the subscriber station. Every PDU a transaction
// sends is cached and retransmitted byte for byte on timeout or when the
// peer repeats itself.
package dsx

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

var (
	// ErrAdmissionRejected is returned when the base station's own
	// request does not pass admission control.
	ErrAdmissionRejected = errors.New("dsx: admission rejected")
	// ErrTransactionInProgress is returned when a flow already has an
	// open transaction.
	ErrTransactionInProgress = errors.New("dsx: transaction in progress")
	// ErrUnknownTransaction is returned for a response or ack that matches
	// no transaction.
	ErrUnknownTransaction = errors.New("dsx: unknown transaction")
	// ErrInvalidServiceType is returned for a flow of an undefined class.
	ErrInvalidServiceType = errors.New("dsx: invalid service type")
	// ErrNotManaged is returned for stations without a primary connection.
	ErrNotManaged = errors.New("dsx: station has no primary connection")
)

// Config holds the transaction timers and retry limits.
type Config struct {
	T7              time.Duration // wait for DSx-RSP
	T8              time.Duration // wait for DSx-ACK
	T10             time.Duration // holding down
	RequestRetries  int
	ResponseRetries int
	// IdleTimeout removes flows that carried no traffic for this long. Zero
	// disables the sweep.
	IdleTimeout time.Duration
	// ARQ is the base station's side of ARQ negotiation.
	ARQ mac.ARQParams
}

// DefaultConfig returns the standard transaction parameters.
func DefaultConfig() Config {
	return Config{
		T7:              time.Second,
		T8:              200 * time.Millisecond,
		T10:             3 * time.Second,
		RequestRetries:  3,
		ResponseRetries: 3,
		IdleTimeout:     15 * time.Second,
		ARQ: mac.ARQParams{
			WindowSize:      256,
			BlockSize:       64,
			RetryTimeoutTx:  100 * time.Millisecond,
			RetryTimeoutRx:  100 * time.Millisecond,
			SyncLossTimeout: time.Second,
			RxPurgeTimeout:  time.Second,
			DeliverInOrder:  true,
		},
	}
}

// Admitter decides whether a flow fits the remaining capacity.
type Admitter interface {
	Admit(ss *registry.SS, st mac.ServiceType, qos mac.QoS, dir mac.Direction) bool
	AdmitChange(f *registry.Flow, qos mac.QoS) bool
	RequestSlots(ss *registry.SS, st mac.ServiceType, qos mac.QoS, dir mac.Direction) int
}

// Recorder receives transaction outcomes for metrics.
type Recorder interface {
	DsxTransaction(kind, role, result string)
	DsxRetransmission(kind, role string)
}

// Result values reported when a transaction ends.
const (
	ResultOK        = "ok"
	ResultRejected  = "rejected"
	ResultExhausted = "exhausted"
)

// FlowSpec describes a flow the base station wants to add.
type FlowSpec struct {
	Direction   mac.Direction
	ServiceType mac.ServiceType
	ClassName   string
	QoS         mac.QoS
	ARQ         mac.ARQParams
	Classifiers []mac.ClassifierRule
}

// Manager owns every transaction of every flow in the registry.
type Manager struct {
	cfg     Config
	reg     *registry.Registry
	adm     Admitter
	timers  *timer.Facility
	queue   ports.Queue
	out     ports.Outbox
	log     logging.Logger
	metrics Recorder
}

// New returns a manager. queue and metrics may be nil.
func New(cfg Config, reg *registry.Registry, adm Admitter, timers *timer.Facility, queue ports.Queue, out ports.Outbox, log logging.Logger, metrics Recorder) *Manager {
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		adm:     adm,
		timers:  timers,
		queue:   queue,
		out:     out,
		log:     logging.OrNoop(log),
		metrics: metrics,
	}
}

func (m *Manager) encode(ctx context.Context, cid mac.CID, msg wire.Message) []byte {
	pdu, err := wire.EncodePDU(cid, msg)
	if err != nil {
		m.log.Error(ctx, "encode dsx message", logging.Stringer("type", msg.Type()), logging.Err(err))
		return nil
	}
	return pdu
}

func (m *Manager) send(ctx context.Context, cid mac.CID, pdu []byte) {
	if pdu != nil {
		m.out.Send(ctx, cid, pdu)
	}
}

func (m *Manager) retransmit(ctx context.Context, f *registry.Flow, t *registry.Transaction, pdu []byte) {
	m.send(ctx, f.Owner.Primary, pdu)
	if m.metrics != nil {
		m.metrics.DsxRetransmission(t.Kind.String(), t.Role.String())
	}
}

// arm replaces whatever timer the transaction runs with a new one.
func (m *Manager) arm(f *registry.Flow, t *registry.Transaction, k timer.Kind, d time.Duration) {
	m.timers.Replace(&t.Timer, d, timer.Payload{Kind: k, CID: f.CID, Txn: t.Kind})
}

func (m *Manager) open(f *registry.Flow, t *registry.Transaction) {
	f.Txns[t.Kind] = t
	f.NumOpen++
}

// busy reports whether f has any open transaction.
func busy(f *registry.Flow) bool {
	for _, t := range f.Txns {
		if !t.Terminal() {
			return true
		}
	}
	return false
}

func params(f *registry.Flow) wire.ServiceFlowParams {
	cid := f.CID
	return wire.ServiceFlowParams{
		Direction:   f.Direction,
		SFID:        f.SFID,
		CID:         &cid,
		ClassName:   f.ClassName,
		ServiceType: f.ServiceType,
		QoS:         f.QoS,
		ARQ:         f.ARQ,
		CSSpec:      wire.CSSpecIPv4,
		Classifiers: f.Classifiers,
	}
}

// HandleTimer processes a T7, T8 or T10 expiry. Timers of flows that no
// longer exist are ignored.
func (m *Manager) HandleTimer(ctx context.Context, p timer.Payload) error {
	f, ok := m.reg.FlowByCID(p.CID)
	if !ok || f.Owner == nil {
		return nil
	}
	t := f.Txns[p.Txn]
	if t.Terminal() {
		return nil
	}
	t.Timer = ""
	switch p.Kind {
	case timer.KindT7:
		return m.requestTimeout(ctx, f, t)
	case timer.KindT8:
		return m.responseTimeout(ctx, f, t)
	case timer.KindT10:
		return m.holdDownExpired(ctx, f, t)
	}
	return nil
}

func (m *Manager) requestTimeout(ctx context.Context, f *registry.Flow, t *registry.Transaction) error {
	if t.State != registry.TxnRspPending {
		return nil
	}
	if t.Retries > 0 {
		t.Retries--
		m.retransmit(ctx, f, t, t.Request)
		m.arm(f, t, timer.KindT7, m.cfg.T7)
		return nil
	}
	return m.exhaust(ctx, f, t)
}

func (m *Manager) responseTimeout(ctx context.Context, f *registry.Flow, t *registry.Transaction) error {
	if t.State != registry.TxnAckPending {
		return nil
	}
	if t.Retries > 0 {
		t.Retries--
		m.retransmit(ctx, f, t, t.Response)
		m.arm(f, t, timer.KindT8, m.cfg.T8)
		return nil
	}
	return m.exhaust(ctx, f, t)
}

func (m *Manager) exhaust(ctx context.Context, f *registry.Flow, t *registry.Transaction) error {
	if err := fire(ctx, t, evExhausted); err != nil {
		return err
	}
	m.log.Warn(ctx, "dsx retries exhausted",
		logging.Stringer("kind", t.Kind),
		logging.Stringer("role", t.Role),
		logging.Uint16("txn", t.ID),
		logging.Uint16("cid", uint16(f.CID)))
	m.arm(f, t, timer.KindT10, m.cfg.T10)
	return nil
}

// holdDownExpired ends the transaction and applies what its outcome leaves
// behind. A failed add or any delete removes the flow. An exhausted local
// change leaves the flow unadmitted; an exhausted remote one reverts the
// QoS it had applied.
func (m *Manager) holdDownExpired(ctx context.Context, f *registry.Flow, t *registry.Transaction) error {
	exhausted := t.State == registry.TxnRetryExhausted
	if err := fire(ctx, t, evExpire); err != nil {
		return err
	}
	f.NumOpen--
	f.Txns[t.Kind] = nil

	result := ResultOK
	switch {
	case exhausted:
		result = ResultExhausted
	case t.Code != mac.CCOK:
		result = ResultRejected
	}

	switch t.Kind {
	case mac.TxnAdd:
		if exhausted || t.Code != mac.CCOK || !f.Admitted {
			f.PendingDelete = true
		}
	case mac.TxnChange:
		switch {
		case !exhausted:
		case t.Role == registry.Local:
			// The station may hold either parameter set. The flow gets no
			// grants until a later change is confirmed.
			f.Admitted = false
			f.ReservedSlots = 0
			m.log.Warn(ctx, "service flow unadmitted after unanswered change",
				logging.Uint16("cid", uint16(f.CID)),
				logging.Any("sfid", f.SFID))
		case t.Prior != nil:
			f.QoS = *t.Prior
			f.ReservedSlots = m.adm.RequestSlots(f.Owner, f.ServiceType, f.QoS, f.Direction)
		}
	case mac.TxnDelete:
		f.PendingDelete = true
	}
	if m.metrics != nil {
		m.metrics.DsxTransaction(t.Kind.String(), t.Role.String(), result)
	}
	m.log.Debug(ctx, "dsx transaction ended",
		logging.Stringer("kind", t.Kind),
		logging.Stringer("role", t.Role),
		logging.String("result", result),
		logging.Uint16("cid", uint16(f.CID)))
	m.reap(ctx, f)
	return nil
}

// reap removes f once it is marked for deletion and nothing is open on it.
func (m *Manager) reap(ctx context.Context, f *registry.Flow) {
	if !f.PendingDelete || f.NumOpen > 0 {
		return
	}
	m.log.Info(ctx, "service flow removed",
		logging.Uint16("cid", uint16(f.CID)),
		logging.Any("sfid", f.SFID))
	m.reg.RemoveFlow(f)
}
