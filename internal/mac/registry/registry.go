// Package registry owns the subscriber station records, their service
// flows and the connection identifier space. Basic and primary CIDs resolve
// through one map; transport CIDs through a secondary flow index.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

var (
	// ErrCIDSpaceExhausted is returned when no basic CID is free.
	ErrCIDSpaceExhausted = errors.New("registry: basic cid space exhausted")
	// ErrTransportExhausted is returned when no transport CID is free.
	ErrTransportExhausted = errors.New("registry: transport cid space exhausted")
	// ErrStationExists is returned by AddSS for a known MAC address.
	ErrStationExists = errors.New("registry: station already registered")
	// ErrUnknownCID is returned when a CID resolves to nothing.
	ErrUnknownCID = errors.New("registry: unknown cid")
	// ErrFlowExists is returned when a CID already carries a flow.
	ErrFlowExists = errors.New("registry: flow already exists")
	// ErrFlowNotFound is returned when a flow lookup fails.
	ErrFlowNotFound = errors.New("registry: flow not found")
)

// Registry is the base station's table of stations and flows. It is not
// safe for concurrent use.
type Registry struct {
	log        logging.Logger
	timers     *timer.Facility
	queue      ports.Queue
	classifier ports.Classifier
	now        func() time.Time

	byCID     map[mac.CID]*SS
	byMAC     map[mac.MACAddress]*SS
	lastBasic mac.CID

	flows         map[mac.CID]*Flow
	multicast     map[mac.CID]*Flow
	usedTransport map[mac.CID]struct{}
	lastTransport mac.CID

	nextSFID uint32
	nextTxn  uint16
}

// New returns an empty registry. The timer facility, queue and classifier
// are notified when records are torn down; any of them may be nil.
func New(timers *timer.Facility, q ports.Queue, c ports.Classifier, log logging.Logger) *Registry {
	r := &Registry{
		log:           logging.OrNoop(log),
		timers:        timers,
		queue:         q,
		classifier:    c,
		now:           time.Now,
		byCID:         make(map[mac.CID]*SS),
		byMAC:         make(map[mac.MACAddress]*SS),
		lastBasic:     mac.BasicCIDLast,
		flows:         make(map[mac.CID]*Flow),
		multicast:     make(map[mac.CID]*Flow),
		usedTransport: make(map[mac.CID]struct{}),
		lastTransport: mac.TransportCIDLast,
		nextSFID:      1,
		nextTxn:       mac.BSTransIDFirst,
	}
	if timers != nil {
		r.now = timers.Now
	}
	return r
}

// AddSS allocates a record for addr. The basic CID is the next free value
// after the last one handed out, wrapping over the basic range; the primary
// CID is derived from it.
func (r *Registry) AddSS(addr mac.MACAddress) (*SS, error) {
	if _, ok := r.byMAC[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStationExists, addr)
	}
	cid := r.lastBasic
	for i := 0; i < mac.BasicCIDBlock; i++ {
		cid++
		if cid > mac.BasicCIDLast {
			cid = mac.BasicCIDFirst
		}
		if _, used := r.byCID[cid]; used {
			continue
		}
		now := r.now()
		ss := &SS{
			MAC:       addr,
			Basic:     cid,
			Primary:   mac.PrimaryFor(cid),
			Ranging:   Ranging{State: NotRanged},
			CreatedAt: now,
			flows:     make(map[mac.CID]*Flow),
		}
		r.byCID[ss.Basic] = ss
		r.byCID[ss.Primary] = ss
		r.byMAC[addr] = ss
		r.lastBasic = cid
		return ss, nil
	}
	return nil, ErrCIDSpaceExhausted
}

// LookupByCID resolves a basic, primary, secondary or transport CID to its
// station.
func (r *Registry) LookupByCID(cid mac.CID) (*SS, error) {
	if ss, ok := r.byCID[cid]; ok {
		return ss, nil
	}
	if f, ok := r.flows[cid]; ok && f.Owner != nil {
		return f.Owner, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCID, cid)
}

// LookupByMAC returns the station with addr.
func (r *Registry) LookupByMAC(addr mac.MACAddress) (*SS, bool) {
	ss, ok := r.byMAC[addr]
	return ss, ok
}

// RemoveSS unlinks the station owning cid. With free set, every flow is torn
// down and every timer referencing the station is cancelled first.
func (r *Registry) RemoveSS(cid mac.CID, free bool) error {
	ss, err := r.LookupByCID(cid)
	if err != nil {
		return err
	}
	if free {
		for _, f := range ss.AllFlows() {
			r.RemoveFlow(f)
		}
		r.cancelStationTimers(ss)
		for _, c := range ss.ManagementCIDs() {
			r.releaseQueue(int(c))
		}
	}
	delete(r.byCID, ss.Basic)
	delete(r.byCID, ss.Primary)
	if ss.Secondary != 0 {
		delete(r.byCID, ss.Secondary)
		r.ReleaseTransportCID(ss.Secondary)
	}
	delete(r.byMAC, ss.MAC)
	r.log.Debug(context.Background(), "station removed",
		logging.Uint16("cid", uint16(ss.Basic)),
		logging.Stringer("mac", ss.MAC),
	)
	return nil
}

func (r *Registry) cancelStationTimers(ss *SS) {
	if r.timers == nil {
		return
	}
	for _, h := range []*timer.Handle{&ss.T9, &ss.T17, &ss.Evict, &ss.Ranging.Periodic, &ss.Ranging.RspTimer} {
		r.timers.Cancel(h)
	}
}

// AssignSecondary allocates the secondary management CID of ss.
func (r *Registry) AssignSecondary(ss *SS) (mac.CID, error) {
	if ss.Secondary != 0 {
		return ss.Secondary, nil
	}
	cid, err := r.AllocateTransportCID()
	if err != nil {
		return 0, err
	}
	ss.Secondary = cid
	r.byCID[cid] = ss
	return cid, nil
}

// AllocateTransportCID hands out the next free transport CID.
func (r *Registry) AllocateTransportCID() (mac.CID, error) {
	cid := r.lastTransport
	span := int(mac.TransportCIDLast - mac.TransportCIDFirst + 1)
	for i := 0; i < span; i++ {
		cid++
		if cid > mac.TransportCIDLast || cid < mac.TransportCIDFirst {
			cid = mac.TransportCIDFirst
		}
		if _, used := r.usedTransport[cid]; used {
			continue
		}
		r.usedTransport[cid] = struct{}{}
		r.lastTransport = cid
		return cid, nil
	}
	return 0, ErrTransportExhausted
}

// ReleaseTransportCID returns cid to the pool.
func (r *Registry) ReleaseTransportCID(cid mac.CID) { delete(r.usedTransport, cid) }

// NextSFID returns a fresh service flow identifier.
func (r *Registry) NextSFID() uint32 {
	id := r.nextSFID
	r.nextSFID++
	if r.nextSFID == 0 {
		r.nextSFID = 1
	}
	return id
}

// NextTransactionID returns the next base-station transaction id, wrapping
// within the base-station range.
func (r *Registry) NextTransactionID() uint16 {
	id := r.nextTxn
	if r.nextTxn == mac.BSTransIDLast {
		r.nextTxn = mac.BSTransIDFirst
	} else {
		r.nextTxn++
	}
	return id
}

// AddFlow links f to owner, or to the multicast table when owner is nil.
// Its queue starts suspended.
func (r *Registry) AddFlow(owner *SS, f *Flow) error {
	if f.CID == 0 {
		return fmt.Errorf("%w: flow without cid", ErrUnknownCID)
	}
	if _, ok := r.flows[f.CID]; ok {
		return fmt.Errorf("%w: %s", ErrFlowExists, f.CID)
	}
	if _, ok := r.multicast[f.CID]; ok {
		return fmt.Errorf("%w: %s", ErrFlowExists, f.CID)
	}
	f.Owner = owner
	if f.LastActivity.IsZero() {
		f.LastActivity = r.now()
	}
	if owner == nil {
		r.multicast[f.CID] = f
	} else {
		owner.flows[f.CID] = f
		r.flows[f.CID] = f
	}
	if r.queue != nil {
		r.queue.SetQueueBehavior(f.QueuePriority(), ports.Suspend)
	}
	return nil
}

// Activate lets the scheduler drain the flow's queue.
func (r *Registry) Activate(f *Flow) {
	f.Activated = true
	if r.queue != nil {
		r.queue.SetQueueBehavior(f.QueuePriority(), ports.Resume)
	}
}

// InstallClassifiers passes the flow's rules to the convergence sublayer.
func (r *Registry) InstallClassifiers(f *Flow) {
	if r.classifier != nil && len(f.Classifiers) > 0 {
		r.classifier.Install(f.SFID, f.CID, f.Classifiers)
	}
}

// RemoveFlow tears f down: its transaction timers are cancelled, its
// classifier invalidated, its queue released and its CID freed.
func (r *Registry) RemoveFlow(f *Flow) {
	if r.timers != nil {
		for _, t := range f.Txns {
			if t != nil {
				r.timers.Cancel(&t.Timer)
			}
		}
	}
	if r.classifier != nil {
		r.classifier.Invalidate(f.SFID)
	}
	r.releaseQueue(f.QueuePriority())
	if f.Owner != nil {
		delete(f.Owner.flows, f.CID)
		delete(r.flows, f.CID)
	} else {
		delete(r.multicast, f.CID)
	}
	r.ReleaseTransportCID(f.CID)
}

func (r *Registry) releaseQueue(priority int) {
	if r.queue != nil {
		r.queue.RemoveQueue(priority)
	}
}

// FlowByCID returns the unicast or multicast flow on cid.
func (r *Registry) FlowByCID(cid mac.CID) (*Flow, bool) {
	if f, ok := r.flows[cid]; ok {
		return f, true
	}
	f, ok := r.multicast[cid]
	return f, ok
}

// FlowBySFID scans every station and the multicast table for sfid.
func (r *Registry) FlowBySFID(sfid uint32) (*Flow, bool) {
	for _, f := range r.flows {
		if f.SFID == sfid {
			return f, true
		}
	}
	for _, f := range r.multicast {
		if f.SFID == sfid {
			return f, true
		}
	}
	return nil, false
}

// ForEach calls fn for every station in basic CID order until fn returns
// false.
func (r *Registry) ForEach(fn func(*SS) bool) {
	for _, ss := range r.Stations() {
		if !fn(ss) {
			return
		}
	}
}

// Stations returns every station in basic CID order.
func (r *Registry) Stations() []*SS {
	out := make([]*SS, 0, len(r.byMAC))
	for _, ss := range r.byMAC {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Basic < out[j].Basic })
	return out
}

// MulticastFlows returns the multicast table in CID order.
func (r *Registry) MulticastFlows() []*Flow {
	out := make([]*Flow, 0, len(r.multicast))
	for _, f := range r.multicast {
		out = append(out, f)
	}
	sortFlows(out)
	return out
}

// NumStations returns the number of stations.
func (r *Registry) NumStations() int { return len(r.byMAC) }

// NumFlows returns the number of unicast and multicast flows.
func (r *Registry) NumFlows() int { return len(r.flows) + len(r.multicast) }
