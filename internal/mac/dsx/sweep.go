package dsx

import (
	"context"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
)

// AddMulticast installs a downlink flow shared by every station. Multicast
// flows carry no transactions and are active at once.
func (m *Manager) AddMulticast(ctx context.Context, spec FlowSpec) (*registry.Flow, error) {
	if !spec.ServiceType.Valid() {
		return nil, ErrInvalidServiceType
	}
	cid, err := m.reg.AllocateTransportCID()
	if err != nil {
		return nil, err
	}
	f := &registry.Flow{
		SFID:        m.reg.NextSFID(),
		CID:         cid,
		Direction:   spec.Direction,
		ServiceType: spec.ServiceType,
		ClassName:   spec.ClassName,
		QoS:         spec.QoS.Normalize(),
		Classifiers: spec.Classifiers,
		Admitted:    true,
	}
	if err := m.reg.AddFlow(nil, f); err != nil {
		m.reg.ReleaseTransportCID(cid)
		return nil, err
	}
	m.reg.Activate(f)
	m.reg.InstallClassifiers(f)
	m.log.Info(ctx, "multicast flow added", logging.Uint16("cid", uint16(cid)))
	return f, nil
}

// SweepIdle deletes flows whose queue is empty and that have seen no
// traffic for the configured idle timeout. Station flows go through DSD,
// multicast flows are removed directly. It returns the number of flows
// swept.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	idle := func(f *registry.Flow) bool {
		if f.PendingDelete || busy(f) || now.Sub(f.LastActivity) < m.cfg.IdleTimeout {
			return false
		}
		return m.queue == nil || m.queue.NumberInQueue(f.QueuePriority()) == 0
	}

	swept := 0
	for _, ss := range m.reg.Stations() {
		for _, f := range ss.AllFlows() {
			if !idle(f) {
				continue
			}
			if err := m.StartDelete(ctx, f); err != nil {
				m.log.Warn(ctx, "idle flow delete", logging.Uint16("cid", uint16(f.CID)), logging.Err(err))
				continue
			}
			swept++
		}
	}
	for _, f := range m.reg.MulticastFlows() {
		if idle(f) {
			m.reg.RemoveFlow(f)
			swept++
		}
	}
	return swept
}
