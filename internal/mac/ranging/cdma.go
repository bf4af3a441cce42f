package ranging

import (
	"context"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

type cdmaRequest struct {
	attrs    wire.CDMAAttributes
	meas     mac.Measurement
	collided bool
}

// HandleCDMACode queues a received ranging code for the next FlushCDMA.
// Two receptions of the same code in the same opportunity cannot be told
// apart, so both are dropped.
func (m *Machine) HandleCDMACode(ctx context.Context, attrs wire.CDMAAttributes, meas mac.Measurement) {
	if r, ok := m.cdma[attrs]; ok {
		if !r.collided {
			m.log.Debug(ctx, "cdma code collision",
				logging.Int("code", int(attrs.Code)),
				logging.Int("frame", int(attrs.Frame)),
			)
		}
		r.collided = true
		return
	}
	m.cdma[attrs] = &cdmaRequest{attrs: attrs, meas: meas}
	m.cdmaOrder = append(m.cdmaOrder, attrs)
}

// FlushCDMA answers the codes queued since the last flush and returns the
// CDMA allocations the scheduler must place in the next UL-MAP.
func (m *Machine) FlushCDMA(ctx context.Context) []wire.CDMAAttributes {
	var grants []wire.CDMAAttributes
	for _, key := range m.cdmaOrder {
		r := m.cdma[key]
		if r.collided {
			m.record("collision")
			continue
		}
		code := r.attrs.Code
		if code >= mac.CDMABWRequestFirst && code <= mac.CDMABWRequestLast {
			grants = append(grants, r.attrs)
			continue
		}
		attrs := r.attrs
		rsp := &wire.RngRsp{ULChannelID: m.cfg.ULChannelID, CDMA: &attrs}
		if adj, low := m.powerAdjust(r.meas); low {
			rsp.Status = mac.RangingContinue
			rsp.PowerAdjust = &adj
			m.record(Continue)
		} else {
			rsp.Status = mac.RangingSuccess
			if code <= mac.CDMAInitialLast || code >= mac.CDMAHandoverFirst {
				grants = append(grants, r.attrs)
			}
			m.record(Success)
		}
		m.send(ctx, mac.BroadcastCID, rsp)
	}
	clear(m.cdma)
	m.cdmaOrder = m.cdmaOrder[:0]
	return grants
}
