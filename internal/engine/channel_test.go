package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac/schedule"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

func decodeBroadcast(t *testing.T, pdu []byte) wire.Message {
	t.Helper()
	p, _, err := wire.DecodePDU(pdu)
	if err != nil {
		t.Fatalf("DecodePDU: %v", err)
	}
	msg, err := wire.Unmarshal(p.Payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return msg
}

func TestChannelUpdateRunsDescriptorTransition(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	if err := h.e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.e.Stop(ctx)
	h.sched.Advance(0)

	var (
		changed bool
		err     error
	)
	h.e.Post(func(ctx context.Context) {
		changed, err = h.e.UpdateChannel(ctx, func(c *schedule.Channel) { c.FrequencyKHz += 10_000 })
	})
	h.sched.Advance(0)
	if err != nil || !changed {
		t.Fatalf("UpdateChannel: changed %v, %v", changed, err)
	}
	if got := h.e.Stats().DescriptorChanges; got != 1 {
		t.Fatalf("descriptor changes = %d", got)
	}

	transition := h.cfg.Schedule.DescriptorTransition
	h.sched.Advance(h.cfg.Schedule.FrameDuration * time.Duration(transition+1))
	if len(h.frames) != transition+2 {
		t.Fatalf("frames = %d, want %d", len(h.frames), transition+2)
	}
	for i, fr := range h.frames[1:] {
		dl, ok := decodeBroadcast(t, fr.PDUs[0]).(*wire.DLMap)
		if !ok {
			t.Fatalf("frame %d: first pdu is not a DL-MAP", i+1)
		}
		var dcd *wire.DCD
		for _, raw := range fr.PDUs[2:] {
			if m, ok := decodeBroadcast(t, raw).(*wire.DCD); ok {
				dcd = m
			}
		}
		if i < transition {
			if dl.DCDCount != 0 || dcd == nil || dcd.ChangeCount != 1 {
				t.Fatalf("transition frame %d: map count %d, dcd %+v", i+1, dl.DCDCount, dcd)
			}
			continue
		}
		if dl.DCDCount != 1 || dcd != nil {
			t.Fatalf("frame %d after the transition: map count %d, dcd %+v", i+1, dl.DCDCount, dcd)
		}
	}

	if changed, err := h.e.UpdateChannel(ctx, func(*schedule.Channel) {}); err != nil || changed {
		t.Fatalf("no-op update: changed %v, %v", changed, err)
	}
	_, err = h.e.UpdateChannel(ctx, func(c *schedule.Channel) { c.DLProfiles = nil })
	if !errors.Is(err, schedule.ErrInvalidChannel) {
		t.Fatalf("empty profiles: %v", err)
	}
	if h.e.Stats().DescriptorChanges != 1 {
		t.Fatalf("rejected updates counted as changes")
	}
}
