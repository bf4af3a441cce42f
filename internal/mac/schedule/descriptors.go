package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
)

// ErrInvalidChannel is returned by SetChannel for parameters no descriptor
// can carry.
var ErrInvalidChannel = errors.New("schedule: invalid channel parameters")

// Channel is the DCD and UCD content that may change while the cell runs.
type Channel struct {
	ChannelNumber uint8
	FrequencyKHz  uint32
	EIRP          uint16

	RangingBackoffStart uint8
	RangingBackoffEnd   uint8
	RequestBackoffStart uint8
	RequestBackoffEnd   uint8
	ContentionTimeout   uint8

	DLProfiles []wire.BurstProfile
	ULProfiles []wire.BurstProfile
}

type descriptors struct {
	built   bool
	changed bool
	force   bool

	dcdCount, ucdCount uint8
	// Change counts the maps reference.
	activeDCD, activeUCD uint8
	countdown            int

	dcd, ucd []byte
	next     time.Time
}

// MarkDescriptorsChanged makes the next frame rebuild DCD and UCD with a new
// change count and enter the transition countdown.
func (s *Scheduler) MarkDescriptorsChanged() { s.desc.changed = true }

// Channel returns a copy of the current channel parameters.
func (s *Scheduler) Channel() Channel {
	c := s.cfg
	return Channel{
		ChannelNumber:       c.ChannelNumber,
		FrequencyKHz:        c.FrequencyKHz,
		EIRP:                c.EIRP,
		RangingBackoffStart: c.RangingBackoffStart,
		RangingBackoffEnd:   c.RangingBackoffEnd,
		RequestBackoffStart: c.RequestBackoffStart,
		RequestBackoffEnd:   c.RequestBackoffEnd,
		ContentionTimeout:   c.ContentionTimeout,
		DLProfiles:          slices.Clone(c.DLProfiles),
		ULProfiles:          slices.Clone(c.ULProfiles),
	}
}

// SetChannel replaces the channel parameters. When the descriptors already
// on air would encode differently, the next frame rebuilds them with new
// change counts and starts the transition; changed reports that case.
func (s *Scheduler) SetChannel(ch Channel) (changed bool, err error) {
	switch {
	case ch.RangingBackoffStart > ch.RangingBackoffEnd, ch.RequestBackoffStart > ch.RequestBackoffEnd:
		return false, fmt.Errorf("%w: backoff window starts after it ends", ErrInvalidChannel)
	case len(ch.DLProfiles) == 0, len(ch.ULProfiles) == 0:
		return false, fmt.Errorf("%w: no burst profiles", ErrInvalidChannel)
	}
	prev := s.cfg
	c := &s.cfg
	c.ChannelNumber, c.FrequencyKHz, c.EIRP = ch.ChannelNumber, ch.FrequencyKHz, ch.EIRP
	c.RangingBackoffStart, c.RangingBackoffEnd = ch.RangingBackoffStart, ch.RangingBackoffEnd
	c.RequestBackoffStart, c.RequestBackoffEnd = ch.RequestBackoffStart, ch.RequestBackoffEnd
	c.ContentionTimeout = ch.ContentionTimeout
	c.DLProfiles, c.ULProfiles = slices.Clone(ch.DLProfiles), slices.Clone(ch.ULProfiles)

	d := &s.desc
	if !d.built {
		return false, nil
	}
	dcd, ucd, err := s.encodeDescriptors(d.dcdCount, d.ucdCount)
	if err != nil {
		s.cfg = prev
		return false, err
	}
	if bytes.Equal(dcd, d.dcd) && bytes.Equal(ucd, d.ucd) {
		return false, nil
	}
	s.MarkDescriptorsChanged()
	return true, nil
}

// BroadcastDescriptors makes the next frame carry DCD and UCD whether or not
// they are due.
func (s *Scheduler) BroadcastDescriptors() { s.desc.force = true }

// DescriptorCounts returns the change counts currently referenced by the
// maps.
func (s *Scheduler) DescriptorCounts() (dcd, ucd uint8) {
	return s.desc.activeDCD, s.desc.activeUCD
}

// descriptorPDUs runs the descriptor lifecycle for one frame and returns
// the PDUs to broadcast, if any.
func (s *Scheduler) descriptorPDUs(ctx context.Context, now time.Time) [][]byte {
	d := &s.desc
	switch {
	case !d.built:
		if !s.rebuildDescriptors(ctx) {
			return nil
		}
		d.built = true
		d.activeDCD, d.activeUCD = d.dcdCount, d.ucdCount
	case d.changed:
		prevDCD, prevUCD := d.dcdCount, d.ucdCount
		d.dcdCount++
		d.ucdCount++
		if !s.rebuildDescriptors(ctx) {
			d.dcdCount, d.ucdCount = prevDCD, prevUCD
			return nil
		}
		d.countdown = s.cfg.DescriptorTransition
		s.log.Info(ctx, "channel descriptors changed",
			logging.Int("dcd_count", int(d.dcdCount)),
			logging.Int("ucd_count", int(d.ucdCount)))
	}
	d.changed = false

	send := d.force || !now.Before(d.next)
	if d.countdown > 0 {
		send = true
		d.countdown--
	} else {
		d.activeDCD, d.activeUCD = d.dcdCount, d.ucdCount
	}
	if !send {
		return nil
	}
	d.force = false
	d.next = now.Add(s.cfg.DescriptorInterval)
	return [][]byte{d.dcd, d.ucd}
}

func (s *Scheduler) rebuildDescriptors(ctx context.Context) bool {
	if _, ok := phy.FrameDurationCode(s.cfg.FrameDuration); !ok {
		s.log.Warn(ctx, "frame duration has no descriptor code", logging.Duration("frame", s.cfg.FrameDuration))
	}
	dcd, ucd, err := s.encodeDescriptors(s.desc.dcdCount, s.desc.ucdCount)
	if err != nil {
		s.log.Error(ctx, "encode channel descriptors", logging.Err(err))
		return false
	}
	s.desc.dcd, s.desc.ucd = dcd, ucd
	return true
}

func (s *Scheduler) encodeDescriptors(dcdCount, ucdCount uint8) (dcdPDU, ucdPDU []byte, err error) {
	code, _ := phy.FrameDurationCode(s.cfg.FrameDuration)
	dcd := &wire.DCD{
		ChannelID:         s.cfg.DLChannelID,
		ChangeCount:       dcdCount,
		EIRP:              s.cfg.EIRP,
		FrameDurationCode: code,
		ChannelNumber:     s.cfg.ChannelNumber,
		TTG:               uint16(s.cfg.TTG / time.Microsecond),
		RTG:               uint16(s.cfg.RTG / time.Microsecond),
		FrequencyKHz:      s.cfg.FrequencyKHz,
		BSID:              s.cfg.BSID,
		Profiles:          s.cfg.DLProfiles,
	}
	ucd := &wire.UCD{
		ChangeCount:         ucdCount,
		RangingBackoffStart: s.cfg.RangingBackoffStart,
		RangingBackoffEnd:   s.cfg.RangingBackoffEnd,
		RequestBackoffStart: s.cfg.RequestBackoffStart,
		RequestBackoffEnd:   s.cfg.RequestBackoffEnd,
		ContentionTimeout:   s.cfg.ContentionTimeout,
		BwReqOppSize:        uint16(s.cfg.OpportunitySlots),
		RngReqOppSize:       uint16(s.cfg.OpportunitySlots),
		FrequencyKHz:        s.cfg.FrequencyKHz,
		Profiles:            s.cfg.ULProfiles,
	}
	if dcdPDU, err = wire.EncodePDU(mac.BroadcastCID, dcd); err != nil {
		return nil, nil, fmt.Errorf("dcd: %w", err)
	}
	if ucdPDU, err = wire.EncodePDU(mac.BroadcastCID, ucd); err != nil {
		return nil, nil, fmt.Errorf("ucd: %w", err)
	}
	return dcdPDU, ucdPDU, nil
}
