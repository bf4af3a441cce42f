// Package schedule builds one frame per period: it runs the idle sweep and
// the channel descriptor lifecycle, allocates the uplink and downlink
// sub-frames and hands the DL-MAP, UL-MAP and every scheduled PDU to the
// PHY.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ranging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
)

// ErrNoCapacity is returned when the frame layout leaves no slots at all.
var ErrNoCapacity = errors.New("schedule: frame has no slots")

// Ranging is the part of the ranging machine the scheduler drives.
type Ranging interface {
	MissedInvitation(ctx context.Context, ss *registry.SS) ranging.Outcome
	FlushCDMA(ctx context.Context) []wire.CDMAAttributes
}

// Sweeper removes idle service flows.
type Sweeper interface {
	SweepIdle(ctx context.Context, now time.Time) int
}

// Recorder receives per-frame figures for metrics.
type Recorder interface {
	ObserveFrame(d time.Duration, ulSlots, dlSlots, ulIEs, dlIEs int)
	IncIEMismatch()
}

// FrameReport summarises one built frame.
type FrameReport struct {
	Number      uint32
	ULSlots     int
	ULUsed      int
	DLSlots     int
	DLUsed      int
	ULIEs       int
	DLIEs       int
	PDUs        int
	Descriptors bool
	Swept       int
	Mismatch    bool
	BuildTime   time.Duration

	// GrantedStations counts stations given an uplink data grant.
	GrantedStations int
}

// Scheduler owns the per-frame allocation. All of its state other than the
// round robin cursors, the frame counter and the descriptor lifecycle is
// reset at the start of every frame.
type Scheduler struct {
	cfg     Config
	reg     *registry.Registry
	phy     ports.PHY
	queue   ports.Queue
	ranging Ranging
	sweeper Sweeper
	log     logging.Logger
	metrics Recorder

	frame           uint32
	ulCursor        int
	dlCursor        int
	lastInitRanging time.Time
	desc            descriptors
}

// New returns a scheduler. sweeper and metrics may be nil.
func New(cfg Config, reg *registry.Registry, p ports.PHY, q ports.Queue, r Ranging, sweeper Sweeper, log logging.Logger, metrics Recorder) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		reg:     reg,
		phy:     p,
		queue:   q,
		ranging: r,
		sweeper: sweeper,
		log:     logging.OrNoop(log),
		metrics: metrics,
	}
}

// allocation tracks one sub-frame's slot budget.
type allocation struct {
	budget int
	used   int
}

func (a *allocation) remaining() int { return a.budget - a.used }

// take reserves n slots when they fit.
func (a *allocation) take(n int) bool {
	if n <= 0 || n > a.remaining() {
		return false
	}
	a.used += n
	return true
}

// frameState is the transient state of one frame build.
type frameState struct {
	now time.Time
	ul  allocation
	dl  allocation

	ulIEs       []wire.ULMapIE
	ulScheduled int
	ulMapBytes  int

	dlIEs       []wire.DLMapIE
	dlSlots     []int // data slots of each DL IE
	dlScheduled int
	mapBytes    int // both maps, headers included
	pdus        [][]byte

	granted map[mac.CID]bool
}

// BuildFrame allocates and transmits one frame.
func (s *Scheduler) BuildFrame(ctx context.Context, now time.Time) (FrameReport, error) {
	start := time.Now()
	rep := FrameReport{Number: s.frame}

	if s.sweeper != nil {
		rep.Swept = s.sweeper.SweepIdle(ctx, now)
	}
	desc := s.descriptorPDUs(ctx, now)
	rep.Descriptors = len(desc) > 0

	fs := &frameState{
		now:     now,
		granted: make(map[mac.CID]bool),
	}
	fs.ul.budget = s.phy.DurationToSlots(s.cfg.ULDuration(), mac.Uplink) * s.phy.Subchannels(mac.Uplink)
	fs.dl.budget = s.phy.DurationToSlots(s.cfg.DLDuration, mac.Downlink) * s.phy.Subchannels(mac.Downlink)
	if fs.ul.budget <= 0 || fs.dl.budget <= 0 {
		return rep, fmt.Errorf("%w: ul %d dl %d", ErrNoCapacity, fs.ul.budget, fs.dl.budget)
	}

	s.allocateUplink(ctx, fs)
	s.allocateDownlink(ctx, fs, desc)

	dlMap, ulMap := s.maps(fs)
	dlPDU, err := wire.EncodePDU(mac.BroadcastCID, dlMap)
	if err != nil {
		return rep, fmt.Errorf("schedule: dl-map: %w", err)
	}
	ulPDU, err := wire.EncodePDU(mac.BroadcastCID, ulMap)
	if err != nil {
		return rep, fmt.Errorf("schedule: ul-map: %w", err)
	}
	pdus := append([][]byte{dlPDU, ulPDU}, fs.pdus...)

	ulWritten, dlWritten := writtenIEs(ulPDU), writtenIEs(dlPDU)
	if ulWritten != fs.ulScheduled || dlWritten != fs.dlScheduled {
		rep.Mismatch = true
		s.log.Warn(ctx, "map information element count mismatch",
			logging.Int("ul_scheduled", fs.ulScheduled),
			logging.Int("ul_written", ulWritten),
			logging.Int("dl_scheduled", fs.dlScheduled),
			logging.Int("dl_written", dlWritten))
		if s.metrics != nil {
			s.metrics.IncIEMismatch()
		}
	}

	if err := s.phy.TransmitFrame(ctx, pdus, len(dlPDU), s.cfg.DLDuration); err != nil {
		s.log.Warn(ctx, "transmit frame", logging.Any("frame", s.frame), logging.Err(err))
	}

	rep.ULSlots, rep.ULUsed = fs.ul.budget, fs.ul.used
	rep.DLSlots, rep.DLUsed = fs.dl.budget, fs.dl.used
	rep.ULIEs, rep.DLIEs = len(ulMap.IEs), len(dlMap.IEs)
	rep.GrantedStations = len(fs.granted)
	rep.PDUs = len(pdus)
	rep.BuildTime = time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveFrame(rep.BuildTime, rep.ULUsed, rep.DLUsed, rep.ULIEs, rep.DLIEs)
	}
	s.frame = (s.frame + 1) & 0xFFFFFF
	return rep, nil
}

// writtenIEs decodes a map PDU and counts its information elements.
func writtenIEs(pdu []byte) int {
	p, _, err := wire.DecodePDU(pdu)
	if err != nil {
		return -1
	}
	msg, err := wire.Unmarshal(p.Payload)
	if err != nil {
		return -1
	}
	switch m := msg.(type) {
	case *wire.DLMap:
		return len(m.IEs)
	case *wire.ULMap:
		return len(m.IEs)
	}
	return -1
}

func (s *Scheduler) maps(fs *frameState) (*wire.DLMap, *wire.ULMap) {
	code, _ := phy.FrameDurationCode(s.cfg.FrameDuration)
	dlSymbols := int(s.cfg.DLDuration / s.phy.SymbolDuration())
	ulSymbols := int(s.cfg.ULDuration() / s.phy.SymbolDuration())
	dcd, ucd := s.DescriptorCounts()

	// Bursts follow the maps in slot order.
	cursor := s.mapSlots(fs.mapBytes)
	for i := range fs.dlIEs {
		place(&fs.dlIEs[i], cursor, fs.dlSlots[i], s.phy.Subchannels(mac.Downlink), s.phy.SlotSymbols(mac.Downlink))
		cursor += fs.dlSlots[i]
	}

	dl := &wire.DLMap{
		FrameDurationCode: code,
		FrameNumber:       s.frame,
		DCDCount:          dcd,
		BSID:              s.cfg.BSID,
		Symbols:           clamp8(dlSymbols),
		IEs:               fs.dlIEs,
	}
	ul := &wire.ULMap{
		UCDCount:        ucd,
		AllocationStart: uint32(dlSymbols + int((s.cfg.TTG+s.phy.SymbolDuration()-1)/s.phy.SymbolDuration())),
		Symbols:         clamp8(ulSymbols),
		IEs:             fs.ulIEs,
	}
	return dl, ul
}

// place lays a burst of slots out column by column from slot index start.
func place(ie *wire.DLMapIE, start, slots, subchannels, slotSymbols int) {
	if subchannels <= 0 {
		return
	}
	ie.SymbolOffset = clamp8(start / subchannels * slotSymbols)
	ie.SubchannelOffset = clamp8(start % subchannels)
	ie.Subchannels = clamp8(min(slots, subchannels))
	cols := (start%subchannels + slots + subchannels - 1) / subchannels
	ie.Symbols = clamp8(cols * slotSymbols)
}

func region(start, slots, subchannels, slotSymbols int, method uint8) *wire.ULRegion {
	if subchannels <= 0 {
		return &wire.ULRegion{RangingMethod: method}
	}
	cols := (start%subchannels + slots + subchannels - 1) / subchannels
	return &wire.ULRegion{
		SymbolOffset:     clamp8(start / subchannels * slotSymbols),
		SubchannelOffset: clamp8(start % subchannels),
		Symbols:          clamp8(cols * slotSymbols),
		Subchannels:      clamp8(min(slots, subchannels)),
		RangingMethod:    method,
	}
}

func clamp8(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 0xFF:
		return 0xFF
	}
	return uint8(v)
}

// mapSlots is the DL sub-frame cost of the maps, sent at the most robust
// profile.
func (s *Scheduler) mapSlots(bytes int) int {
	return s.phy.BytesToSlots(bytes, mac.DIUCMostRobust, mac.Downlink)
}

// rotate returns stations starting at cursor modulo their count.
func rotate(stations []*registry.SS, cursor int) []*registry.SS {
	if len(stations) == 0 {
		return nil
	}
	k := cursor % len(stations)
	return append(append([]*registry.SS(nil), stations[k:]...), stations[:k]...)
}
