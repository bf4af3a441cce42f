// Package phy models the OFDMA physical layer the MAC schedules against:
// slot geometry, burst profiles and receiver sensitivity. Transmission is
// delegated to a hook so simulated stations can be looped back.
package phy

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

// Profile is one burst profile. Thresholds are in 0.25 dB units.
type Profile struct {
	Modulation     mac.Modulation
	EntryThreshold uint8
	ExitThreshold  uint8
}

// Config describes the air interface.
type Config struct {
	SymbolDuration time.Duration
	DLSubchannels  int
	ULSubchannels  int
	DLSlotSymbols  int
	ULSlotSymbols  int
	// Profiles is indexed by modulation order; the DIUC of entry i is i and
	// the UIUC is i+1.
	Profiles    []Profile
	Sensitivity map[mac.Modulation]float64
}

// DefaultConfig returns the PUSC profile set used by the engine.
func DefaultConfig() Config {
	return Config{
		SymbolDuration: 100 * time.Microsecond,
		DLSubchannels:  60,
		ULSubchannels:  70,
		DLSlotSymbols:  2,
		ULSlotSymbols:  3,
		Profiles: []Profile{
			{Modulation: mac.ModQPSK12, EntryThreshold: 24, ExitThreshold: 20},
			{Modulation: mac.ModQPSK34, EntryThreshold: 34, ExitThreshold: 30},
			{Modulation: mac.Mod16QAM12, EntryThreshold: 46, ExitThreshold: 42},
			{Modulation: mac.Mod16QAM34, EntryThreshold: 60, ExitThreshold: 56},
			{Modulation: mac.Mod64QAM12, EntryThreshold: 76, ExitThreshold: 72},
			{Modulation: mac.Mod64QAM23, EntryThreshold: 84, ExitThreshold: 80},
			{Modulation: mac.Mod64QAM34, EntryThreshold: 88, ExitThreshold: 84},
			{Modulation: mac.ModBPSK, EntryThreshold: 12, ExitThreshold: 8},
		},
		Sensitivity: map[mac.Modulation]float64{
			mac.ModBPSK:    -96,
			mac.ModQPSK12:  -97,
			mac.ModQPSK34:  -94,
			mac.Mod16QAM12: -91.5,
			mac.Mod16QAM34: -88,
			mac.Mod64QAM12: -86,
			mac.Mod64QAM23: -84,
			mac.Mod64QAM34: -82,
		},
	}
}

// Bits carried by one subchannel during one symbol.
var (
	dlBitsPerSymbol = map[mac.Modulation]int{
		mac.ModQPSK12: 24, mac.ModQPSK34: 36, mac.Mod16QAM12: 48, mac.Mod16QAM34: 72,
		mac.Mod64QAM12: 72, mac.Mod64QAM23: 96, mac.Mod64QAM34: 108, mac.ModBPSK: 12,
	}
	ulBitsPerSymbol = map[mac.Modulation]int{
		mac.ModQPSK12: 16, mac.ModQPSK34: 24, mac.Mod16QAM12: 32, mac.Mod16QAM34: 48,
		mac.Mod64QAM12: 48, mac.Mod64QAM23: 64, mac.Mod64QAM34: 72, mac.ModBPSK: 8,
	}
)

// Frame is one transmitted frame.
type Frame struct {
	PDUs        [][]byte
	DLMapLength int
	DLDuration  time.Duration
}

// TransmitHook receives every frame the MAC transmits.
type TransmitHook func(ctx context.Context, f Frame) error

// Model implements ports.PHY.
type Model struct {
	cfg  Config
	hook TransmitHook
}

var _ ports.PHY = (*Model)(nil)

// New returns a model for cfg. A nil hook discards frames.
func New(cfg Config, hook TransmitHook) (*Model, error) {
	if cfg.SymbolDuration <= 0 || cfg.DLSlotSymbols <= 0 || cfg.ULSlotSymbols <= 0 {
		return nil, fmt.Errorf("phy: invalid slot geometry")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("phy: no burst profiles")
	}
	return &Model{cfg: cfg, hook: hook}, nil
}

// SetTransmitHook replaces the transmit hook.
func (m *Model) SetTransmitHook(h TransmitHook) { m.hook = h }

// TransmitFrame implements ports.PHY.
func (m *Model) TransmitFrame(ctx context.Context, pdus [][]byte, dlMapLength int, dlDuration time.Duration) error {
	if m.hook == nil {
		return nil
	}
	return m.hook(ctx, Frame{PDUs: pdus, DLMapLength: dlMapLength, DLDuration: dlDuration})
}

// LeastRobustBurstProfile scans the profiles in order and keeps the last
// one whose entry threshold the measured CINR reaches. BPSK sits at the end
// of the table and is stepped over.
func (m *Model) LeastRobustBurstProfile(dir mac.Direction, quality mac.Measurement) uint8 {
	mea := quality.CINR * 4
	i := 1
	for ; i < len(m.cfg.Profiles); i++ {
		if float64(m.cfg.Profiles[i].EntryThreshold) > mea {
			break
		}
	}
	idx := i - 1
	if m.cfg.Profiles[idx].Modulation == mac.ModBPSK && idx > 0 {
		idx--
	}
	return profileCode(idx, dir)
}

func profileCode(idx int, dir mac.Direction) uint8 {
	if dir == mac.Uplink {
		return uint8(idx) + mac.UIUCMostRobust
	}
	return uint8(idx) + mac.DIUCMostRobust
}

// Modulation returns the modulation of a DIUC or UIUC. Unknown codes map
// to the most robust profile.
func (m *Model) Modulation(profile uint8, dir mac.Direction) mac.Modulation {
	idx := int(profile)
	if dir == mac.Uplink {
		idx -= int(mac.UIUCMostRobust)
	}
	if idx < 0 || idx >= len(m.cfg.Profiles) {
		return m.cfg.Profiles[0].Modulation
	}
	return m.cfg.Profiles[idx].Modulation
}

// MostRobust returns the most robust profile code of the direction.
func (m *Model) MostRobust(dir mac.Direction) uint8 { return profileCode(0, dir) }

// BytesToSlots implements ports.PHY. Partial slots round up.
func (m *Model) BytesToSlots(bytes int, profile uint8, dir mac.Direction) int {
	if bytes <= 0 {
		return 0
	}
	table, symbols := dlBitsPerSymbol, m.cfg.DLSlotSymbols
	if dir == mac.Uplink {
		table, symbols = ulBitsPerSymbol, m.cfg.ULSlotSymbols
	}
	perSlot := table[m.Modulation(profile, dir)] * symbols
	bits := bytes * 8
	return (bits + perSlot - 1) / perSlot
}

// SlotBytes is the payload one slot of the profile carries.
func (m *Model) SlotBytes(profile uint8, dir mac.Direction) int {
	table, symbols := dlBitsPerSymbol, m.cfg.DLSlotSymbols
	if dir == mac.Uplink {
		table, symbols = ulBitsPerSymbol, m.cfg.ULSlotSymbols
	}
	return table[m.Modulation(profile, dir)] * symbols / 8
}

// DurationToSlots implements ports.PHY.
func (m *Model) DurationToSlots(d time.Duration, dir mac.Direction) int {
	if d <= 0 {
		return 0
	}
	return int(d/m.cfg.SymbolDuration) / m.SlotSymbols(dir)
}

// SlotSymbols returns the symbols spanned by one slot.
func (m *Model) SlotSymbols(dir mac.Direction) int {
	if dir == mac.Uplink {
		return m.cfg.ULSlotSymbols
	}
	return m.cfg.DLSlotSymbols
}

// Subchannels implements ports.PHY.
func (m *Model) Subchannels(dir mac.Direction) int {
	if dir == mac.Uplink {
		return m.cfg.ULSubchannels
	}
	return m.cfg.DLSubchannels
}

// SymbolDuration implements ports.PHY.
func (m *Model) SymbolDuration() time.Duration { return m.cfg.SymbolDuration }

// Sensitivity implements ports.PHY.
func (m *Model) Sensitivity(mod mac.Modulation) float64 {
	if v, ok := m.cfg.Sensitivity[mod]; ok {
		return v
	}
	return m.cfg.Sensitivity[mac.ModQPSK12]
}

// DescriptorProfiles returns the burst profiles advertised in the DCD or
// UCD.
func (m *Model) DescriptorProfiles(dir mac.Direction) []wire.BurstProfile {
	out := make([]wire.BurstProfile, 0, len(m.cfg.Profiles))
	for i, p := range m.cfg.Profiles {
		out = append(out, wire.BurstProfile{
			Code:           profileCode(i, dir),
			FEC:            uint8(p.Modulation),
			ExitThreshold:  p.ExitThreshold,
			EntryThreshold: p.EntryThreshold,
		})
	}
	return out
}

var frameDurationCodes = map[time.Duration]uint8{
	2500 * time.Microsecond:  1,
	4 * time.Millisecond:     2,
	5 * time.Millisecond:     3,
	8 * time.Millisecond:     4,
	10 * time.Millisecond:    5,
	12500 * time.Microsecond: 6,
	20 * time.Millisecond:    7,
}

// FrameDurationCode returns the DL-MAP code of a standard frame duration.
func FrameDurationCode(d time.Duration) (uint8, bool) {
	c, ok := frameDurationCodes[d]
	return c, ok
}
