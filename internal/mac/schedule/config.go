package schedule

import (
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

// Config holds the frame structure and the contention layout.
type Config struct {
	FrameDuration time.Duration
	DLDuration    time.Duration
	TTG           time.Duration
	RTG           time.Duration

	BSID          mac.MACAddress
	DLChannelID   uint8
	ChannelNumber uint8
	FrequencyKHz  uint32
	EIRP          uint16

	// DescriptorInterval is the period DCD and UCD are rebroadcast at.
	DescriptorInterval time.Duration
	// DescriptorTransition is the number of frames a changed descriptor is
	// repeated before maps reference its new change count.
	DescriptorTransition int

	// InitRangingInterval spaces the initial ranging regions.
	InitRangingInterval  time.Duration
	RangingOpportunities int
	RequestOpportunities int
	OpportunitySlots     int
	// InvitedSlots is the size of an invited ranging grant.
	InvitedSlots int
	// CDMAGrantSlots is the size of the allocation answering a CDMA code.
	CDMAGrantSlots int

	RangingBackoffStart uint8
	RangingBackoffEnd   uint8
	RequestBackoffStart uint8
	RequestBackoffEnd   uint8
	ContentionTimeout   uint8

	DLProfiles []wire.BurstProfile
	ULProfiles []wire.BurstProfile
}

// DefaultConfig returns the standard frame layout. Burst profiles are left
// empty; the engine fills them from the PHY.
func DefaultConfig() Config {
	return Config{
		FrameDuration:        20 * time.Millisecond,
		DLDuration:           10 * time.Millisecond,
		TTG:                  10 * time.Microsecond,
		RTG:                  10 * time.Microsecond,
		DescriptorInterval:   5 * time.Second,
		DescriptorTransition: 2,
		InitRangingInterval:  time.Second,
		RangingOpportunities: 3,
		RequestOpportunities: 3,
		OpportunitySlots:     6,
		InvitedSlots:         6,
		CDMAGrantSlots:       6,
		RangingBackoffStart:  3,
		RangingBackoffEnd:    15,
		RequestBackoffStart:  3,
		RequestBackoffEnd:    15,
		ContentionTimeout:    2,
	}
}

// ULDuration is the uplink sub-frame after both guard times.
func (c Config) ULDuration() time.Duration {
	d := c.FrameDuration - c.DLDuration - c.TTG - c.RTG
	if d < 0 {
		return 0
	}
	return d
}
