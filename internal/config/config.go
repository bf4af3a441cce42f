// Package config loads the base station configuration from BS_* environment
// variables and normalises it. Out-of-range values are never corrected
// silently: Normalize reports each substitution as a Fallback, or refuses the
// configuration under the strict policy.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/signalsfoundry/bs-mac-engine/internal/engine"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/admission"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/dsx"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ranging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/schedule"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
)

// ErrInvalidConfig is returned for values that cannot be used, and for any
// fallback under the strict policy.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Policy decides what Normalize does with an out-of-range value.
type Policy string

const (
	PolicyApply  Policy = "apply"
	PolicyStrict Policy = "strict"
)

// Bounds on configurable intervals.
const (
	MaxDescriptorInterval  = 10 * time.Second
	MaxInitRangingInterval = 2 * time.Second
	MinT9                  = 300 * time.Millisecond
	MinT17                 = 5 * time.Minute
	MinRngRspProcessing    = 10 * time.Millisecond
	MaxT8                  = 300 * time.Millisecond
	MaxBackoff             = 15
	MaxARQWindow           = 1024
)

// Config is the complete base station configuration.
type Config struct {
	FallbackPolicy Policy `envconfig:"CONFIG_FALLBACK" default:"apply"`

	// Frame structure.
	FrameDuration  time.Duration `envconfig:"FRAME_DURATION" default:"20ms"`
	DLDuration     time.Duration `envconfig:"DL_DURATION" default:"10ms"`
	TTG            time.Duration `envconfig:"TTG" default:"10us"`
	RTG            time.Duration `envconfig:"RTG" default:"10us"`
	SymbolDuration time.Duration `envconfig:"SYMBOL_DURATION" default:"100us"`
	DLSubchannels  int           `envconfig:"DL_SUBCHANNELS" default:"60"`
	ULSubchannels  int           `envconfig:"UL_SUBCHANNELS" default:"70"`

	// Channel identity.
	BSID          string `envconfig:"BSID" default:"02:00:5e:10:00:01"`
	DLChannelID   uint8  `envconfig:"DL_CHANNEL_ID" default:"1"`
	ULChannelID   uint8  `envconfig:"UL_CHANNEL_ID" default:"1"`
	ChannelNumber uint8  `envconfig:"CHANNEL_NUMBER" default:"1"`
	FrequencyKHz  uint32 `envconfig:"FREQUENCY_KHZ" default:"3500000"`
	EIRP          uint16 `envconfig:"EIRP" default:"40"`

	// Descriptors and contention.
	DescriptorInterval   time.Duration `envconfig:"DESCRIPTOR_INTERVAL" default:"5s"`
	DescriptorTransition int           `envconfig:"DESCRIPTOR_TRANSITION" default:"2"`
	InitRangingInterval  time.Duration `envconfig:"INIT_RANGING_INTERVAL" default:"1s"`
	RangingOpportunities int           `envconfig:"RANGING_OPPORTUNITIES" default:"3"`
	RequestOpportunities int           `envconfig:"REQUEST_OPPORTUNITIES" default:"3"`
	OpportunitySlots     int           `envconfig:"OPPORTUNITY_SLOTS" default:"6"`
	RangingBackoffStart  uint8         `envconfig:"RANGING_BACKOFF_START" default:"3"`
	RangingBackoffEnd    uint8         `envconfig:"RANGING_BACKOFF_END" default:"15"`
	RequestBackoffStart  uint8         `envconfig:"REQUEST_BACKOFF_START" default:"3"`
	RequestBackoffEnd    uint8         `envconfig:"REQUEST_BACKOFF_END" default:"15"`

	// Ranging, capability negotiation and registration.
	T9                time.Duration `envconfig:"T9" default:"300ms"`
	T17               time.Duration `envconfig:"T17" default:"5m"`
	RngRspProcessing  time.Duration `envconfig:"RNG_RSP_PROCESSING" default:"10ms"`
	PeriodicCorrect   time.Duration `envconfig:"PERIODIC_RANGING_CORRECT" default:"50ms"`
	PeriodicAccept    time.Duration `envconfig:"PERIODIC_RANGING_ACCEPT" default:"100ms"`
	InvitedRetries    int           `envconfig:"INVITED_RANGING_RETRIES" default:"16"`
	CorrectionRetries int           `envconfig:"RANGE_CORRECTION_RETRIES" default:"16"`
	PowerMargin       float64       `envconfig:"RANGING_POWER_MARGIN" default:"3"`

	// Dynamic service transactions.
	T7                 time.Duration `envconfig:"T7" default:"1s"`
	T8                 time.Duration `envconfig:"T8" default:"200ms"`
	T10                time.Duration `envconfig:"T10" default:"3s"`
	DsxRequestRetries  int           `envconfig:"DSX_REQUEST_RETRIES" default:"3"`
	DsxResponseRetries int           `envconfig:"DSX_RESPONSE_RETRIES" default:"3"`
	FlowIdleTimeout    time.Duration `envconfig:"FLOW_IDLE_TIMEOUT" default:"15s"`

	// Admission control.
	AdmissionScheme string  `envconfig:"ADMISSION_SCHEME" default:"basic"`
	MaxULLoad       float64 `envconfig:"MAX_UL_LOAD" default:"0.7"`
	MaxDLLoad       float64 `envconfig:"MAX_DL_LOAD" default:"0.7"`
	ControlOverhead float64 `envconfig:"CONTROL_OVERHEAD" default:"0.1"`

	// ARQ.
	ARQEnabled        bool          `envconfig:"ARQ_ENABLED" default:"false"`
	ARQWindow         uint16        `envconfig:"ARQ_WINDOW" default:"256"`
	ARQBlockSize      uint16        `envconfig:"ARQ_BLOCK_SIZE" default:"64"`
	ARQRetryTimeout   time.Duration `envconfig:"ARQ_RETRY_TIMEOUT" default:"100ms"`
	ARQBlockLifetime  time.Duration `envconfig:"ARQ_BLOCK_LIFETIME" default:"0s"`
	ARQSyncLoss       time.Duration `envconfig:"ARQ_SYNC_LOSS_TIMEOUT" default:"1s"`
	ARQPurge          time.Duration `envconfig:"ARQ_PURGE_TIMEOUT" default:"1s"`
	ARQDeliverInOrder bool          `envconfig:"ARQ_DELIVER_IN_ORDER" default:"true"`

	// Provisioning.
	RequireProvisioning bool          `envconfig:"REQUIRE_PROVISIONING" default:"false"`
	RedisAddr           string        `envconfig:"REDIS_ADDR"`
	RedisPassword       string        `envconfig:"REDIS_PASSWORD"`
	ProvisionReload     time.Duration `envconfig:"PROVISION_RELOAD" default:"30s"`

	// Runner surfaces.
	DiagAddr    string `envconfig:"DIAG_ADDR" default:":50071"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9108"`
}

// Fallback records one substituted value.
type Fallback struct {
	Field     string
	Requested string
	Applied   string
	Reason    string
}

func (f Fallback) String() string {
	return fmt.Sprintf("%s: %s -> %s (%s)", f.Field, f.Requested, f.Applied, f.Reason)
}

// Load reads the BS_* environment. It does not normalise.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("BS", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration Load yields on an empty environment.
func Default() Config {
	return Config{
		FallbackPolicy:       PolicyApply,
		FrameDuration:        20 * time.Millisecond,
		DLDuration:           10 * time.Millisecond,
		TTG:                  10 * time.Microsecond,
		RTG:                  10 * time.Microsecond,
		SymbolDuration:       100 * time.Microsecond,
		DLSubchannels:        60,
		ULSubchannels:        70,
		BSID:                 "02:00:5e:10:00:01",
		DLChannelID:          1,
		ULChannelID:          1,
		ChannelNumber:        1,
		FrequencyKHz:         3500000,
		EIRP:                 40,
		DescriptorInterval:   5 * time.Second,
		DescriptorTransition: 2,
		InitRangingInterval:  time.Second,
		RangingOpportunities: 3,
		RequestOpportunities: 3,
		OpportunitySlots:     6,
		RangingBackoffStart:  3,
		RangingBackoffEnd:    15,
		RequestBackoffStart:  3,
		RequestBackoffEnd:    15,
		T9:                   300 * time.Millisecond,
		T17:                  5 * time.Minute,
		RngRspProcessing:     10 * time.Millisecond,
		PeriodicCorrect:      50 * time.Millisecond,
		PeriodicAccept:       100 * time.Millisecond,
		InvitedRetries:       16,
		CorrectionRetries:    16,
		PowerMargin:          3,
		T7:                   time.Second,
		T8:                   200 * time.Millisecond,
		T10:                  3 * time.Second,
		DsxRequestRetries:    3,
		DsxResponseRetries:   3,
		FlowIdleTimeout:      15 * time.Second,
		AdmissionScheme:      "basic",
		MaxULLoad:            0.7,
		MaxDLLoad:            0.7,
		ControlOverhead:      0.1,
		ARQWindow:            256,
		ARQBlockSize:         64,
		ARQRetryTimeout:      100 * time.Millisecond,
		ARQSyncLoss:          time.Second,
		ARQPurge:             time.Second,
		ARQDeliverInOrder:    true,
		ProvisionReload:      30 * time.Second,
		DiagAddr:             ":50071",
		MetricsAddr:          ":9108",
	}
}

// Normalize validates every range. Under PolicyApply it substitutes each
// out-of-range value and returns the substitutions; under PolicyStrict it
// leaves the configuration untouched and returns ErrInvalidConfig naming the
// first offending field. An empty policy uses the configured FallbackPolicy.
func (c *Config) Normalize(policy Policy) ([]Fallback, error) {
	if policy == "" {
		policy = c.FallbackPolicy
	}
	switch Policy(strings.ToLower(string(policy))) {
	case PolicyApply, "":
		policy = PolicyApply
	case PolicyStrict:
		policy = PolicyStrict
	default:
		return nil, fmt.Errorf("%w: fallback policy %q", ErrInvalidConfig, policy)
	}
	if _, err := mac.ParseMAC(c.BSID); err != nil {
		return nil, fmt.Errorf("%w: BS_BSID: %v", ErrInvalidConfig, err)
	}

	work := *c
	n := &normalizer{}
	work.check(n)
	if len(n.fallbacks) > 0 && policy == PolicyStrict {
		return n.fallbacks, fmt.Errorf("%w: %s", ErrInvalidConfig, n.fallbacks[0])
	}
	*c = work
	return n.fallbacks, nil
}

type normalizer struct{ fallbacks []Fallback }

func (n *normalizer) add(field string, requested, applied any, reason string) {
	n.fallbacks = append(n.fallbacks, Fallback{
		Field:     field,
		Requested: fmt.Sprint(requested),
		Applied:   fmt.Sprint(applied),
		Reason:    reason,
	})
}

func (n *normalizer) minDuration(field string, v *time.Duration, lo time.Duration) {
	if *v < lo {
		n.add(field, *v, lo, "below minimum")
		*v = lo
	}
}

func (n *normalizer) durationRange(field string, v *time.Duration, hi, def time.Duration) {
	if *v <= 0 || *v > hi {
		n.add(field, *v, def, fmt.Sprintf("outside (0, %s]", hi))
		*v = def
	}
}

func (n *normalizer) positive(field string, v *int, def int) {
	if *v <= 0 {
		n.add(field, *v, def, "must be positive")
		*v = def
	}
}

func (n *normalizer) nonNegative(field string, v *int, def int) {
	if *v < 0 {
		n.add(field, *v, def, "must not be negative")
		*v = def
	}
}

func (n *normalizer) fraction(field string, v *float64, def float64, allowZero bool) {
	if *v > 1 || *v < 0 || (*v == 0 && !allowZero) || (*v == 1 && allowZero) {
		n.add(field, *v, def, "outside the valid fraction range")
		*v = def
	}
}

func (n *normalizer) backoff(field string, start, end *uint8) {
	if *end > MaxBackoff {
		n.add(field+"_END", *end, MaxBackoff, "exceeds 15")
		*end = MaxBackoff
	}
	if *start > *end {
		n.add(field+"_START", *start, *end, "exceeds the backoff end")
		*start = *end
	}
}

func (c *Config) check(n *normalizer) {
	def := Default()

	if _, ok := phy.FrameDurationCode(c.FrameDuration); !ok {
		n.add("BS_FRAME_DURATION", c.FrameDuration, def.FrameDuration, "not a standard frame duration")
		c.FrameDuration = def.FrameDuration
	}
	if limit := c.FrameDuration - c.TTG - c.RTG; c.DLDuration <= 0 || c.DLDuration >= limit {
		applied := c.FrameDuration / 2
		n.add("BS_DL_DURATION", c.DLDuration, applied, "leaves no uplink sub-frame")
		c.DLDuration = applied
	}
	if c.SymbolDuration <= 0 {
		n.add("BS_SYMBOL_DURATION", c.SymbolDuration, def.SymbolDuration, "must be positive")
		c.SymbolDuration = def.SymbolDuration
	}
	n.positive("BS_DL_SUBCHANNELS", &c.DLSubchannels, def.DLSubchannels)
	n.positive("BS_UL_SUBCHANNELS", &c.ULSubchannels, def.ULSubchannels)

	n.durationRange("BS_DESCRIPTOR_INTERVAL", &c.DescriptorInterval, MaxDescriptorInterval, def.DescriptorInterval)
	n.durationRange("BS_INIT_RANGING_INTERVAL", &c.InitRangingInterval, MaxInitRangingInterval, def.InitRangingInterval)
	n.nonNegative("BS_DESCRIPTOR_TRANSITION", &c.DescriptorTransition, def.DescriptorTransition)
	n.nonNegative("BS_RANGING_OPPORTUNITIES", &c.RangingOpportunities, def.RangingOpportunities)
	n.nonNegative("BS_REQUEST_OPPORTUNITIES", &c.RequestOpportunities, def.RequestOpportunities)
	n.positive("BS_OPPORTUNITY_SLOTS", &c.OpportunitySlots, def.OpportunitySlots)
	n.backoff("BS_RANGING_BACKOFF", &c.RangingBackoffStart, &c.RangingBackoffEnd)
	n.backoff("BS_REQUEST_BACKOFF", &c.RequestBackoffStart, &c.RequestBackoffEnd)

	n.minDuration("BS_T9", &c.T9, MinT9)
	n.minDuration("BS_T17", &c.T17, MinT17)
	n.minDuration("BS_RNG_RSP_PROCESSING", &c.RngRspProcessing, MinRngRspProcessing)
	if c.PeriodicCorrect <= 0 {
		n.add("BS_PERIODIC_RANGING_CORRECT", c.PeriodicCorrect, def.PeriodicCorrect, "must be positive")
		c.PeriodicCorrect = def.PeriodicCorrect
	}
	if c.PeriodicAccept < c.PeriodicCorrect {
		n.add("BS_PERIODIC_RANGING_ACCEPT", c.PeriodicAccept, c.PeriodicCorrect, "shorter than the correcting interval")
		c.PeriodicAccept = c.PeriodicCorrect
	}
	n.positive("BS_INVITED_RANGING_RETRIES", &c.InvitedRetries, def.InvitedRetries)
	n.positive("BS_RANGE_CORRECTION_RETRIES", &c.CorrectionRetries, def.CorrectionRetries)

	if c.T7 <= 0 {
		n.add("BS_T7", c.T7, def.T7, "must be positive")
		c.T7 = def.T7
	}
	n.durationRange("BS_T8", &c.T8, MaxT8, def.T8)
	if c.T10 <= 0 {
		n.add("BS_T10", c.T10, def.T10, "must be positive")
		c.T10 = def.T10
	}
	n.nonNegative("BS_DSX_REQUEST_RETRIES", &c.DsxRequestRetries, def.DsxRequestRetries)
	n.nonNegative("BS_DSX_RESPONSE_RETRIES", &c.DsxResponseRetries, def.DsxResponseRetries)
	if c.FlowIdleTimeout < 0 {
		n.add("BS_FLOW_IDLE_TIMEOUT", c.FlowIdleTimeout, time.Duration(0), "negative disables the sweep")
		c.FlowIdleTimeout = 0
	}

	switch admission.Scheme(strings.ToLower(c.AdmissionScheme)) {
	case admission.SchemeNone, admission.SchemeBasic:
		c.AdmissionScheme = strings.ToLower(c.AdmissionScheme)
	default:
		n.add("BS_ADMISSION_SCHEME", c.AdmissionScheme, def.AdmissionScheme, "unknown scheme")
		c.AdmissionScheme = def.AdmissionScheme
	}
	n.fraction("BS_MAX_UL_LOAD", &c.MaxULLoad, def.MaxULLoad, false)
	n.fraction("BS_MAX_DL_LOAD", &c.MaxDLLoad, def.MaxDLLoad, false)
	n.fraction("BS_CONTROL_OVERHEAD", &c.ControlOverhead, def.ControlOverhead, true)

	if c.ARQWindow == 0 || c.ARQWindow > MaxARQWindow {
		n.add("BS_ARQ_WINDOW", c.ARQWindow, def.ARQWindow, "outside 1..1024")
		c.ARQWindow = def.ARQWindow
	}
	if c.ARQBlockSize == 0 {
		n.add("BS_ARQ_BLOCK_SIZE", c.ARQBlockSize, def.ARQBlockSize, "must be positive")
		c.ARQBlockSize = def.ARQBlockSize
	}
	if c.ARQBlockLifetime < 0 {
		n.add("BS_ARQ_BLOCK_LIFETIME", c.ARQBlockLifetime, time.Duration(0), "negative lifetime")
		c.ARQBlockLifetime = 0
	}

	if c.ProvisionReload <= 0 {
		n.add("BS_PROVISION_RELOAD", c.ProvisionReload, def.ProvisionReload, "must be positive")
		c.ProvisionReload = def.ProvisionReload
	}
}

// PHY returns the slot model configuration.
func (c Config) PHY() phy.Config {
	p := phy.DefaultConfig()
	p.SymbolDuration = c.SymbolDuration
	p.DLSubchannels = c.DLSubchannels
	p.ULSubchannels = c.ULSubchannels
	return p
}

// Ranging returns the ranging machine configuration.
func (c Config) Ranging() ranging.Config {
	return ranging.Config{
		ULChannelID:       c.ULChannelID,
		T9:                c.T9,
		RngRspProcessing:  c.RngRspProcessing,
		PeriodicCorrect:   c.PeriodicCorrect,
		PeriodicAccept:    c.PeriodicAccept,
		InvitedRetries:    c.InvitedRetries,
		CorrectionRetries: c.CorrectionRetries,
		PowerMargin:       c.PowerMargin,
	}
}

// Dsx returns the transaction manager configuration.
func (c Config) Dsx() dsx.Config {
	return dsx.Config{
		T7:              c.T7,
		T8:              c.T8,
		T10:             c.T10,
		RequestRetries:  c.DsxRequestRetries,
		ResponseRetries: c.DsxResponseRetries,
		IdleTimeout:     c.FlowIdleTimeout,
		ARQ: mac.ARQParams{
			Enabled:         c.ARQEnabled,
			WindowSize:      c.ARQWindow,
			BlockSize:       c.ARQBlockSize,
			RetryTimeoutTx:  c.ARQRetryTimeout,
			RetryTimeoutRx:  c.ARQRetryTimeout,
			BlockLifetime:   c.ARQBlockLifetime,
			SyncLossTimeout: c.ARQSyncLoss,
			RxPurgeTimeout:  c.ARQPurge,
			DeliverInOrder:  c.ARQDeliverInOrder,
		},
	}
}

// Admission returns the admission control configuration.
func (c Config) Admission() admission.Config {
	return admission.Config{
		Scheme:          admission.Scheme(c.AdmissionScheme),
		FrameDuration:   c.FrameDuration,
		DLDuration:      c.DLDuration,
		TTG:             c.TTG,
		RTG:             c.RTG,
		ControlOverhead: c.ControlOverhead,
		MaxULLoad:       c.MaxULLoad,
		MaxDLLoad:       c.MaxDLLoad,
	}
}

// Schedule returns the frame scheduler configuration. Burst profiles are
// filled in by the engine from the PHY.
func (c Config) Schedule() schedule.Config {
	s := schedule.DefaultConfig()
	s.FrameDuration = c.FrameDuration
	s.DLDuration = c.DLDuration
	s.TTG = c.TTG
	s.RTG = c.RTG
	s.BSID, _ = mac.ParseMAC(c.BSID)
	s.DLChannelID = c.DLChannelID
	s.ChannelNumber = c.ChannelNumber
	s.FrequencyKHz = c.FrequencyKHz
	s.EIRP = c.EIRP
	s.DescriptorInterval = c.DescriptorInterval
	s.DescriptorTransition = c.DescriptorTransition
	s.InitRangingInterval = c.InitRangingInterval
	s.RangingOpportunities = c.RangingOpportunities
	s.RequestOpportunities = c.RequestOpportunities
	s.OpportunitySlots = c.OpportunitySlots
	s.RangingBackoffStart = c.RangingBackoffStart
	s.RangingBackoffEnd = c.RangingBackoffEnd
	s.RequestBackoffStart = c.RequestBackoffStart
	s.RequestBackoffEnd = c.RequestBackoffEnd
	return s
}

// Engine returns the complete engine configuration.
func (c Config) Engine() engine.Config {
	e := engine.DefaultConfig()
	e.Ranging = c.Ranging()
	e.Dsx = c.Dsx()
	e.Admission = c.Admission()
	e.Schedule = c.Schedule()
	e.T17 = c.T17
	e.RequireProvisioning = c.RequireProvisioning
	return e
}
