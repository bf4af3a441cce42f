package config

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/admission"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("Load() on an empty environment = %+v, want %+v", cfg, Default())
	}
	fb, err := cfg.Normalize("")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(fb) != 0 {
		t.Fatalf("defaults produced fallbacks: %v", fb)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BS_T7", "2s")
	t.Setenv("BS_ADMISSION_SCHEME", "none")
	t.Setenv("BS_ARQ_ENABLED", "true")
	t.Setenv("BS_MAX_UL_LOAD", "0.5")
	t.Setenv("BS_BSID", "02:11:22:33:44:55")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.T7 != 2*time.Second {
		t.Errorf("T7 = %s, want 2s", cfg.T7)
	}
	if cfg.Admission().Scheme != admission.SchemeNone {
		t.Errorf("scheme = %q, want none", cfg.Admission().Scheme)
	}
	if !cfg.Dsx().ARQ.Enabled {
		t.Errorf("ARQ not enabled")
	}
	if cfg.Admission().MaxULLoad != 0.5 {
		t.Errorf("MaxULLoad = %v, want 0.5", cfg.Admission().MaxULLoad)
	}
	want := mac.MACAddress{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	if got := cfg.Schedule().BSID; got != want {
		t.Errorf("BSID = %s, want %s", got, want)
	}
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	t.Setenv("BS_T9", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func outOfRange() Config {
	cfg := Default()
	cfg.T9 = 100 * time.Millisecond
	cfg.T8 = time.Second
	cfg.DescriptorInterval = 20 * time.Second
	cfg.RangingBackoffEnd = 20
	cfg.MaxULLoad = 1.5
	return cfg
}

func TestNormalizeApply(t *testing.T) {
	cfg := outOfRange()
	fb, err := cfg.Normalize(PolicyApply)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(fb) != 5 {
		t.Fatalf("fallbacks = %v, want 5", fb)
	}
	if cfg.T9 != MinT9 || cfg.T8 != 200*time.Millisecond || cfg.DescriptorInterval != 5*time.Second {
		t.Fatalf("timers not substituted: T9 %s T8 %s DCD %s", cfg.T9, cfg.T8, cfg.DescriptorInterval)
	}
	if cfg.RangingBackoffEnd != MaxBackoff || cfg.MaxULLoad != 0.7 {
		t.Fatalf("backoff %d load %v", cfg.RangingBackoffEnd, cfg.MaxULLoad)
	}
	first := fb[0]
	if first.Field == "" || first.Requested == first.Applied || first.Reason == "" {
		t.Fatalf("incomplete fallback %+v", first)
	}
}

func TestNormalizeStrict(t *testing.T) {
	cfg := outOfRange()
	before := cfg
	fb, err := cfg.Normalize(PolicyStrict)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if len(fb) == 0 {
		t.Fatalf("strict policy should still report the offending values")
	}
	if !reflect.DeepEqual(cfg, before) {
		t.Fatalf("strict policy modified the configuration")
	}
}

func TestNormalizeUsesConfiguredPolicy(t *testing.T) {
	cfg := outOfRange()
	cfg.FallbackPolicy = PolicyStrict
	if _, err := cfg.Normalize(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNormalizeInvalidInputs(t *testing.T) {
	cfg := Default()
	if _, err := cfg.Normalize("lenient"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown policy: err = %v", err)
	}
	cfg.BSID = "not-a-mac"
	if _, err := cfg.Normalize(PolicyApply); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad BSID: err = %v", err)
	}
}

func TestNormalizeFrameLayout(t *testing.T) {
	cfg := Default()
	cfg.FrameDuration = 7 * time.Millisecond
	cfg.DLDuration = 20 * time.Millisecond
	fb, err := cfg.Normalize(PolicyApply)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(fb) != 2 {
		t.Fatalf("fallbacks = %v, want frame and downlink", fb)
	}
	if cfg.FrameDuration != 20*time.Millisecond || cfg.DLDuration != 10*time.Millisecond {
		t.Fatalf("frame %s dl %s", cfg.FrameDuration, cfg.DLDuration)
	}
}

func TestBackoffStartFollowsEnd(t *testing.T) {
	cfg := Default()
	cfg.RequestBackoffStart = 12
	cfg.RequestBackoffEnd = 4
	fb, err := cfg.Normalize(PolicyApply)
	if err != nil || len(fb) != 1 {
		t.Fatalf("fallbacks %v err %v", fb, err)
	}
	if cfg.RequestBackoffStart != 4 {
		t.Fatalf("start = %d, want 4", cfg.RequestBackoffStart)
	}
}

func TestEngineConversion(t *testing.T) {
	cfg := Default()
	cfg.T17 = 10 * time.Minute
	cfg.RequireProvisioning = true
	cfg.FlowIdleTimeout = time.Minute

	e := cfg.Engine()
	if e.T17 != 10*time.Minute || !e.RequireProvisioning {
		t.Fatalf("engine config %+v", e)
	}
	if e.Dsx.IdleTimeout != time.Minute || e.Dsx.RequestRetries != 3 {
		t.Fatalf("dsx config %+v", e.Dsx)
	}
	if e.Ranging.T9 != 300*time.Millisecond || e.Ranging.InvitedRetries != 16 {
		t.Fatalf("ranging config %+v", e.Ranging)
	}
	if e.Schedule.InitRangingInterval != time.Second || e.Schedule.OpportunitySlots != 6 {
		t.Fatalf("schedule config %+v", e.Schedule)
	}
	if p := cfg.PHY(); p.DLSubchannels != 60 || p.ULSubchannels != 70 {
		t.Fatalf("phy config %+v", p)
	}
}
