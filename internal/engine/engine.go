// Package engine is the base station MAC engine. It owns the registry and
// every protocol component, dispatches inbound PDUs and timer expiries to
// them and builds one frame per frame period.
//
// An Engine is driven by its event scheduler and is not safe for concurrent
// use: callers on other goroutines hand work to it through Post. Err and
// Stats may be called from any goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/admission"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/dsx"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ranging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/schedule"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/observability"
	"github.com/signalsfoundry/bs-mac-engine/internal/provision"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

var (
	// ErrMissingDependency is returned by New when a required collaborator
	// is nil.
	ErrMissingDependency = errors.New("engine: missing dependency")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine: already started")
	// ErrUnknownStation is returned for a basic CID that names no station.
	ErrUnknownStation = errors.New("engine: unknown station")
	// ErrNotRegistered is returned for flow operations on a station that
	// has not completed registration.
	ErrNotRegistered = errors.New("engine: station not registered")
	// ErrProtocolViolation wraps every inbound PDU the engine drops.
	ErrProtocolViolation = errors.New("engine: protocol violation")
	// ErrUnknownFlow is returned for a CID that carries no service flow.
	ErrUnknownFlow = errors.New("engine: unknown service flow")
)

// Config holds the parameters of every component.
type Config struct {
	Ranging   ranging.Config
	Dsx       dsx.Config
	Admission admission.Config
	Schedule  schedule.Config

	// T17 bounds the wait for REG-REQ after SBC-RSP.
	T17 time.Duration
	// EvictDelay keeps a departing station's connections long enough for
	// its last response to be sent. Zero means two frames.
	EvictDelay time.Duration
	// Capabilities is what the base station offers in SBC-RSP.
	Capabilities wire.Capabilities
	// RequireProvisioning rejects registration of stations missing from
	// the provisioning table.
	RequireProvisioning bool
}

// DefaultConfig returns the standard engine parameters.
func DefaultConfig() Config {
	return Config{
		Ranging:   ranging.DefaultConfig(),
		Dsx:       dsx.DefaultConfig(),
		Admission: admission.DefaultConfig(),
		Schedule:  schedule.DefaultConfig(),
		T17:       5 * time.Minute,
		Capabilities: wire.Capabilities{
			BwAllocSupport: 0x03,
			PDUConstruct:   0x07,
		},
	}
}

// PHY is the physical layer including the burst profiles advertised in the
// channel descriptors.
type PHY interface {
	ports.PHY
	DescriptorProfiles(dir mac.Direction) []wire.BurstProfile
}

// Deps are the collaborators the engine drives. Classifier may be nil.
type Deps struct {
	Events     timer.EventScheduler
	PHY        PHY
	Queue      ports.Queue
	Classifier ports.Classifier
}

// Recorder receives the protocol metrics of every component.
type Recorder interface {
	ranging.Recorder
	dsx.Recorder
	admission.Recorder
	ProtocolViolation(reason string)
	SetRegistryCounts(stations, flows int)
}

var _ Recorder = (*observability.EngineCollector)(nil)

// Provisioner answers whether a station may register.
type Provisioner interface {
	Lookup(addr mac.MACAddress) (provision.Entry, bool)
}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNoop(l) }
}

// WithMetrics attaches the protocol metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithFrameMetrics attaches the per-frame metrics recorder.
func WithFrameMetrics(r schedule.Recorder) Option {
	return func(e *Engine) { e.frameMetrics = r }
}

// WithProvisioner attaches the provisioning table consulted on REG-REQ.
func WithProvisioner(p Provisioner) Option {
	return func(e *Engine) { e.prov = p }
}

// WithTracer overrides the tracer frame and PDU spans are opened on.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithInstanceID fixes the engine instance id instead of generating one.
func WithInstanceID(id string) Option {
	return func(e *Engine) { e.id = id }
}

// Engine is one base station MAC instance.
type Engine struct {
	cfg          Config
	id           string
	ctx          context.Context
	log          logging.Logger
	tracer       trace.Tracer
	metrics      Recorder
	frameMetrics schedule.Recorder
	prov         Provisioner

	events     timer.EventScheduler
	timers     *timer.Facility
	phy        PHY
	queue      ports.Queue
	classifier ports.Classifier
	out        *outbox

	reg     *registry.Registry
	ranging *ranging.Machine
	adm     *admission.Controller
	dsx     *dsx.Manager
	sched   *schedule.Scheduler

	started    bool
	frameTimer timer.Handle
	evictDelay time.Duration

	fatal     atomic.Error
	stats     counters
	snapshot  atomic.Pointer[registry.Snapshot]
	lastFrame atomic.Pointer[schedule.FrameReport]
}

// New wires an engine over deps.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Events == nil:
		return nil, fmt.Errorf("%w: event scheduler", ErrMissingDependency)
	case deps.PHY == nil:
		return nil, fmt.Errorf("%w: phy", ErrMissingDependency)
	case deps.Queue == nil:
		return nil, fmt.Errorf("%w: queue", ErrMissingDependency)
	}
	if cfg.Schedule.FrameDuration <= 0 {
		return nil, fmt.Errorf("engine: frame duration %s", cfg.Schedule.FrameDuration)
	}

	e := &Engine{
		cfg:        cfg,
		log:        logging.Noop(),
		events:     deps.Events,
		phy:        deps.PHY,
		queue:      deps.Queue,
		classifier: deps.Classifier,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.id == "" {
		e.id = uuid.NewString()
	}
	if e.tracer == nil {
		e.tracer = observability.Tracer()
	}
	e.log = e.log.With(logging.String("instance_id", e.id))
	e.ctx = logging.ContextWithLogger(logging.ContextWithInstanceID(context.Background(), e.id), e.log)
	e.evictDelay = cfg.EvictDelay
	if e.evictDelay <= 0 {
		e.evictDelay = 2 * cfg.Schedule.FrameDuration
	}

	rec := tee{stats: &e.stats, next: e.metrics}
	e.timers = timer.NewFacility(deps.Events)
	e.out = &outbox{queue: deps.Queue, log: e.log, stats: &e.stats}
	e.reg = registry.New(e.timers, deps.Queue, deps.Classifier, e.log)
	e.ranging = ranging.New(cfg.Ranging, e.reg, deps.PHY, e.timers, e.out, e.log, rec)
	e.adm = admission.New(cfg.Admission, deps.PHY, e.reg, e.log, rec)
	e.dsx = dsx.New(cfg.Dsx, e.reg, e.adm, e.timers, deps.Queue, e.out, e.log, rec)

	scfg := cfg.Schedule
	if len(scfg.DLProfiles) == 0 {
		scfg.DLProfiles = deps.PHY.DescriptorProfiles(mac.Downlink)
	}
	if len(scfg.ULProfiles) == 0 {
		scfg.ULProfiles = deps.PHY.DescriptorProfiles(mac.Uplink)
	}
	e.sched = schedule.New(scfg, e.reg, deps.PHY, deps.Queue, e.ranging, e.dsx, e.log, e.frameMetrics)
	e.timers.SetDispatch(e.onTimer)
	return e, nil
}

// InstanceID identifies the engine in logs and diagnostics.
func (e *Engine) InstanceID() string { return e.id }

// Start schedules the first frame at the current time.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Err(); err != nil {
		return err
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.frameTimer = e.timers.Set(0, timer.Payload{Kind: timer.KindFrame})
	e.log.Info(ctx, "engine started",
		logging.Duration("frame", e.cfg.Schedule.FrameDuration),
		logging.Stringer("bsid", e.cfg.Schedule.BSID))
	return nil
}

// Stop cancels the frame timer. Stations and flows are left in place.
func (e *Engine) Stop(ctx context.Context) {
	e.timers.Cancel(&e.frameTimer)
	e.started = false
	e.log.Info(ctx, "engine stopped", logging.Any("frames", e.stats.frames.Load()))
}

// Post runs fn on the engine's event loop at the current time.
func (e *Engine) Post(fn func(ctx context.Context)) {
	e.events.Schedule(e.events.Now(), func() { fn(e.ctx) })
}

// Err returns the error that stopped the engine, if any.
func (e *Engine) Err() error { return e.fatal.Load() }

// fail latches err, stops framing and logs it. Every later operation
// returns err.
func (e *Engine) fail(ctx context.Context, err error) {
	if e.fatal.Load() != nil {
		return
	}
	e.fatal.Store(err)
	e.timers.Cancel(&e.frameTimer)
	e.log.Error(ctx, "engine failed", logging.Err(err))
}

func (e *Engine) onTimer(p timer.Payload) {
	ctx := e.ctx
	if e.Err() != nil {
		return
	}
	var err error
	switch p.Kind {
	case timer.KindFrame:
		e.frame(ctx)
	case timer.KindT7, timer.KindT8, timer.KindT10:
		err = e.dsx.HandleTimer(ctx, p)
	case timer.KindT9:
		e.evict(ctx, p.CID, "no SBC-REQ before T9")
	case timer.KindT17:
		e.evict(ctx, p.CID, "no REG-REQ before T17")
	case timer.KindEvict:
		e.evict(ctx, p.CID, "departure")
	case timer.KindPeriodicRanging, timer.KindRngRspProcessing:
		err = e.ranging.HandleTimer(ctx, p)
	default:
		err = fmt.Errorf("engine: unhandled timer %s", p)
	}
	if err != nil {
		e.log.Warn(ctx, "timer handling failed", logging.Stringer("timer", p), logging.Err(err))
	}
}

func (e *Engine) frame(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, observability.FrameSpan)
	defer span.End()

	now := e.timers.Now()
	e.frameTimer = e.timers.Set(e.cfg.Schedule.FrameDuration, timer.Payload{Kind: timer.KindFrame})
	rep, err := e.sched.BuildFrame(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.fail(ctx, fmt.Errorf("build frame: %w", err))
		return
	}
	span.SetAttributes(
		attribute.Int64("bs.frame.number", int64(rep.Number)),
		attribute.Int("bs.frame.ul_used", rep.ULUsed),
		attribute.Int("bs.frame.dl_used", rep.DLUsed),
		attribute.Int("bs.frame.pdus", rep.PDUs),
	)
	e.stats.frames.Inc()
	if rep.Mismatch {
		e.stats.ieMismatches.Inc()
	}
	e.lastFrame.Store(&rep)

	snap := e.reg.Snapshot()
	e.snapshot.Store(&snap)
	if e.metrics != nil {
		e.metrics.SetRegistryCounts(snap.Registered, snap.Flows)
	}
}
