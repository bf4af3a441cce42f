package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/config"
	"github.com/signalsfoundry/bs-mac-engine/internal/engine"
	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
	"github.com/signalsfoundry/bs-mac-engine/internal/queue"
	"github.com/signalsfoundry/bs-mac-engine/internal/sim/station"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
	"github.com/signalsfoundry/bs-mac-engine/timectrl"
)

// options are the simulation knobs set from flags.
type options struct {
	Stations    int
	Duration    time.Duration
	Accelerated bool
	Traffic     int
	RSSI        float64
	Echo        bool
	LeaveAfter  time.Duration
	Report      time.Duration
}

// result is what a run leaves behind.
type result struct {
	Engine engine.Stats
	Fleet  station.Stats
	SS     []station.Snapshot
}

func main() {
	opts := options{}
	flag.IntVar(&opts.Stations, "stations", 8, "number of simulated subscriber stations")
	flag.DurationVar(&opts.Duration, "duration", 10*time.Second, "total simulated time")
	flag.BoolVar(&opts.Accelerated, "accelerated", true, "run in accelerated mode (vs real-time)")
	flag.IntVar(&opts.Traffic, "traffic", 200, "uplink bytes each station offers per frame")
	flag.Float64Var(&opts.RSSI, "rssi", -80, "received power of the strongest station before correction, dBm")
	flag.BoolVar(&opts.Echo, "echo", true, "loop uplink traffic back on each station's downlink flow")
	flag.DurationVar(&opts.LeaveAfter, "leave-after", 0, "deregister every station after this much simulated time (0 keeps them)")
	flag.DurationVar(&opts.Report, "report", time.Second, "simulated time between progress lines (0 disables)")
	flag.Parse()

	log := logging.NewFromEnv()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	fallbacks, err := cfg.Normalize("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration refused: %v\n", err)
		os.Exit(1)
	}
	for _, fb := range fallbacks {
		fmt.Fprintf(os.Stderr, "warning: %s\n", fb)
	}

	fmt.Printf("Starting simulation: stations=%d duration=%s frame=%s accelerated=%v\n",
		opts.Stations, opts.Duration, cfg.FrameDuration, opts.Accelerated)
	res, err := simulate(context.Background(), cfg, opts, log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}
	summarize(os.Stdout, res)
	fmt.Println("Simulation complete.")
}

// profiles builds n stations. Every fifth one starts weak enough to need a
// power correction, and every third one also asks for an rtPS flow.
func profiles(n int, opts options) []station.Profile {
	out := make([]station.Profile, 0, n)
	for i := 0; i < n; i++ {
		p := station.Profile{
			MAC:               mac.MACAddress{0x02, 0x53, 0x53, 0x00, byte(i >> 8), byte(i)},
			RSSI:              opts.RSSI - float64(i%5)*4,
			CINR:              18,
			Modulation:        mac.ModQPSK12,
			ManagementSupport: true,
			Capabilities:      wire.Capabilities{BwAllocSupport: 0x01, PDUConstruct: 0x03},
			Aggregate:         i%2 == 1,
			Flows: []station.FlowRequest{
				{Direction: mac.Uplink, ServiceType: mac.ServiceBE, Traffic: opts.Traffic},
				{Direction: mac.Downlink, ServiceType: mac.ServiceBE},
			},
		}
		if i%3 == 0 {
			p.Flows = append(p.Flows, station.FlowRequest{
				Direction:   mac.Uplink,
				ServiceType: mac.ServiceRtPS,
				QoS:         mac.QoS{MaxSustainedRate: 64000, MinReservedRate: 32000, MaxLatency: 100 * time.Millisecond},
				Traffic:     opts.Traffic / 2,
			})
		}
		out = append(out, p)
	}
	return out
}

// simulate runs an engine and a fleet against one time controller until
// opts.Duration of simulated time has passed.
func simulate(ctx context.Context, cfg config.Config, opts options, log logging.Logger, progress io.Writer) (result, error) {
	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	start := time.Now().UTC()
	tc := timectrl.NewTimeController(start, cfg.FrameDuration, mode)
	events := timer.NewEventScheduler(tc)

	model, err := phy.New(cfg.PHY(), nil)
	if err != nil {
		return result{}, err
	}
	fleet, err := station.NewFleet(station.Config{Clock: events.Now, Slots: model, Echo: opts.Echo}, log)
	if err != nil {
		return result{}, err
	}
	model.SetTransmitHook(fleet.Transmit)

	e, err := engine.New(cfg.Engine(),
		engine.Deps{Events: events, PHY: model, Queue: queue.New(0), Classifier: fleet},
		engine.WithLogger(log),
	)
	if err != nil {
		return result{}, err
	}
	fleet.Bind(e)
	for _, p := range profiles(opts.Stations, opts) {
		if err := fleet.Add(p); err != nil {
			return result{}, err
		}
	}
	if err := e.Start(ctx); err != nil {
		return result{}, err
	}
	if err := fleet.JoinAll(); err != nil {
		return result{}, err
	}

	nextReport := start.Add(opts.Report)
	left := false
	tc.AddListener(func(simTime time.Time) {
		events.RunDue()
		if opts.LeaveAfter > 0 && !left && simTime.Sub(start) >= opts.LeaveAfter {
			left = true
			for _, s := range fleet.Snapshots() {
				_ = fleet.Leave(s.MAC)
			}
		}
		if opts.Report > 0 && progress != nil && !simTime.Before(nextReport) {
			nextReport = nextReport.Add(opts.Report)
			st := e.Stats()
			fmt.Fprintf(progress, "[%s] frames=%d registered=%d phases=%s violations=%d\n",
				simTime.Sub(start).Truncate(time.Millisecond), st.Frames, st.Registrations,
				phaseLine(fleet.Phases()), st.Violations)
		}
	})

	stop := make(chan struct{})
	done := tc.StartWithStop(opts.Duration, stop)
	select {
	case <-done:
	case <-ctx.Done():
		close(stop)
		<-done
	}
	e.Stop(ctx)

	res := result{Engine: e.Stats(), Fleet: fleet.Stats(), SS: fleet.Snapshots()}
	if err := e.Err(); err != nil {
		return res, err
	}
	return res, ctx.Err()
}

func phaseLine(p map[station.Phase]int) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s:%d", k, p[station.Phase(k)])
	}
	return out
}

func summarize(w io.Writer, res result) {
	st := res.Engine
	fmt.Fprintf(w, "Engine %s: frames=%d ranging=%d (continue=%d abort=%d) sbc=%d registered=%d refused=%d dereg=%d evicted=%d\n",
		st.InstanceID, st.Frames, st.RangingRequests, st.RangingContinue, st.RangingAbort,
		st.SBCExchanges, st.Registrations, st.RegistrationFailures, st.Deregistrations, st.Evictions)
	fmt.Fprintf(w, "  dsa=%d completed=%d rejected=%d exhausted=%d retransmissions=%d bw-requests=%d uplink=%d downlink=%d violations=%d\n",
		st.DsxReceived["DSA"], st.DsxCompleted, st.DsxRejected, st.DsxExhausted, st.Retransmissions,
		st.BandwidthRequests, st.UplinkPDUs, st.DownlinkSDUs, st.Violations)
	if lf := st.LastFrame; lf != nil {
		fmt.Fprintf(w, "  last frame #%d: ul %d/%d slots dl %d/%d slots, %d pdus, built in %s\n",
			lf.Number, lf.ULUsed, lf.ULSlots, lf.DLUsed, lf.DLSlots, lf.PDUs, lf.BuildTime)
	}
	fs := res.Fleet
	fmt.Fprintf(w, "Fleet: frames=%d bursts=%d refused=%d classified=%d echoed=%d decode-errors=%d\n",
		fs.Frames, fs.Bursts, fs.Refused, fs.Classified, fs.Echoed, fs.DecodeErrors)
	for _, s := range res.SS {
		fmt.Fprintf(w, "↳ SS %s %-12s basic=%-4d rssi=%6.1f dBm flows=%d/%d tx=%d rx=%d bw=%d corrections=%d\n",
			s.MAC, s.Phase, s.Basic, s.RSSI, s.ActiveFlows(), len(s.Flows), s.TxBytes, s.RxBytes,
			s.BandwidthRequests, s.PowerCorrections)
	}
	if st.Failed {
		fmt.Fprintf(w, "Engine failed: %s\n", st.Error)
	}
}
