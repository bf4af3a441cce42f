package ranging

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
)

// Ranging events.
const (
	evInitialRequest = "initial_request"
	evSuccess        = "success"
	evContinue       = "continue"
	evAbort          = "abort"
	evRegistered     = "registered"
)

func s(st registry.RangingState) string { return string(st) }

var events = fsm.Events{
	{Name: evInitialRequest, Src: []string{s(registry.NotRanged), s(registry.InitialPollPending), s(registry.InitialRangeCompleted)}, Dst: s(registry.InitialPollPending)},
	{Name: evSuccess, Src: []string{s(registry.InitialPollPending), s(registry.InitialRangeCompleted)}, Dst: s(registry.InitialRangeCompleted)},
	{Name: evSuccess, Src: []string{s(registry.PeriodicIdle), s(registry.PeriodicCorrecting)}, Dst: s(registry.PeriodicIdle)},
	{Name: evContinue, Src: []string{s(registry.NotRanged), s(registry.InitialPollPending)}, Dst: s(registry.InitialPollPending)},
	{Name: evContinue, Src: []string{s(registry.InitialRangeCompleted), s(registry.PeriodicIdle), s(registry.PeriodicCorrecting)}, Dst: s(registry.PeriodicCorrecting)},
	{Name: evAbort, Src: []string{s(registry.NotRanged), s(registry.InitialPollPending), s(registry.InitialRangeCompleted), s(registry.PeriodicIdle), s(registry.PeriodicCorrecting)}, Dst: s(registry.Aborted)},
	{Name: evRegistered, Src: []string{s(registry.InitialRangeCompleted), s(registry.PeriodicCorrecting)}, Dst: s(registry.PeriodicIdle)},
}

// ErrInvalidTransition is returned when an event does not apply to the
// station's current state.
var ErrInvalidTransition = errors.New("ranging: invalid transition")

// can reports whether event applies to the station's stored state.
func can(ss *registry.SS, event string) bool {
	return fsm.NewFSM(string(ss.Ranging.State), events, nil).Can(event)
}

// fire applies event to the station's stored state.
func fire(ctx context.Context, ss *registry.SS, event string) error {
	m := fsm.NewFSM(string(ss.Ranging.State), events, nil)
	if err := m.Event(ctx, event); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			return fmt.Errorf("%w: %s in %s: %v", ErrInvalidTransition, event, ss.Ranging.State, err)
		}
	}
	ss.Ranging.State = registry.RangingState(m.Current())
	return nil
}
