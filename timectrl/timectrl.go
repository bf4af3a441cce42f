// Package timectrl drives the base station's notion of time. The engine runs
// one frame per tick, either paced by the wall clock or as fast as the frame
// loop can go for simulated runs.
package timectrl

import (
	"sync"
	"time"
)

// SimClock is the clock abstraction the timer facility and the frame loop
// depend on.
type SimClock interface {
	// Now returns the current engine time.
	Now() time.Time
	// After returns a channel that receives the engine time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController steps time by Tick (the frame duration) and notifies
// registered listeners after every step.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
	waiters   []waiter

	ticks    uint64
	overruns uint64
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock to t without notifying listeners. Pending After
// channels whose deadline has passed fire.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
	tc.releaseWaiters(t)
}

// After returns a channel that receives the controller's time once it has
// advanced by d. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		tc.mu.Unlock()
		ch <- at
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{at: at, ch: ch})
	tc.mu.Unlock()
	return ch
}

func (tc *TimeController) releaseWaiters(now time.Time) {
	tc.mu.Lock()
	kept := tc.waiters[:0]
	var due []waiter
	for _, w := range tc.waiters {
		if w.at.After(now) {
			kept = append(kept, w)
			continue
		}
		due = append(due, w)
	}
	tc.waiters = kept
	tc.mu.Unlock()
	for _, w := range due {
		w.ch <- now
	}
}

// Ticks returns how many steps the controller has taken.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// Overruns counts real-time steps whose listeners ran longer than Tick. The
// ticker drops the ticks that were missed meanwhile, so every overrun is at
// least one frame the air interface never saw.
func (tc *TimeController) Overruns() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.overruns
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller for the specified duration in a separate goroutine.
// A zero duration runs until stop is closed. It returns a channel that is
// closed when the controller finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	return tc.StartWithStop(duration, nil)
}

// StartWithStop is Start with an additional stop channel.
func (tc *TimeController) StartWithStop(duration time.Duration, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		simTime := tc.StartTime
		tc.currentTime = simTime
		listeners := append([]func(time.Time){}, tc.listeners...)
		tc.mu.Unlock()

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tick != nil {
				select {
				case <-tick:
				case <-stop:
					return
				}
			} else {
				select {
				case <-stop:
					return
				default:
				}
			}
			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = simTime
			tc.ticks++
			tc.mu.Unlock()
			tc.releaseWaiters(simTime)

			began := time.Now()
			for _, fn := range listeners {
				fn(simTime)
			}
			if tick != nil && time.Since(began) > tc.Tick {
				tc.mu.Lock()
				tc.overruns++
				tc.mu.Unlock()
			}
		}
	}()
	return done
}
