package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// fakeClock is a minimal SimClock for scheduler tests.
type fakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time { return make(chan time.Time, 1) }

func (c *fakeClock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEventScheduler_RunsInOrderOnce(t *testing.T) {
	clock := &fakeClock{now: epoch}
	sched := NewEventScheduler(clock)

	var order []string
	sched.Schedule(epoch.Add(2*time.Second), func() { order = append(order, "b") })
	sched.Schedule(epoch.Add(time.Second), func() { order = append(order, "a") })
	sched.Schedule(epoch.Add(2*time.Second), func() { order = append(order, "c") })

	sched.RunDue()
	if len(order) != 0 {
		t.Fatalf("events ran before they were due: %v", order)
	}

	clock.AdvanceTo(epoch.Add(2 * time.Second))
	sched.RunDue()
	sched.RunDue()
	if got := len(order); got != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v, want [a b c]", order)
	}
}

func TestEventScheduler_Cancellation(t *testing.T) {
	clock := &fakeClock{now: epoch}
	sched := NewEventScheduler(clock)

	ran := false
	id := sched.Schedule(epoch, func() { ran = true })
	sched.Cancel(id)
	sched.Cancel("unknown")
	sched.RunDue()
	if ran {
		t.Fatalf("cancelled event ran")
	}
}

func TestEventScheduler_Reentrancy(t *testing.T) {
	clock := &fakeClock{now: epoch}
	sched := NewEventScheduler(clock)

	count := 0
	sched.Schedule(epoch, func() {
		count++
		sched.Schedule(epoch, func() { count++ })
	})
	sched.RunDue()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestFakeEventScheduler_AdvanceToRunsChainedEvents(t *testing.T) {
	sched := NewFakeEventScheduler(epoch)

	var fired []time.Time
	var rearm func()
	rearm = func() {
		fired = append(fired, sched.Now())
		if len(fired) < 3 {
			sched.Schedule(sched.Now().Add(time.Second), rearm)
		}
	}
	sched.Schedule(epoch.Add(time.Second), rearm)

	sched.AdvanceTo(epoch.Add(10 * time.Second))
	if len(fired) != 3 {
		t.Fatalf("fired %d times, want 3", len(fired))
	}
	for i, at := range fired {
		if want := epoch.Add(time.Duration(i+1) * time.Second); !at.Equal(want) {
			t.Fatalf("firing %d at %v, want %v", i, at, want)
		}
	}
	if !sched.Now().Equal(epoch.Add(10 * time.Second)) {
		t.Fatalf("Now() = %v", sched.Now())
	}

	sched.AdvanceTo(epoch)
	if !sched.Now().Equal(epoch.Add(10 * time.Second)) {
		t.Fatalf("time went backwards")
	}
}

func TestFacility_TypedPayloadDelivered(t *testing.T) {
	sched := NewFakeEventScheduler(epoch)
	f := NewFacility(sched)

	var got []Payload
	f.SetDispatch(func(p Payload) { got = append(got, p) })

	want := Payload{Kind: KindT7, CID: 401, Txn: mac.TxnAdd}
	h := f.Set(time.Second, want)
	if !f.Active(h) || f.Live() != 1 {
		t.Fatalf("timer not live after Set")
	}

	sched.Advance(time.Second)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("dispatched %v, want [%v]", got, want)
	}
	if f.Active(h) || f.Live() != 0 {
		t.Fatalf("timer still live after firing")
	}
}

func TestFacility_ReplaceKeepsOneLiveTimer(t *testing.T) {
	sched := NewFakeEventScheduler(epoch)
	f := NewFacility(sched)

	fired := 0
	f.SetDispatch(func(Payload) { fired++ })

	var h Handle
	p := Payload{Kind: KindPeriodicRanging, CID: 3}
	f.Replace(&h, time.Second, p)
	f.Replace(&h, 2*time.Second, p)
	if f.Live() != 1 {
		t.Fatalf("live = %d, want 1", f.Live())
	}
	if got := f.LiveFor(3); len(got) != 1 || got[0] != p {
		t.Fatalf("LiveFor = %v", got)
	}

	sched.Advance(1500 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("replaced timer fired")
	}
	sched.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	f.Cancel(&h)
	if h != "" {
		t.Fatalf("Cancel did not clear the handle")
	}
}

func TestEventScheduler_CompactsCancelledEvents(t *testing.T) {
	clock := &fakeClock{now: epoch}
	sched := NewEventScheduler(clock).(*eventScheduler)

	ran := 0
	var ids []string
	for i := 0; i < 2*compactAt; i++ {
		ids = append(ids, sched.Schedule(epoch.Add(time.Duration(i)*time.Millisecond), func() { ran++ }))
	}
	for _, id := range ids[:compactAt+1] {
		sched.Cancel(id)
	}
	if len(sched.queue) != compactAt-1 {
		t.Fatalf("queue holds %d entries after compaction, want %d", len(sched.queue), compactAt-1)
	}

	clock.AdvanceTo(epoch.Add(time.Hour))
	sched.RunDue()
	if ran != compactAt-1 {
		t.Fatalf("ran %d events, want %d", ran, compactAt-1)
	}
	if sched.pending() != 0 {
		t.Fatalf("pending = %d after RunDue", sched.pending())
	}
}

func TestEventScheduler_OrdersOutOfOrderInserts(t *testing.T) {
	clock := &fakeClock{now: epoch}
	sched := NewEventScheduler(clock)

	var order []int
	for _, ms := range []int{30, 10, 20, 10, 0} {
		ms := ms
		sched.Schedule(epoch.Add(time.Duration(ms)*time.Millisecond), func() { order = append(order, ms) })
	}
	clock.AdvanceTo(epoch.Add(25 * time.Millisecond))
	sched.RunDue()
	if len(order) != 4 || order[0] != 0 || order[1] != 10 || order[2] != 10 || order[3] != 20 {
		t.Fatalf("order = %v, want [0 10 10 20]", order)
	}
}
