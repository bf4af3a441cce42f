package timer

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// Kind names the protocol purpose of a timer.
type Kind uint8

const (
	KindFrame Kind = iota
	KindT7
	KindT8
	KindT9
	KindT10
	KindT17
	KindPeriodicRanging
	KindRngRspProcessing
	// KindEvict removes a station once its final response has drained.
	KindEvict
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindT7:
		return "T7"
	case KindT8:
		return "T8"
	case KindT9:
		return "T9"
	case KindT10:
		return "T10"
	case KindT17:
		return "T17"
	case KindPeriodicRanging:
		return "periodic-ranging"
	case KindRngRspProcessing:
		return "rng-rsp-processing"
	case KindEvict:
		return "evict"
	default:
		return fmt.Sprintf("timer(%d)", uint8(k))
	}
}

// Payload identifies what a timer refers to. CID is the SS basic CID for
// station timers or the flow's transport CID for transaction timers; Txn
// is only meaningful for T7, T8 and T10.
type Payload struct {
	Kind Kind
	CID  mac.CID
	Txn  mac.TxnKind
}

func (p Payload) String() string {
	switch p.Kind {
	case KindT7, KindT8, KindT10:
		return fmt.Sprintf("%s/%s@%s", p.Kind, p.Txn, p.CID)
	default:
		return fmt.Sprintf("%s@%s", p.Kind, p.CID)
	}
}

// Handle refers to a live timer. The zero Handle refers to none.
type Handle string

// Facility is the typed timer service protocol components use. Every
// expiry is delivered to the dispatch function with the payload it was set
// with.
type Facility struct {
	sched    EventScheduler
	dispatch func(Payload)
	live     map[Handle]Payload
}

// NewFacility returns a facility scheduling on s.
func NewFacility(s EventScheduler) *Facility {
	return &Facility{sched: s, live: make(map[Handle]Payload)}
}

// SetDispatch installs the expiry callback.
func (f *Facility) SetDispatch(fn func(Payload)) { f.dispatch = fn }

// Now returns the scheduler's current time.
func (f *Facility) Now() time.Time { return f.sched.Now() }

// Set starts a timer firing after d.
func (f *Facility) Set(d time.Duration, p Payload) Handle {
	var h Handle
	id := f.sched.Schedule(f.sched.Now().Add(d), func() {
		if _, ok := f.live[h]; !ok {
			return
		}
		delete(f.live, h)
		if f.dispatch != nil {
			f.dispatch(p)
		}
	})
	h = Handle(id)
	f.live[h] = p
	return h
}

// Cancel stops the timer *h refers to, if any, and clears *h.
func (f *Facility) Cancel(h *Handle) {
	if h == nil || *h == "" {
		return
	}
	f.sched.Cancel(string(*h))
	delete(f.live, *h)
	*h = ""
}

// Replace cancels the timer *h refers to and stores a new one in its place.
func (f *Facility) Replace(h *Handle, d time.Duration, p Payload) {
	f.Cancel(h)
	*h = f.Set(d, p)
}

// Active reports whether h refers to a timer that has not fired or been
// cancelled.
func (f *Facility) Active(h Handle) bool {
	_, ok := f.live[h]
	return ok
}

// Live returns the number of pending timers.
func (f *Facility) Live() int { return len(f.live) }

// LiveFor returns the pending timers whose payload refers to cid.
func (f *Facility) LiveFor(cid mac.CID) []Payload {
	var out []Payload
	for _, p := range f.live {
		if p.CID == cid {
			out = append(out, p)
		}
	}
	return out
}
