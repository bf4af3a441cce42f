package timectrl

import (
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	done := tc.Start(15 * time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestTimeControllerAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 20*time.Millisecond, Accelerated)

	ch := tc.After(50 * time.Millisecond)
	tc.SetTime(start.Add(40 * time.Millisecond))
	select {
	case <-ch:
		t.Fatalf("After fired before its deadline")
	default:
	}

	tc.SetTime(start.Add(60 * time.Millisecond))
	select {
	case got := <-ch:
		if !got.Equal(start.Add(60 * time.Millisecond)) {
			t.Fatalf("After delivered %v", got)
		}
	default:
		t.Fatalf("After did not fire once the deadline passed")
	}
}

func TestTimeControllerListenersSeeEveryFrame(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 20*time.Millisecond, Accelerated)

	var frames []time.Time
	tc.AddListener(func(now time.Time) { frames = append(frames, now) })
	<-tc.Start(100 * time.Millisecond)

	if len(frames) != 5 {
		t.Fatalf("listener called %d times, want 5", len(frames))
	}
	if !frames[4].Equal(start.Add(100 * time.Millisecond)) {
		t.Fatalf("last frame at %v", frames[4])
	}
}

func TestTimeControllerStop(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Millisecond, RealTime)

	stop := make(chan struct{})
	done := tc.StartWithStop(0, stop)
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("controller did not stop")
	}
}

func TestTimeControllerCountsOverruns(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 2*time.Millisecond, RealTime)
	slow := true
	tc.AddListener(func(time.Time) {
		if slow {
			slow = false
			time.Sleep(10 * time.Millisecond)
		}
	})

	<-tc.Start(10 * time.Millisecond)
	if tc.Ticks() != 5 {
		t.Fatalf("Ticks() = %d, want 5", tc.Ticks())
	}
	if tc.Overruns() != 1 {
		t.Fatalf("Overruns() = %d, want 1", tc.Overruns())
	}

	fast := NewTimeController(start, time.Millisecond, Accelerated)
	fast.AddListener(func(time.Time) { time.Sleep(2 * time.Millisecond) })
	<-fast.Start(3 * time.Millisecond)
	if fast.Overruns() != 0 {
		t.Fatalf("accelerated mode counted %d overruns", fast.Overruns())
	}
}
