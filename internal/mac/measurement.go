package mac

import "time"

// Modulation identifies a modulation and coding combination.
type Modulation uint8

const (
	ModQPSK12 Modulation = iota
	ModQPSK34
	Mod16QAM12
	Mod16QAM34
	Mod64QAM12
	Mod64QAM23
	Mod64QAM34
	ModBPSK
)

func (m Modulation) String() string {
	switch m {
	case ModQPSK12:
		return "QPSK-1/2"
	case ModQPSK34:
		return "QPSK-3/4"
	case Mod16QAM12:
		return "16QAM-1/2"
	case Mod16QAM34:
		return "16QAM-3/4"
	case Mod64QAM12:
		return "64QAM-1/2"
	case Mod64QAM23:
		return "64QAM-2/3"
	case Mod64QAM34:
		return "64QAM-3/4"
	case ModBPSK:
		return "BPSK"
	default:
		return "unknown"
	}
}

// Measurement is the PHY's report on a received burst.
type Measurement struct {
	Modulation Modulation
	RSSI       float64 // dBm
	CINR       float64 // dB
	At         time.Time
}

// Measurement history bounds.
const (
	MeasurementSlots    = 6
	MeasurementValidity = 3 * time.Second
)

// MeasurementWindow keeps the most recent uplink measurements of a station.
type MeasurementWindow struct {
	samples [MeasurementSlots]Measurement
	live    [MeasurementSlots]bool
}

// Add records m. Expired slots are released first; the sample then takes a
// free slot or, when all are live, replaces the oldest.
func (w *MeasurementWindow) Add(m Measurement) {
	w.expire(m.At)
	slot := -1
	for i := range w.samples {
		if !w.live[i] {
			slot = i
			break
		}
		if slot < 0 || w.samples[i].At.Before(w.samples[slot].At) {
			slot = i
		}
	}
	w.samples[slot] = m
	w.live[slot] = true
}

// Mean averages RSSI and CINR over samples still valid at now. The
// modulation of the newest sample is reported.
func (w *MeasurementWindow) Mean(now time.Time) (Measurement, bool) {
	w.expire(now)
	var (
		out    Measurement
		n      int
		newest time.Time
	)
	for i, s := range w.samples {
		if !w.live[i] {
			continue
		}
		out.RSSI += s.RSSI
		out.CINR += s.CINR
		if n == 0 || s.At.After(newest) {
			newest = s.At
			out.Modulation = s.Modulation
		}
		n++
	}
	if n == 0 {
		return Measurement{}, false
	}
	out.RSSI /= float64(n)
	out.CINR /= float64(n)
	out.At = newest
	return out, true
}

// Len returns the number of live samples.
func (w *MeasurementWindow) Len() int {
	n := 0
	for _, l := range w.live {
		if l {
			n++
		}
	}
	return n
}

func (w *MeasurementWindow) expire(now time.Time) {
	for i := range w.samples {
		if w.live[i] && now.Sub(w.samples[i].At) > MeasurementValidity {
			w.live[i] = false
		}
	}
}
