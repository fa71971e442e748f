package main

import (
	"math"
	"testing"
	"time"
)

// staticSource returns the same samples for every read
type staticSource struct {
	samples []complex128
	reads   int
}

func (s *staticSource) Read(d time.Duration, drain bool) []complex128 {
	s.reads++
	out := make([]complex128, len(s.samples))
	copy(out, s.samples)
	return out
}

var testBinding = ChannelBinding{Name: "10MHz", FrequencyHz: 10e6, SSRC: 10000000}

// markerSignal is an AM carrier with both marker tones, station A's at twice
// station B's amplitude
func markerSignal(n int, sampleRate float64) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		t := float64(i) / sampleRate
		v := 1 + 0.4*math.Cos(2*math.Pi*1000*t) + 0.2*math.Cos(2*math.Pi*1200*t)
		out[i] = complex(v, 0)
	}
	return out
}

func carrier(n int, amplitude float64) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		out[i] = complex(amplitude, 0)
	}
	return out
}

func at(minute, second int, nanos int) time.Time {
	return time.Date(2026, 3, 14, 12, minute, second, nanos, time.UTC)
}

func TestTimeGatedActiveWindow(t *testing.T) {
	a := NewTimeGatedAnalyzer(testBinding, &staticSource{}, DefaultConfig())

	tests := []struct {
		now     time.Time
		station string
		ok      bool
	}{
		{at(1, 14, 0), "", false},
		{at(1, 15, 0), "wwvh", true},
		{at(1, 59, 0), "wwvh", true},
		{at(2, 30, 0), "wwv", true},
		{at(3, 30, 0), "", false},
	}
	for _, tt := range tests {
		w, ok := a.ActiveWindow(tt.now)
		if ok != tt.ok || w.Station != tt.station {
			t.Errorf("ActiveWindow(%s) = %q, %v; want %q, %v", tt.now.Format("04:05"), w.Station, ok, tt.station, tt.ok)
		}
	}
}

func TestTimeGatedRunCycle(t *testing.T) {
	config := DefaultConfig()
	source := &staticSource{samples: carrier(16000, 0.5)}
	a := NewTimeGatedAnalyzer(testBinding, source, config)

	if m := a.RunCycle(at(1, 5, 0)); m != nil {
		t.Fatalf("measured outside a window: %+v", m)
	}
	if source.reads != 0 {
		t.Errorf("read the buffer outside a window")
	}

	m := a.RunCycle(at(1, 20, 0))
	if m == nil {
		t.Fatal("no measurement at 01:20")
	}
	if m.Station != "wwvh" || m.Minute != 1 || m.Second != 20 || m.Frequency != "10MHz" {
		t.Errorf("measurement = %+v", m)
	}
	if want := 20 * math.Log10(0.5); math.Abs(m.PowerDB-want) > 0.01 {
		t.Errorf("PowerDB = %v, want %v", m.PowerDB, want)
	}
	if m.TonePresent {
		t.Error("tone reported on a bare carrier")
	}
	if a.Count() != 1 {
		t.Errorf("Count() = %d, want 1", a.Count())
	}
}

func TestTimeGatedEmptyBuffer(t *testing.T) {
	a := NewTimeGatedAnalyzer(testBinding, &staticSource{}, DefaultConfig())
	if m := a.RunCycle(at(2, 20, 0)); m != nil {
		t.Errorf("measured from an empty buffer: %+v", m)
	}
	if a.Count() != 0 {
		t.Errorf("Count() = %d, want 0", a.Count())
	}
}

func TestTimeGatedDiscriminationRatio(t *testing.T) {
	source := &staticSource{samples: carrier(16000, 0.5)}
	a := NewTimeGatedAnalyzer(testBinding, source, DefaultConfig())

	a.RunCycle(at(1, 20, 0))
	if r := a.DiscriminationRatio(); r != nil {
		t.Fatalf("ratio with one station = %v", *r)
	}

	source.samples = carrier(16000, 1)
	a.RunCycle(at(2, 20, 0))

	r := a.DiscriminationRatio()
	if r == nil {
		t.Fatal("no ratio with both stations measured")
	}
	// wwv at 1.0 against wwvh at 0.5
	if want := 20 * math.Log10(2); math.Abs(*r-want) > 0.01 {
		t.Errorf("ratio = %.3f, want %.3f", *r, want)
	}

	stats := a.Statistics()
	if stats["wwv"].Count != 1 || stats["wwvh"].Count != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if latest := a.Latest(5, "wwvh"); len(latest) != 1 || latest[0].Station != "wwvh" {
		t.Errorf("Latest(wwvh) = %+v", latest)
	}
}

func TestMarkerShouldMeasure(t *testing.T) {
	a := NewMarkerAnalyzer(testBinding, &staticSource{}, DefaultConfig())

	for second := range 60 {
		if ok, _ := a.ShouldMeasure(at(29, second, 0)); ok {
			t.Fatalf("ShouldMeasure true in skip minute 29 at second %d", second)
		}
	}

	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(3, 0, 0), true},
		{at(3, 0, 900_000_000), true},
		{at(3, 1, 200_000_000), true},
		{at(3, 1, 400_000_000), false},
		{at(3, 30, 0), false},
	}
	for _, tt := range tests {
		if ok, _ := a.ShouldMeasure(tt.now); ok != tt.want {
			t.Errorf("ShouldMeasure(%s) = %v, want %v", tt.now.Format("04:05.000"), ok, tt.want)
		}
	}
}

func TestMarkerRunCycle(t *testing.T) {
	config := DefaultConfig()
	source := &staticSource{samples: markerSignal(16000, float64(config.Receiver.SampleRate))}
	a := NewMarkerAnalyzer(testBinding, source, config)

	// Marker still on the air
	if m := a.RunCycle(at(3, 0, 500_000_000)); m != nil {
		t.Fatal("measured before the marker ended")
	}

	m := a.RunCycle(at(3, 0, 900_000_000))
	if m == nil {
		t.Fatal("no marker measurement at 03:00.9")
	}
	if !m.A.Detected || !m.B.Detected {
		t.Errorf("detected A=%v B=%v, want both", m.A.Detected, m.B.Detected)
	}
	if m.A.Station != "wwv" || m.B.Station != "wwvh" {
		t.Errorf("stations = %q, %q", m.A.Station, m.B.Station)
	}
	if m.RatioDB == nil {
		t.Fatal("no ratio")
	}
	if want := 20 * math.Log10(2); math.Abs(*m.RatioDB-want) > 1 {
		t.Errorf("ratio = %.2f dB, want %.2f ± 1", *m.RatioDB, want)
	}

	// Once per minute
	if again := a.RunCycle(at(3, 1, 0)); again != nil {
		t.Error("measured twice in one minute")
	}
	if a.RunCycle(at(4, 0, 900_000_000)) == nil {
		t.Error("no measurement in the next minute")
	}
	if a.Count() != 2 {
		t.Errorf("Count() = %d, want 2", a.Count())
	}
}

func TestMarkerEmptyBuffer(t *testing.T) {
	a := NewMarkerAnalyzer(testBinding, &staticSource{}, DefaultConfig())
	if m := a.RunCycle(at(3, 0, 900_000_000)); m != nil {
		t.Fatal("measured from an empty buffer")
	}
	// An empty read does not consume the minute
	a.source = &staticSource{samples: markerSignal(16000, 16000)}
	if a.RunCycle(at(3, 1, 0)) == nil {
		t.Error("no measurement once samples arrived")
	}
}

func TestMarkerTemporalVariation(t *testing.T) {
	a := NewMarkerAnalyzer(testBinding, &staticSource{}, DefaultConfig())
	now := at(30, 0, 0)

	ratio := func(v float64) *float64 { return &v }
	a.history.add(MarkerMeasurement{Timestamp: now.Add(-20 * time.Minute), RatioDB: ratio(100)})
	a.history.add(MarkerMeasurement{Timestamp: now.Add(-8 * time.Minute), RatioDB: ratio(2)})

	if tv := a.TemporalVariation(now, 10*time.Minute); tv != nil {
		t.Fatalf("variation from one ratio: %+v", tv)
	}

	a.history.add(MarkerMeasurement{Timestamp: now.Add(-7 * time.Minute)})
	a.history.add(MarkerMeasurement{Timestamp: now.Add(-2 * time.Minute), RatioDB: ratio(6)})

	tv := a.TemporalVariation(now, 10*time.Minute)
	if tv == nil {
		t.Fatal("no variation from two ratios")
	}
	if tv.NumMeasurements != 2 || tv.Mean != 4 || tv.Std != 2 || tv.Range != 4 || tv.TimeSpanMinutes != 6 {
		t.Errorf("variation = %+v", tv)
	}

	if r := a.DiscriminationRatio(2); r == nil || *r != 6 {
		t.Errorf("DiscriminationRatio(2) = %v, want 6", r)
	}
	if stats := a.Statistics(); stats.Count != 4 || stats.Ratio == nil || stats.Ratio.Count != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func bufferWith(t *testing.T, seconds float64, samples []complex128) *SampleBuffer {
	t.Helper()
	buffer := newTestBuffer(t, 16000, seconds)
	block := make([]complex64, len(samples))
	for i, s := range samples {
		block[i] = complex64(s)
	}
	buffer.Push(block)
	return buffer
}

func TestTimeGatedFromSampleBuffer(t *testing.T) {
	config := DefaultConfig()

	// Three seconds buffered: the measurement takes what there is
	short := bufferWith(t, 30, carrier(3*16000, 0.5))
	m := NewTimeGatedAnalyzer(testBinding, short, config).RunCycle(at(1, 20, 0))
	if m == nil || m.NumSamples != 3*16000 {
		t.Fatalf("short buffer measurement = %+v", m)
	}

	// Twelve seconds buffered: only the averaging window is used
	full := bufferWith(t, 30, carrier(12*16000, 0.5))
	a := NewTimeGatedAnalyzer(testBinding, full, config)
	m = a.RunCycle(at(2, 20, 0))
	if m == nil {
		t.Fatal("no measurement at 02:20")
	}
	if m.NumSamples != 10*16000 || m.Duration != 10 {
		t.Errorf("NumSamples = %d, Duration = %v; want 160000, 10", m.NumSamples, m.Duration)
	}
	if want := 20 * math.Log10(0.5); math.Abs(m.PowerDB-want) > 0.01 {
		t.Errorf("PowerDB = %v, want %v", m.PowerDB, want)
	}
	if math.IsInf(m.SpectrumPeakDB, -1) || m.SpectrumPeakDB <= m.SpectrumMeanDB {
		t.Errorf("spectrum peak %v, mean %v", m.SpectrumPeakDB, m.SpectrumMeanDB)
	}
	if full.Len() != 12*16000 {
		t.Errorf("measurement drained the buffer to %d samples", full.Len())
	}
}

func TestMarkerFromSampleBuffer(t *testing.T) {
	config := DefaultConfig()
	buffer := bufferWith(t, 10, markerSignal(2*16000, 16000))
	a := NewMarkerAnalyzer(testBinding, buffer, config)

	m := a.RunCycle(at(3, 0, 900_000_000))
	if m == nil {
		t.Fatal("no marker measurement")
	}
	if m.NumSamples != 16000 {
		t.Errorf("NumSamples = %d, want marker plus padding of 16000", m.NumSamples)
	}
	if !m.A.Detected || !m.B.Detected || m.RatioDB == nil {
		t.Fatalf("measurement = %+v", m)
	}
	if want := 20 * math.Log10(2); math.Abs(*m.RatioDB-want) > 1 {
		t.Errorf("ratio = %.2f dB, want %.2f ± 1", *m.RatioDB, want)
	}
	if buffer.Len() != 2*16000 {
		t.Errorf("measurement drained the buffer to %d samples", buffer.Len())
	}

	// Drained by someone else: nothing to measure, the minute stays open
	buffer.Read(0, true)
	if a.RunCycle(at(4, 0, 900_000_000)) != nil {
		t.Error("measured from a drained buffer")
	}
	buffer.Push(make([]complex64, 16000))
	if a.RunCycle(at(4, 1, 0)) == nil {
		t.Error("no measurement after samples arrived")
	}
}
