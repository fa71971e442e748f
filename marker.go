package main

import (
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/cwsl/ka9q_wwvmon/dsp"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// markerRingDown is how long after the marker eligibility lasts
	markerRingDown = 500 * time.Millisecond
	// markerReadPadding is read on top of the marker duration
	markerReadPadding = 200 * time.Millisecond
)

// MarkerStats summarizes a channel's marker measurements
type MarkerStats struct {
	Count          int      `json:"count"`
	DetectionRateA float64  `json:"detection_rate_a"`
	DetectionRateB float64  `json:"detection_rate_b"`
	PowerA         *Summary `json:"power_a_db,omitempty"`
	PowerB         *Summary `json:"power_b_db,omitempty"`
	Ratio          *Summary `json:"ratio_db,omitempty"`
}

// TemporalVariation describes how the marker ratio moved over a time window
type TemporalVariation struct {
	Mean            float64 `json:"mean_ratio"`
	Std             float64 `json:"std_ratio"`
	Min             float64 `json:"min_ratio"`
	Max             float64 `json:"max_ratio"`
	Range           float64 `json:"range"`
	NumMeasurements int     `json:"num_measurements"`
	TimeSpanMinutes float64 `json:"time_span_minutes"`
}

// MarkerAnalyzer measures both stations' minute markers. Each station sends
// a short tone at its own frequency at the top of every minute except the
// skip minutes; the measurement is taken just after the marker ends, from
// the buffer's trailing history.
type MarkerAnalyzer struct {
	binding    ChannelBinding
	source     SampleSource
	sampleRate float64

	stationA    string
	stationB    string
	freqA       float64
	freqB       float64
	duration    time.Duration
	skipMinutes []int
	bandwidth   float64
	threshold   float64

	mu           sync.Mutex
	lastMeasured time.Time // minute of the last measurement

	history *history[MarkerMeasurement]
}

// NewMarkerAnalyzer creates an analyzer for one channel
func NewMarkerAnalyzer(binding ChannelBinding, source SampleSource, config *Config) *MarkerAnalyzer {
	return &MarkerAnalyzer{
		binding:     binding,
		source:      source,
		sampleRate:  float64(config.Receiver.SampleRate),
		stationA:    config.Stations.A,
		stationB:    config.Stations.B,
		freqA:       config.Marker.FrequencyA,
		freqB:       config.Marker.FrequencyB,
		duration:    seconds(config.Marker.Duration),
		skipMinutes: config.Marker.SkipMinutes,
		bandwidth:   config.Marker.FilterBandwidth,
		threshold:   *config.Marker.DetectionThreshold,
		history:     newHistory[MarkerMeasurement](config.Monitor.Limit()),
	}
}

// ShouldMeasure reports whether now is within the marker (plus ring-down) of
// an eligible minute, and how far into the minute it is
func (a *MarkerAnalyzer) ShouldMeasure(now time.Time) (bool, time.Duration) {
	now = now.UTC()
	if slices.Contains(a.skipMinutes, now.Minute()) {
		return false, 0
	}
	elapsed := time.Duration(now.Second())*time.Second + time.Duration(now.Nanosecond())
	if elapsed <= a.duration+markerRingDown {
		return true, elapsed
	}
	return false, 0
}

// RunCycle measures once the marker has finished, at most once per minute.
// It returns nil when not due or when the buffer is empty.
func (a *MarkerAnalyzer) RunCycle(now time.Time) *MarkerMeasurement {
	now = now.UTC()
	ok, elapsed := a.ShouldMeasure(now)
	if !ok || elapsed <= a.duration {
		return nil
	}

	minute := now.Truncate(time.Minute)
	a.mu.Lock()
	if a.lastMeasured.Equal(minute) {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	m := a.measure()
	if m == nil {
		return nil
	}
	m.Timestamp = now
	m.Minute = now.Minute()
	m.Second = now.Second()

	a.mu.Lock()
	a.lastMeasured = minute
	a.mu.Unlock()
	a.history.add(*m)

	msg := fmt.Sprintf("%s marker measurement: %s=%.1f dB (%s), %s=%.1f dB (%s)",
		a.binding.Name,
		a.stationA, m.A.PowerDB, detectedWord(m.A.Detected),
		a.stationB, m.B.PowerDB, detectedWord(m.B.Detected))
	if m.RatioDB != nil {
		msg += fmt.Sprintf(", ratio=%.1f dB", *m.RatioDB)
	} else {
		msg += ", ratio=N/A"
	}
	if m.TimeDeltaMs != nil {
		msg += fmt.Sprintf(", dT=%.2f ms", *m.TimeDeltaMs)
	}
	log.Print(msg)
	return m
}

func detectedWord(detected bool) string {
	if detected {
		return "detected"
	}
	return "absent"
}

// measure runs the marker DSP over the trailing marker duration plus padding
func (a *MarkerAnalyzer) measure() *MarkerMeasurement {
	span := a.duration + markerReadPadding
	samples := a.source.Read(span, false)
	if DebugMode {
		log.Printf("DEBUG: %s: got %d samples for marker measurement", a.binding.Name, len(samples))
	}
	if len(samples) == 0 {
		return nil
	}

	audio := dsp.ExtractAudio(samples)
	m := &MarkerMeasurement{
		Frequency:   a.binding.Name,
		FrequencyHz: a.binding.FrequencyHz,
		A:           a.measureTone(audio, a.stationA, a.freqA),
		B:           a.measureTone(audio, a.stationB, a.freqB),
		NumSamples:  len(samples),
		Duration:    span.Seconds(),
	}

	if ratio := m.A.PowerDB - m.B.PowerDB; m.A.PowerDB > dsp.NegInf && m.B.PowerDB > dsp.NegInf {
		m.RatioDB = &ratio
	}

	onsets := dsp.DetectOnsets(audio, a.freqA, a.freqB, a.bandwidth, a.sampleRate)
	m.A.OnsetMs = onsets.AMs
	m.B.OnsetMs = onsets.BMs
	m.TimeDeltaMs = onsets.DeltaMs
	return m
}

func (a *MarkerAnalyzer) measureTone(audio []float64, station string, freq float64) MarkerTone {
	detected, power := dsp.DetectTone(audio, freq, a.bandwidth, a.sampleRate, a.threshold)
	return MarkerTone{
		Station:    station,
		Detected:   detected,
		PowerDB:    power,
		GoertzelDB: dsp.GoertzelDB(dsp.Goertzel(audio, freq, a.sampleRate)),
	}
}

// Latest returns up to n recent measurements, oldest first
func (a *MarkerAnalyzer) Latest(n int) []MarkerMeasurement {
	return a.history.latest(n)
}

// Statistics summarizes detection rates, finite powers and ratios
func (a *MarkerAnalyzer) Statistics() MarkerStats {
	all := a.history.latest(0)
	stats := MarkerStats{Count: len(all)}
	if len(all) == 0 {
		return stats
	}

	var detectedA, detectedB int
	powersA := make([]float64, 0, len(all))
	powersB := make([]float64, 0, len(all))
	ratios := make([]float64, 0, len(all))
	for _, m := range all {
		if m.A.Detected {
			detectedA++
		}
		if m.B.Detected {
			detectedB++
		}
		powersA = append(powersA, m.A.PowerDB)
		powersB = append(powersB, m.B.PowerDB)
		if m.RatioDB != nil {
			ratios = append(ratios, *m.RatioDB)
		}
	}

	stats.DetectionRateA = float64(detectedA) / float64(len(all))
	stats.DetectionRateB = float64(detectedB) / float64(len(all))
	stats.PowerA = summarize(finiteValues(powersA))
	stats.PowerB = summarize(finiteValues(powersB))
	stats.Ratio = summarize(ratios)
	return stats
}

// DiscriminationRatio averages the ratios present among the last window
// measurements. nil when none has a ratio.
func (a *MarkerAnalyzer) DiscriminationRatio(window int) *float64 {
	recent := a.history.latest(window)
	ratios := make([]float64, 0, len(recent))
	for _, m := range recent {
		if m.RatioDB != nil {
			ratios = append(ratios, *m.RatioDB)
		}
	}
	if len(ratios) == 0 {
		return nil
	}
	mean := stat.Mean(ratios, nil)
	return &mean
}

// TemporalVariation analyzes ratios measured within window before now. It
// needs at least two ratios.
func (a *MarkerAnalyzer) TemporalVariation(now time.Time, window time.Duration) *TemporalVariation {
	cutoff := now.Add(-window)

	var ratios []float64
	var first, last time.Time
	for _, m := range a.history.latest(0) {
		if m.Timestamp.Before(cutoff) || m.RatioDB == nil {
			continue
		}
		if len(ratios) == 0 {
			first = m.Timestamp
		}
		last = m.Timestamp
		ratios = append(ratios, *m.RatioDB)
	}
	if len(ratios) < 2 {
		return nil
	}

	mean, std := stat.PopMeanStdDev(ratios, nil)
	lo, hi := floats.Min(ratios), floats.Max(ratios)
	return &TemporalVariation{
		Mean:            mean,
		Std:             std,
		Min:             lo,
		Max:             hi,
		Range:           hi - lo,
		NumMeasurements: len(ratios),
		TimeSpanMinutes: last.Sub(first).Minutes(),
	}
}

// Count returns the number of retained measurements
func (a *MarkerAnalyzer) Count() int {
	return a.history.len()
}
