package main

import (
	"encoding/json"
	"maps"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TimeDomainMeasurement is one carrier strength measurement taken while only
// one station transmits. Levels are -Inf when there was no signal power.
type TimeDomainMeasurement struct {
	Timestamp      time.Time
	Frequency      string
	FrequencyHz    float64
	Station        string
	Minute         int
	Second         int
	RSSIdBm        float64
	PowerDB        float64
	NoiseFloorDB   float64
	SNRdB          float64
	TonePresent    bool
	TonePowerDB    float64
	SpectrumPeakDB float64
	SpectrumMeanDB float64
	NumSamples     int
	Duration       float64 // seconds requested from the buffer
}

// MarkerTone is the per-station part of a MarkerMeasurement
type MarkerTone struct {
	Station    string
	Detected   bool
	PowerDB    float64
	GoertzelDB float64
	OnsetMs    *float64 // nil when the tone never crossed its onset threshold
}

// MarkerMeasurement is one measurement of both stations' minute markers
type MarkerMeasurement struct {
	Timestamp   time.Time
	Frequency   string
	FrequencyHz float64
	Minute      int
	Second      int
	A           MarkerTone
	B           MarkerTone
	TimeDeltaMs *float64 // A onset minus B onset
	RatioDB     *float64 // A power minus B power, nil unless both are finite
	NumSamples  int
	Duration    float64
}

// finite returns a pointer to v, or nil for NaN and ±Inf so JSON gets null
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// MarshalJSON writes non-finite levels as null
func (m TimeDomainMeasurement) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type           string    `json:"type"`
		Timestamp      time.Time `json:"timestamp"`
		Frequency      string    `json:"frequency"`
		FrequencyHz    float64   `json:"frequency_hz"`
		Station        string    `json:"station"`
		Minute         int       `json:"minute"`
		Second         int       `json:"second"`
		RSSIdBm        *float64  `json:"rssi_dbm"`
		PowerDB        *float64  `json:"power_db"`
		NoiseFloorDB   *float64  `json:"noise_floor_db"`
		SNRdB          *float64  `json:"snr_db"`
		TonePresent    bool      `json:"tone_present"`
		TonePowerDB    *float64  `json:"tone_power_db"`
		SpectrumPeakDB *float64  `json:"spectrum_peak_db"`
		SpectrumMeanDB *float64  `json:"spectrum_mean_db"`
		NumSamples     int       `json:"num_samples"`
		Duration       float64   `json:"duration"`
	}{
		Type:           "time_domain",
		Timestamp:      m.Timestamp,
		Frequency:      m.Frequency,
		FrequencyHz:    m.FrequencyHz,
		Station:        m.Station,
		Minute:         m.Minute,
		Second:         m.Second,
		RSSIdBm:        finite(m.RSSIdBm),
		PowerDB:        finite(m.PowerDB),
		NoiseFloorDB:   finite(m.NoiseFloorDB),
		SNRdB:          finite(m.SNRdB),
		TonePresent:    m.TonePresent,
		TonePowerDB:    finite(m.TonePowerDB),
		SpectrumPeakDB: finite(m.SpectrumPeakDB),
		SpectrumMeanDB: finite(m.SpectrumMeanDB),
		NumSamples:     m.NumSamples,
		Duration:       m.Duration,
	})
}

// MarshalJSON writes non-finite levels as null
func (t MarkerTone) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Station    string   `json:"station"`
		Detected   bool     `json:"detected"`
		PowerDB    *float64 `json:"power_db"`
		GoertzelDB *float64 `json:"goertzel_db"`
		OnsetMs    *float64 `json:"onset_ms"`
	}{t.Station, t.Detected, finite(t.PowerDB), finite(t.GoertzelDB), t.OnsetMs})
}

// MarshalJSON writes absent and non-finite values as null
func (m MarkerMeasurement) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        string     `json:"type"`
		Timestamp   time.Time  `json:"timestamp"`
		Frequency   string     `json:"frequency"`
		FrequencyHz float64    `json:"frequency_hz"`
		Minute      int        `json:"minute"`
		Second      int        `json:"second"`
		A           MarkerTone `json:"a"`
		B           MarkerTone `json:"b"`
		TimeDeltaMs *float64   `json:"time_delta_ms"`
		RatioDB     *float64   `json:"ratio_db"`
		NumSamples  int        `json:"num_samples"`
		Duration    float64    `json:"duration"`
	}{
		Type:        "marker",
		Timestamp:   m.Timestamp,
		Frequency:   m.Frequency,
		FrequencyHz: m.FrequencyHz,
		Minute:      m.Minute,
		Second:      m.Second,
		A:           m.A,
		B:           m.B,
		TimeDeltaMs: m.TimeDeltaMs,
		RatioDB:     m.RatioDB,
		NumSamples:  m.NumSamples,
		Duration:    m.Duration,
	})
}

// Summary is the population mean/std/min/max of a series
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// summarize returns nil for an empty series
func summarize(values []float64) *Summary {
	if len(values) == 0 {
		return nil
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return &Summary{
		Count: len(values),
		Mean:  mean,
		Std:   std,
		Min:   floats.Min(values),
		Max:   floats.Max(values),
	}
}

// finiteValues drops NaN and ±Inf
func finiteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
