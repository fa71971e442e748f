package main

import (
	"log"
	"time"

	"github.com/cwsl/ka9q_wwvmon/dsp"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ratioWindow is how many recent measurements feed a discrimination ratio
const ratioWindow = 10

// SampleSource is the read side of a channel buffer
type SampleSource interface {
	Read(duration time.Duration, drain bool) []complex128
}

// TimeDomainStats summarizes one station's carrier measurements
type TimeDomainStats struct {
	Station string   `json:"station"`
	Count   int      `json:"count"`
	RSSI    *Summary `json:"rssi_dbm,omitempty"`
	SNR     *Summary `json:"snr_db,omitempty"`
}

// TimeGatedAnalyzer measures absolute carrier strength during the minutes
// of the hour when only one station is on the air with its tone. It is
// driven entirely by the clock passed to RunCycle.
type TimeGatedAnalyzer struct {
	binding    ChannelBinding
	source     SampleSource
	sampleRate float64

	windows         []StationWindow
	averaging       time.Duration
	toneWindow      time.Duration
	toneBandwidth   float64
	toneThreshold   float64
	noisePercentile float64
	fftSize         int
	window          string

	stationA string
	stationB string

	history *history[TimeDomainMeasurement]
}

// NewTimeGatedAnalyzer creates an analyzer for one channel
func NewTimeGatedAnalyzer(binding ChannelBinding, source SampleSource, config *Config) *TimeGatedAnalyzer {
	return &TimeGatedAnalyzer{
		binding:         binding,
		source:          source,
		sampleRate:      float64(config.Receiver.SampleRate),
		windows:         config.TimeDomain.Windows,
		averaging:       seconds(config.TimeDomain.AveragingWindow),
		toneWindow:      seconds(config.TimeDomain.ToneWindow),
		toneBandwidth:   config.TimeDomain.ToneBandwidth,
		toneThreshold:   *config.TimeDomain.ToneThreshold,
		noisePercentile: config.DSP.NoisePercentile,
		fftSize:         config.DSP.FFTSize,
		window:          config.DSP.Window,
		stationA:        config.Stations.A,
		stationB:        config.Stations.B,
		history:         newHistory[TimeDomainMeasurement](config.Monitor.Limit()),
	}
}

// ActiveWindow returns the station window containing now, if any
func (a *TimeGatedAnalyzer) ActiveWindow(now time.Time) (StationWindow, bool) {
	now = now.UTC()
	minute, second := now.Minute(), now.Second()
	for _, w := range a.windows {
		if minute == w.Minute && second >= w.StartSecond && second <= w.EndSecond {
			return w, true
		}
	}
	return StationWindow{}, false
}

// RunCycle measures if now falls inside a station window and the buffer has
// samples. It returns nil otherwise. Missed windows are not made up.
func (a *TimeGatedAnalyzer) RunCycle(now time.Time) *TimeDomainMeasurement {
	now = now.UTC()
	w, ok := a.ActiveWindow(now)
	if !ok {
		return nil
	}

	samples := a.source.Read(a.averaging, false)
	if len(samples) == 0 {
		if DebugMode {
			log.Printf("DEBUG: %s: no samples for %s measurement", a.binding.Name, w.Station)
		}
		return nil
	}

	m := TimeDomainMeasurement{
		Timestamp:    now,
		Frequency:    a.binding.Name,
		FrequencyHz:  a.binding.FrequencyHz,
		Station:      w.Station,
		Minute:       now.Minute(),
		Second:       now.Second(),
		RSSIdBm:      dsp.RSSIdBm(samples),
		PowerDB:      dsp.PowerDB(samples),
		NoiseFloorDB: dsp.NoiseFloorDB(samples, a.noisePercentile),
		SNRdB:        dsp.SNRdB(samples, a.noisePercentile),
		NumSamples:   len(samples),
		Duration:     a.averaging.Seconds(),
	}
	m.SpectrumPeakDB, m.SpectrumMeanDB = a.spectrumLevels(samples)
	m.TonePresent, m.TonePowerDB = a.verifyTone(w.ToneFrequency)

	a.history.add(m)

	tone := "absent"
	if m.TonePresent {
		tone = "present"
	}
	log.Printf("%s %s measurement: RSSI=%.1f dBm, SNR=%.1f dB, tone=%s",
		a.binding.Name, w.Station, m.RSSIdBm, m.SNRdB, tone)
	return &m
}

// spectrumLevels returns the peak and mean of the power spectrum averaged
// over the whole measurement
func (a *TimeGatedAnalyzer) spectrumLevels(samples []complex128) (float64, float64) {
	_, power, err := dsp.AveragedSpectrum(samples, a.sampleRate, a.window, a.fftSize)
	if err != nil || len(power) == 0 {
		return dsp.NegInf, dsp.NegInf
	}
	return floats.Max(power), stat.Mean(power, nil)
}

// verifyTone checks the station's identifying tone on the demodulated audio
func (a *TimeGatedAnalyzer) verifyTone(freq float64) (bool, float64) {
	samples := a.source.Read(a.toneWindow, false)
	if len(samples) == 0 {
		return false, dsp.NegInf
	}
	audio := dsp.ExtractAudio(samples)
	return dsp.DetectTone(audio, freq, a.toneBandwidth, a.sampleRate, a.toneThreshold)
}

// Latest returns up to n recent measurements for station ("" for all)
func (a *TimeGatedAnalyzer) Latest(n int, station string) []TimeDomainMeasurement {
	all := a.history.latest(0)
	if station == "" {
		if n > 0 && n < len(all) {
			all = all[len(all)-n:]
		}
		return all
	}
	return filterStation(all, station, n)
}

func filterStation(all []TimeDomainMeasurement, station string, n int) []TimeDomainMeasurement {
	var out []TimeDomainMeasurement
	for _, m := range all {
		if m.Station == station {
			out = append(out, m)
		}
	}
	if n > 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	return out
}

// Statistics summarizes RSSI and SNR for both stations. Non-finite levels
// (no signal power) are left out of the summaries but still counted.
func (a *TimeGatedAnalyzer) Statistics() map[string]TimeDomainStats {
	all := a.history.latest(0)
	stats := make(map[string]TimeDomainStats, 2)
	for _, station := range []string{a.stationA, a.stationB} {
		ms := filterStation(all, station, 0)
		rssi := make([]float64, len(ms))
		snr := make([]float64, len(ms))
		for i, m := range ms {
			rssi[i] = m.RSSIdBm
			snr[i] = m.SNRdB
		}
		stats[station] = TimeDomainStats{
			Station: station,
			Count:   len(ms),
			RSSI:    summarize(finiteValues(rssi)),
			SNR:     summarize(finiteValues(snr)),
		}
	}
	return stats
}

// DiscriminationRatio is the mean RSSI of station A's last measurements minus
// station B's, in dB (positive means A is stronger). nil until both stations
// have finite measurements.
func (a *TimeGatedAnalyzer) DiscriminationRatio() *float64 {
	all := a.history.latest(0)
	meanA, okA := meanRecentRSSI(filterStation(all, a.stationA, ratioWindow))
	meanB, okB := meanRecentRSSI(filterStation(all, a.stationB, ratioWindow))
	if !okA || !okB {
		return nil
	}
	ratio := meanA - meanB
	return &ratio
}

func meanRecentRSSI(ms []TimeDomainMeasurement) (float64, bool) {
	values := make([]float64, 0, len(ms))
	for _, m := range ms {
		values = append(values, m.RSSIdBm)
	}
	values = finiteValues(values)
	if len(values) == 0 {
		return 0, false
	}
	return stat.Mean(values, nil), true
}

// Count returns the number of retained measurements
func (a *TimeGatedAnalyzer) Count() int {
	return a.history.len()
}
