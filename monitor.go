package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FrequencyAnalyzers groups the analyzers of one monitored frequency. Either
// analyzer may be nil when its measurement type is disabled.
type FrequencyAnalyzers struct {
	Binding   ChannelBinding
	TimeGated *TimeGatedAnalyzer
	Marker    *MarkerAnalyzer
}

// NewFrequencyAnalyzers builds the enabled analyzers for one channel
func NewFrequencyAnalyzers(binding ChannelBinding, source SampleSource, config *Config) *FrequencyAnalyzers {
	fa := &FrequencyAnalyzers{Binding: binding}
	if *config.TimeDomain.Enabled {
		fa.TimeGated = NewTimeGatedAnalyzer(binding, source, config)
	}
	if *config.Marker.Enabled {
		fa.Marker = NewMarkerAnalyzer(binding, source, config)
	}
	return fa
}

// MeasurementSink receives everything the monitor produces. Calls come from
// the monitor loop only, so implementations must not block for long.
type MeasurementSink interface {
	RecordTimeDomain(m *TimeDomainMeasurement)
	RecordMarker(m *MarkerMeasurement)
	RecordStatistics(s *StatisticsSnapshot)
}

// ChannelStatsSource reports ingest statistics, normally the Receiver
type ChannelStatsSource interface {
	Stats() []ChannelStats
}

// CycleResults holds the measurements one tick produced, keyed by frequency
// name. Frequencies without a result are absent.
type CycleResults struct {
	Timestamp  time.Time
	TimeDomain map[string]*TimeDomainMeasurement
	Marker     map[string]*MarkerMeasurement
}

// Empty reports whether the tick produced nothing
func (r CycleResults) Empty() bool {
	return len(r.TimeDomain) == 0 && len(r.Marker) == 0
}

// RatioPair is one frequency's discrimination ratio by each method
type RatioPair struct {
	TimeDomainDB *float64 `json:"time_domain_db"`
	MarkerDB     *float64 `json:"marker_db"`
}

// FrequencyDependency lists marker ratios against frequency, in
// configuration order
type FrequencyDependency struct {
	FrequenciesMHz []float64 `json:"frequencies_mhz"`
	RatiosDB       []float64 `json:"ratios_db"`
}

// PropagationAnalysis compares the marker ratios across all frequencies
type PropagationAnalysis struct {
	RatiosByFrequency   map[string]float64   `json:"ratios_by_frequency"`
	MeanRatio           float64              `json:"mean_ratio"`
	StdRatio            float64              `json:"std_ratio"`
	DominantStation     string               `json:"dominant_station"`
	DominanceDB         float64              `json:"dominance_db"`
	FrequencyDependency *FrequencyDependency `json:"frequency_dependency,omitempty"`
}

// StatisticsSnapshot is everything the monitor knows in summary form
type StatisticsSnapshot struct {
	Timestamp         time.Time                             `json:"timestamp"`
	TimeDomain        map[string]map[string]TimeDomainStats `json:"time_domain"`
	Marker            map[string]MarkerStats                `json:"marker"`
	Ratios            map[string]RatioPair                  `json:"ratios"`
	TemporalVariation map[string]*TemporalVariation         `json:"temporal_variation"`
	Propagation       *PropagationAnalysis                  `json:"propagation"`
	Receiver          []ChannelStats                        `json:"receiver,omitempty"`
	HostLoad          *HostLoad                             `json:"host_load,omitempty"`
}

// Monitor polls every frequency's analyzers once per tick and fans the
// results out to the sinks. It is single threaded: all DSP runs in Run.
type Monitor struct {
	analyzers []*FrequencyAnalyzers
	byName    map[string]*FrequencyAnalyzers
	stationA  string
	stationB  string
	receiver  ChannelStatsSource
	sinks     []MeasurementSink

	pollInterval       time.Duration
	statisticsInterval int
	statusInterval     time.Duration
	temporalWindow     time.Duration
	markerRatioWindow  int
	markerTick         time.Duration // offset into the minute of the marker tick, 0 without markers

	metrics *PrometheusMetrics
	host    *HostLoadTracker
}

// NewMonitor creates a monitor over the given analyzers. receiver may be nil.
func NewMonitor(config *Config, analyzers []*FrequencyAnalyzers, receiver ChannelStatsSource) *Monitor {
	m := &Monitor{
		analyzers:          analyzers,
		byName:             make(map[string]*FrequencyAnalyzers, len(analyzers)),
		stationA:           config.Stations.A,
		stationB:           config.Stations.B,
		receiver:           receiver,
		pollInterval:       config.Monitor.PollDuration(),
		statisticsInterval: config.Monitor.StatisticsInterval,
		statusInterval:     time.Duration(config.Monitor.StatusInterval) * time.Second,
		temporalWindow:     time.Duration(config.Monitor.TemporalWindow) * time.Minute,
		markerRatioWindow:  ratioWindow,
	}
	if *config.Marker.Enabled {
		m.markerTick = seconds(config.Marker.Duration) + markerTickDelay
	}
	for _, fa := range analyzers {
		m.byName[fa.Binding.Name] = fa
	}
	return m
}

// AddSink registers a sink. Not safe to call once Run has started.
func (m *Monitor) AddSink(sink MeasurementSink) {
	m.sinks = append(m.sinks, sink)
}

// SetMetrics attaches the Prometheus metrics (nil disables them)
func (m *Monitor) SetMetrics(metrics *PrometheusMetrics) {
	m.metrics = metrics
}

// SetHostLoad attaches the host load tracker (nil disables it)
func (m *Monitor) SetHostLoad(host *HostLoadTracker) {
	m.host = host
}

// HostLoad returns the latest host load reading, nil when not tracked
func (m *Monitor) HostLoad() *HostLoad {
	return m.host.Latest()
}

// Frequencies returns the monitored frequency names in configuration order
func (m *Monitor) Frequencies() []string {
	names := make([]string, len(m.analyzers))
	for i, fa := range m.analyzers {
		names[i] = fa.Binding.Name
	}
	return names
}

// Analyzers returns the analyzers for a frequency name
func (m *Monitor) Analyzers(name string) (*FrequencyAnalyzers, bool) {
	fa, ok := m.byName[name]
	return fa, ok
}

// Tick runs one measurement cycle on every analyzer and hands the results to
// the sinks
func (m *Monitor) Tick(now time.Time) CycleResults {
	results := CycleResults{
		Timestamp:  now,
		TimeDomain: make(map[string]*TimeDomainMeasurement),
		Marker:     make(map[string]*MarkerMeasurement),
	}

	for _, fa := range m.analyzers {
		if fa.TimeGated != nil {
			if td := fa.TimeGated.RunCycle(now); td != nil {
				results.TimeDomain[fa.Binding.Name] = td
			}
		}
		if fa.Marker != nil {
			if mk := fa.Marker.RunCycle(now); mk != nil {
				results.Marker[fa.Binding.Name] = mk
			}
		}
	}

	for _, name := range m.Frequencies() {
		if td, ok := results.TimeDomain[name]; ok {
			m.metrics.RecordTimeDomain(td)
			for _, sink := range m.sinks {
				sink.RecordTimeDomain(td)
			}
		}
		if mk, ok := results.Marker[name]; ok {
			m.metrics.RecordMarker(mk)
			for _, sink := range m.sinks {
				sink.RecordMarker(mk)
			}
		}
	}
	return results
}

// TimeDomainStatistics returns per-station statistics for every frequency
func (m *Monitor) TimeDomainStatistics() map[string]map[string]TimeDomainStats {
	out := make(map[string]map[string]TimeDomainStats, len(m.analyzers))
	for _, fa := range m.analyzers {
		if fa.TimeGated != nil {
			out[fa.Binding.Name] = fa.TimeGated.Statistics()
		}
	}
	return out
}

// MarkerStatistics returns marker statistics for every frequency
func (m *Monitor) MarkerStatistics() map[string]MarkerStats {
	out := make(map[string]MarkerStats, len(m.analyzers))
	for _, fa := range m.analyzers {
		if fa.Marker != nil {
			out[fa.Binding.Name] = fa.Marker.Statistics()
		}
	}
	return out
}

// DiscriminationRatios returns both ratios for every frequency
func (m *Monitor) DiscriminationRatios() map[string]RatioPair {
	out := make(map[string]RatioPair, len(m.analyzers))
	for _, fa := range m.analyzers {
		var pair RatioPair
		if fa.TimeGated != nil {
			pair.TimeDomainDB = fa.TimeGated.DiscriminationRatio()
		}
		if fa.Marker != nil {
			pair.MarkerDB = fa.Marker.DiscriminationRatio(m.markerRatioWindow)
		}
		out[fa.Binding.Name] = pair
	}
	return out
}

// Propagation compares marker ratios across frequencies. nil until at least
// one frequency has a ratio.
func (m *Monitor) Propagation() *PropagationAnalysis {
	ratios := make(map[string]float64)
	values := make([]float64, 0, len(m.analyzers))
	ordered := make([]float64, 0, len(m.analyzers))
	freqs := make([]float64, 0, len(m.analyzers))
	complete := true

	for _, fa := range m.analyzers {
		var r *float64
		if fa.Marker != nil {
			r = fa.Marker.DiscriminationRatio(m.markerRatioWindow)
		}
		if r == nil {
			complete = false
			continue
		}
		ratios[fa.Binding.Name] = *r
		values = append(values, *r)
		ordered = append(ordered, *r)
		freqs = append(freqs, fa.Binding.FrequencyHz/1e6)
	}
	if len(values) == 0 {
		return nil
	}

	mean, std := stat.PopMeanStdDev(values, nil)
	p := &PropagationAnalysis{
		RatiosByFrequency: ratios,
		MeanRatio:         mean,
		StdRatio:          std,
	}
	if mean > 0 {
		p.DominantStation = m.stationA
		p.DominanceDB = mean
	} else {
		p.DominantStation = m.stationB
		p.DominanceDB = -mean
	}
	if complete {
		p.FrequencyDependency = &FrequencyDependency{
			FrequenciesMHz: freqs,
			RatiosDB:       ordered,
		}
	}
	return p
}

// TemporalVariation returns the marker ratio variation over the configured
// window for each frequency that has enough data
func (m *Monitor) TemporalVariation(now time.Time) map[string]*TemporalVariation {
	out := make(map[string]*TemporalVariation)
	for _, fa := range m.analyzers {
		if fa.Marker == nil {
			continue
		}
		if tv := fa.Marker.TemporalVariation(now, m.temporalWindow); tv != nil {
			out[fa.Binding.Name] = tv
		}
	}
	return out
}

// Statistics gathers a complete snapshot
func (m *Monitor) Statistics(now time.Time) *StatisticsSnapshot {
	s := &StatisticsSnapshot{
		Timestamp:         now.UTC(),
		TimeDomain:        m.TimeDomainStatistics(),
		Marker:            m.MarkerStatistics(),
		Ratios:            m.DiscriminationRatios(),
		TemporalVariation: m.TemporalVariation(now),
		Propagation:       m.Propagation(),
	}
	if m.receiver != nil {
		s.Receiver = m.receiver.Stats()
	}
	s.HostLoad = m.host.Latest()
	return s
}

// markerTickDelay places the marker tick inside the ring-down after the
// marker ends
const markerTickDelay = 100 * time.Millisecond

// nextTick returns when the loop should wake after now: one poll interval
// later, or at the marker tick of the current or next minute if that comes
// first. The poll phase is arbitrary, the marker tick is not.
func (m *Monitor) nextTick(now time.Time) time.Time {
	next := now.Add(m.pollInterval)
	if m.markerTick <= 0 {
		return next
	}
	marker := now.Truncate(time.Minute).Add(m.markerTick)
	if !marker.After(now) {
		marker = marker.Add(time.Minute)
	}
	if marker.Before(next) {
		return marker
	}
	return next
}

// Run polls until ctx is cancelled. Statistics go to the sinks every
// statisticsInterval ticks and a status report is logged every
// statusInterval, plus once more on exit.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(time.Until(m.nextTick(time.Now())))
	defer timer.Stop()

	log.Printf("Measurement loop started (%d frequencies, poll interval %v)", len(m.analyzers), m.pollInterval)

	var cycle int
	lastStatus := time.Now()
	for {
		select {
		case <-ctx.Done():
			m.LogStatus(time.Now())
			log.Printf("Measurement loop stopped after %d cycles", cycle)
			return
		case <-timer.C:
			now := time.Now()
			timer.Reset(time.Until(m.nextTick(now)))
			cycle++
			m.Tick(now.UTC())

			if m.receiver != nil {
				m.metrics.UpdateReceiverStats(m.receiver.Stats())
			}
			m.metrics.UpdateHostLoad(m.host.Latest())

			if m.statisticsInterval > 0 && cycle%m.statisticsInterval == 0 {
				snapshot := m.Statistics(now)
				m.metrics.UpdateStatistics(snapshot)
				for _, sink := range m.sinks {
					sink.RecordStatistics(snapshot)
				}
			}

			if m.statusInterval > 0 && now.Sub(lastStatus) >= m.statusInterval {
				m.LogStatus(now)
				lastStatus = now
			}
		}
	}
}

// LogStatus writes a multi-line status report to the log
func (m *Monitor) LogStatus(now time.Time) {
	log.Print(m.StatusReport(now))
}

// StatusReport renders the receiver, time-domain and marker state as text
func (m *Monitor) StatusReport(now time.Time) string {
	var b strings.Builder
	rule := strings.Repeat("=", 80)
	sub := strings.Repeat("-", 80)

	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "%s/%s discrimination status - %s\n",
		strings.ToUpper(m.stationA), strings.ToUpper(m.stationB), now.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "%s\n", rule)

	if m.receiver != nil {
		fmt.Fprintf(&b, "\nReceiver:\n%s\n", sub)
		for _, cs := range m.receiver.Stats() {
			fmt.Fprintf(&b, "%s (%.1f MHz): packets=%d samples=%d lost=%d malformed=%d queue_drops=%d buffer=%.1f%%\n",
				cs.Name, cs.FrequencyHz/1e6, cs.Packets, cs.Samples, cs.Lost, cs.Malformed, cs.QueueDrops, cs.BufferFill*100)
		}
	}

	if hl := m.host.Latest(); hl != nil {
		fmt.Fprintf(&b, "Host load: %.2f %.2f %.2f (%s)\n", hl.Load1Min, hl.Load5Min, hl.Load15Min, hl.Status)
	}

	ratios := m.DiscriminationRatios()
	tdStats := m.TimeDomainStatistics()
	mkStats := m.MarkerStatistics()

	if len(tdStats) > 0 {
		fmt.Fprintf(&b, "\nTime-domain (absolute carrier strength):\n%s\n", sub)
		for _, name := range m.Frequencies() {
			stats, ok := tdStats[name]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "%s:\n", name)
			for _, station := range []string{m.stationA, m.stationB} {
				st := stats[station]
				if st.RSSI == nil {
					fmt.Fprintf(&b, "  %s: no measurements yet\n", station)
					continue
				}
				snr := "n/a"
				if st.SNR != nil {
					snr = fmt.Sprintf("%.1f dB", st.SNR.Mean)
				}
				fmt.Fprintf(&b, "  %s: %d measurements, mean RSSI %.1f dBm, mean SNR %s\n",
					station, st.Count, st.RSSI.Mean, snr)
			}
			if r := ratios[name].TimeDomainDB; r != nil {
				fmt.Fprintf(&b, "  ratio: %s\n", m.describeRatio(*r))
			}
		}
	}

	if len(mkStats) > 0 {
		fmt.Fprintf(&b, "\nMarker tones:\n%s\n", sub)
		for _, name := range m.Frequencies() {
			st, ok := mkStats[name]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "%s: %d measurements", name, st.Count)
			if st.Count > 0 {
				fmt.Fprintf(&b, ", %s detected %.1f%%, %s detected %.1f%%",
					m.stationA, st.DetectionRateA*100, m.stationB, st.DetectionRateB*100)
			}
			if st.Ratio != nil {
				fmt.Fprintf(&b, ", mean ratio %+.1f dB", st.Ratio.Mean)
			}
			b.WriteString("\n")
			if r := ratios[name].MarkerDB; r != nil {
				fmt.Fprintf(&b, "  ratio: %s\n", m.describeRatio(*r))
			}
		}
	}

	if p := m.Propagation(); p != nil {
		fmt.Fprintf(&b, "\nPropagation: %s dominant by %.1f dB (std %.1f dB across %d frequencies)\n",
			p.DominantStation, p.DominanceDB, p.StdRatio, len(p.RatiosByFrequency))
	}

	fmt.Fprintf(&b, "%s\n", rule)
	return b.String()
}

func (m *Monitor) describeRatio(r float64) string {
	stronger := m.stationB
	if r > 0 {
		stronger = m.stationA
	}
	return fmt.Sprintf("%+.1f dB (%s stronger)", r, stronger)
}
