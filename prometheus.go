package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PrometheusMetrics holds all Prometheus metric collectors for the monitor
type PrometheusMetrics struct {
	registry *prometheus.Registry
	mu       sync.Mutex

	// Receiver metrics (with 'frequency' label)
	rtpPackets    *prometheus.GaugeVec // Packets decoded
	rtpSamples    *prometheus.GaugeVec // I/Q samples decoded
	rtpLost       *prometheus.GaugeVec // Packets lost per sequence gaps
	rtpMalformed  *prometheus.GaugeVec // Packets dropped as malformed
	rtpQueueDrops *prometheus.GaugeVec // Packets dropped because the decoder fell behind
	bufferFill    *prometheus.GaugeVec // Buffer fill ratio 0..1

	// Time-domain metrics (with 'frequency' and 'station' labels)
	tdRSSI        *prometheus.GaugeVec
	tdSNR         *prometheus.GaugeVec
	tdNoiseFloor  *prometheus.GaugeVec
	tdTonePresent *prometheus.GaugeVec
	tdTotal       *prometheus.CounterVec
	tdLastUpdate  *prometheus.GaugeVec

	// Marker metrics
	markerPower     *prometheus.GaugeVec // frequency, station
	markerDetected  *prometheus.GaugeVec // frequency, station
	markerDetection *prometheus.CounterVec
	markerRatio     *prometheus.GaugeVec // frequency
	markerTimeDelta *prometheus.GaugeVec // frequency
	markerTotal     *prometheus.CounterVec

	// Aggregate metrics
	discriminationRatio *prometheus.GaugeVec // frequency, method
	propagationMean     prometheus.Gauge
	propagationStd      prometheus.Gauge

	// Host metrics
	hostLoad       *prometheus.GaugeVec // period
	hostLoadStatus prometheus.Gauge     // 0 ok, 1 warning, 2 critical

	// Sink metrics
	wsConnectionsTotal  *prometheus.CounterVec
	wsActiveConnections *prometheus.GaugeVec
	wsMessagesSentTotal *prometheus.CounterVec
	mqttPublishesTotal  *prometheus.CounterVec
	mqttFailuresTotal   *prometheus.CounterVec

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewaySuccessTotal  prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge
}

// NewPrometheusMetrics registers every collector, including the Go runtime
// and process collectors, on reg
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		registry: reg,

		rtpPackets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_rtp_packets_received",
				Help: "RTP packets decoded by frequency",
			},
			[]string{"frequency"},
		),
		rtpSamples: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_rtp_samples_received",
				Help: "I/Q samples decoded by frequency",
			},
			[]string{"frequency"},
		),
		rtpLost: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_rtp_packets_lost",
				Help: "RTP packets missing from the sequence by frequency",
			},
			[]string{"frequency"},
		),
		rtpMalformed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_rtp_packets_malformed",
				Help: "RTP packets dropped as malformed by frequency",
			},
			[]string{"frequency"},
		),
		rtpQueueDrops: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_rtp_queue_drops",
				Help: "RTP packets dropped because the decode queue was full",
			},
			[]string{"frequency"},
		),
		bufferFill: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_buffer_fill_ratio",
				Help: "Sample buffer fill level (0-1) by frequency",
			},
			[]string{"frequency"},
		),

		tdRSSI: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_time_domain_rssi_dbm",
				Help: "Latest carrier RSSI during the station's exclusive tone minute",
			},
			[]string{"frequency", "station"},
		),
		tdSNR: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_time_domain_snr_db",
				Help: "Latest carrier SNR during the station's exclusive tone minute",
			},
			[]string{"frequency", "station"},
		),
		tdNoiseFloor: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_time_domain_noise_floor_db",
				Help: "Latest noise floor estimate (percentile of instantaneous power)",
			},
			[]string{"frequency", "station"},
		),
		tdTonePresent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_time_domain_tone_present",
				Help: "1 if the station's identifying tone was detected in the latest measurement",
			},
			[]string{"frequency", "station"},
		),
		tdTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvmon_time_domain_measurements_total",
				Help: "Time-domain measurements taken",
			},
			[]string{"frequency", "station"},
		),
		tdLastUpdate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_time_domain_last_update_timestamp",
				Help: "Unix timestamp of the latest time-domain measurement",
			},
			[]string{"frequency", "station"},
		),

		markerPower: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_marker_power_db",
				Help: "Latest band-passed marker tone power",
			},
			[]string{"frequency", "station"},
		),
		markerDetected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_marker_detected",
				Help: "1 if the station's marker was detected in the latest measurement",
			},
			[]string{"frequency", "station"},
		),
		markerDetection: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvmon_marker_detections_total",
				Help: "Marker detections by station",
			},
			[]string{"frequency", "station"},
		),
		markerRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_marker_ratio_db",
				Help: "Latest marker power ratio (station A minus station B)",
			},
			[]string{"frequency"},
		),
		markerTimeDelta: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_marker_time_delta_ms",
				Help: "Latest marker onset difference (station A minus station B)",
			},
			[]string{"frequency"},
		),
		markerTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvmon_marker_measurements_total",
				Help: "Marker measurements taken",
			},
			[]string{"frequency"},
		),

		discriminationRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_discrimination_ratio_db",
				Help: "Discrimination ratio over recent measurements by method (time_domain, marker)",
			},
			[]string{"frequency", "method"},
		),
		propagationMean: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wwvmon_propagation_mean_ratio_db",
				Help: "Mean marker ratio across all frequencies",
			},
		),
		propagationStd: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wwvmon_propagation_std_ratio_db",
				Help: "Standard deviation of the marker ratio across frequencies",
			},
		),

		wsConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvmon_websocket_connections_total",
				Help: "WebSocket connections accepted",
			},
			[]string{"type"},
		),
		wsActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_websocket_active_connections",
				Help: "Currently connected WebSocket clients",
			},
			[]string{"type"},
		),
		wsMessagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvmon_websocket_messages_sent_total",
				Help: "WebSocket messages sent by message type",
			},
			[]string{"message_type"},
		),
		mqttPublishesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvmon_mqtt_publishes_total",
				Help: "MQTT messages published by kind",
			},
			[]string{"kind"},
		),
		mqttFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvmon_mqtt_failures_total",
				Help: "MQTT publish failures by kind",
			},
			[]string{"kind"},
		),

		hostLoad: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvmon_host_load_average",
				Help: "Host load average by period (1m, 5m, 15m)",
			},
			[]string{"period"},
		),
		hostLoadStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wwvmon_host_load_status",
				Help: "Host load status against the CPU count: 0 ok, 1 warning, 2 critical",
			},
		),

		pushgatewayPushesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wwvmon_pushgateway_pushes_total",
				Help: "Total number of Pushgateway push attempts",
			},
		),
		pushgatewaySuccessTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wwvmon_pushgateway_success_total",
				Help: "Total number of successful Pushgateway pushes",
			},
		),
		pushgatewayFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wwvmon_pushgateway_failures_total",
				Help: "Total number of failed Pushgateway pushes",
			},
		),
		pushgatewayLastPushTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wwvmon_pushgateway_last_push_timestamp",
				Help: "Unix timestamp of the last successful Pushgateway push",
			},
		),
	}

	log.Println("Prometheus metrics initialized for receiver, time-domain, marker and sink monitoring")
	return pm
}

// Gatherer returns the registry the metrics live in
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.NewRegistry()
	}
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.Gatherer(), promhttp.HandlerOpts{})
}

// setFinite skips NaN and ±Inf so a missing signal leaves the last value
func setFinite(g prometheus.Gauge, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	g.Set(v)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordTimeDomain updates the time-domain metrics from a measurement
func (pm *PrometheusMetrics) RecordTimeDomain(m *TimeDomainMeasurement) {
	if pm == nil || m == nil {
		return
	}

	labels := prometheus.Labels{"frequency": m.Frequency, "station": m.Station}
	setFinite(pm.tdRSSI.With(labels), m.RSSIdBm)
	setFinite(pm.tdSNR.With(labels), m.SNRdB)
	setFinite(pm.tdNoiseFloor.With(labels), m.NoiseFloorDB)
	pm.tdTonePresent.With(labels).Set(boolGauge(m.TonePresent))
	pm.tdTotal.With(labels).Inc()
	pm.tdLastUpdate.With(labels).Set(float64(m.Timestamp.Unix()))
}

// RecordMarker updates the marker metrics from a measurement
func (pm *PrometheusMetrics) RecordMarker(m *MarkerMeasurement) {
	if pm == nil || m == nil {
		return
	}

	for _, tone := range []MarkerTone{m.A, m.B} {
		labels := prometheus.Labels{"frequency": m.Frequency, "station": tone.Station}
		setFinite(pm.markerPower.With(labels), tone.PowerDB)
		pm.markerDetected.With(labels).Set(boolGauge(tone.Detected))
		if tone.Detected {
			pm.markerDetection.With(labels).Inc()
		}
	}
	if m.RatioDB != nil {
		pm.markerRatio.WithLabelValues(m.Frequency).Set(*m.RatioDB)
	}
	if m.TimeDeltaMs != nil {
		pm.markerTimeDelta.WithLabelValues(m.Frequency).Set(*m.TimeDeltaMs)
	}
	pm.markerTotal.WithLabelValues(m.Frequency).Inc()
}

// UpdateReceiverStats copies the receiver's counters into the gauges
func (pm *PrometheusMetrics) UpdateReceiverStats(stats []ChannelStats) {
	if pm == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, cs := range stats {
		pm.rtpPackets.WithLabelValues(cs.Name).Set(float64(cs.Packets))
		pm.rtpSamples.WithLabelValues(cs.Name).Set(float64(cs.Samples))
		pm.rtpLost.WithLabelValues(cs.Name).Set(float64(cs.Lost))
		pm.rtpMalformed.WithLabelValues(cs.Name).Set(float64(cs.Malformed))
		pm.rtpQueueDrops.WithLabelValues(cs.Name).Set(float64(cs.QueueDrops))
		pm.bufferFill.WithLabelValues(cs.Name).Set(cs.BufferFill)
	}
}

// UpdateStatistics updates the ratio and propagation gauges from a snapshot
func (pm *PrometheusMetrics) UpdateStatistics(s *StatisticsSnapshot) {
	if pm == nil || s == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for freq, pair := range s.Ratios {
		if pair.TimeDomainDB != nil {
			pm.discriminationRatio.WithLabelValues(freq, "time_domain").Set(*pair.TimeDomainDB)
		}
		if pair.MarkerDB != nil {
			pm.discriminationRatio.WithLabelValues(freq, "marker").Set(*pair.MarkerDB)
		}
	}
	if s.Propagation != nil {
		pm.propagationMean.Set(s.Propagation.MeanRatio)
		pm.propagationStd.Set(s.Propagation.StdRatio)
	}
}

// UpdateHostLoad copies the latest load average reading into the gauges
func (pm *PrometheusMetrics) UpdateHostLoad(hl *HostLoad) {
	if pm == nil || hl == nil {
		return
	}
	pm.hostLoad.WithLabelValues("1m").Set(hl.Load1Min)
	pm.hostLoad.WithLabelValues("5m").Set(hl.Load5Min)
	pm.hostLoad.WithLabelValues("15m").Set(hl.Load15Min)
	switch hl.Status {
	case "critical":
		pm.hostLoadStatus.Set(2)
	case "warning":
		pm.hostLoadStatus.Set(1)
	default:
		pm.hostLoadStatus.Set(0)
	}
}

// WebSocket connection tracking methods
func (pm *PrometheusMetrics) RecordWSConnection(wsType string) {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.WithLabelValues(wsType).Inc()
	pm.wsActiveConnections.WithLabelValues(wsType).Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect(wsType string) {
	if pm == nil {
		return
	}
	pm.wsActiveConnections.WithLabelValues(wsType).Dec()
}

func (pm *PrometheusMetrics) RecordWSMessageSent(msgType string) {
	if pm == nil {
		return
	}
	pm.wsMessagesSentTotal.WithLabelValues(msgType).Inc()
}

// RecordMQTTPublish counts one publish attempt of the given kind
func (pm *PrometheusMetrics) RecordMQTTPublish(kind string, err error) {
	if pm == nil {
		return
	}
	if err != nil {
		pm.mqttFailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	pm.mqttPublishesTotal.WithLabelValues(kind).Inc()
}

// StartPushgateway pushes the registry to the configured Pushgateway until
// ctx is cancelled
func (pm *PrometheusMetrics) StartPushgateway(ctx context.Context, config *PushgatewayConfig) {
	if pm == nil || !config.Enabled {
		return
	}

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%ds",
		config.URL, config.Job, config.Instance, config.Interval)

	go func() {
		ticker := time.NewTicker(time.Duration(config.Interval) * time.Second)
		defer ticker.Stop()

		pm.pushOnce(config)
		for {
			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
				pm.pushOnce(config)
			}
		}
	}()
}

func (pm *PrometheusMetrics) pushOnce(config *PushgatewayConfig) {
	pm.pushgatewayPushesTotal.Inc()
	if err := pm.pushToGateway(config); err != nil {
		pm.pushgatewayFailuresTotal.Inc()
		log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
		return
	}
	pm.pushgatewaySuccessTotal.Inc()
	pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
	if DebugMode {
		log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
	}
}

func (pm *PrometheusMetrics) pushToGateway(config *PushgatewayConfig) error {
	pusher := push.New(config.URL, config.Job).Gatherer(pm.registry)
	if config.Instance != "" {
		pusher = pusher.Grouping("instance", config.Instance)
		if config.Token != "" {
			pusher = pusher.BasicAuth(config.Instance, config.Token)
		}
	}
	pusher = pusher.Grouping("version", Version)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
