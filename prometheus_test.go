package main

import (
	"errors"
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	return NewPrometheusMetrics(prometheus.NewRegistry())
}

func TestRecordTimeDomainMetrics(t *testing.T) {
	pm := newTestMetrics(t)
	m := &TimeDomainMeasurement{
		Timestamp:    time.Unix(1700000000, 0),
		Frequency:    "10MHz",
		Station:      "wwv",
		RSSIdBm:      -42.5,
		SNRdB:        18,
		NoiseFloorDB: math.Inf(-1),
		TonePresent:  true,
	}
	pm.RecordTimeDomain(m)
	pm.RecordTimeDomain(m)

	labels := prometheus.Labels{"frequency": "10MHz", "station": "wwv"}
	if got := testutil.ToFloat64(pm.tdTotal.With(labels)); got != 2 {
		t.Errorf("measurements_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(pm.tdRSSI.With(labels)); got != -42.5 {
		t.Errorf("rssi = %v, want -42.5", got)
	}
	if got := testutil.ToFloat64(pm.tdNoiseFloor.With(labels)); got != 0 {
		t.Errorf("non-finite noise floor was exported as %v", got)
	}
	if got := testutil.ToFloat64(pm.tdTonePresent.With(labels)); got != 1 {
		t.Errorf("tone_present = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.tdLastUpdate.With(labels)); got != 1700000000 {
		t.Errorf("last_update = %v", got)
	}
}

func TestRecordMarkerMetrics(t *testing.T) {
	pm := newTestMetrics(t)
	ratio := 4.0
	pm.RecordMarker(&MarkerMeasurement{
		Frequency: "5MHz",
		A:         MarkerTone{Station: "wwv", Detected: true, PowerDB: -10},
		B:         MarkerTone{Station: "wwvh", PowerDB: -14},
		RatioDB:   &ratio,
	})

	if got := testutil.ToFloat64(pm.markerRatio.WithLabelValues("5MHz")); got != 4 {
		t.Errorf("marker ratio = %v, want 4", got)
	}
	if got := testutil.ToFloat64(pm.markerDetection.With(prometheus.Labels{"frequency": "5MHz", "station": "wwv"})); got != 1 {
		t.Errorf("wwv detections = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(pm.markerDetection); got != 1 {
		t.Errorf("%d detection series, want 1 (wwvh never detected)", got)
	}
	if got := testutil.ToFloat64(pm.markerTotal.WithLabelValues("5MHz")); got != 1 {
		t.Errorf("marker total = %v", got)
	}
}

func TestUpdateReceiverAndStatistics(t *testing.T) {
	pm := newTestMetrics(t)
	pm.UpdateReceiverStats([]ChannelStats{{
		Name:         "15MHz",
		DecoderStats: DecoderStats{Packets: 100, Lost: 3},
		QueueDrops:   2,
		BufferFill:   0.25,
	}})

	if got := testutil.ToFloat64(pm.rtpLost.WithLabelValues("15MHz")); got != 3 {
		t.Errorf("lost = %v, want 3", got)
	}
	if got := testutil.ToFloat64(pm.bufferFill.WithLabelValues("15MHz")); got != 0.25 {
		t.Errorf("buffer fill = %v", got)
	}

	td := -1.5
	pm.UpdateStatistics(&StatisticsSnapshot{
		Ratios:      map[string]RatioPair{"15MHz": {TimeDomainDB: &td}},
		Propagation: &PropagationAnalysis{MeanRatio: 2, StdRatio: 1},
	})
	if got := testutil.ToFloat64(pm.discriminationRatio.WithLabelValues("15MHz", "time_domain")); got != -1.5 {
		t.Errorf("time-domain ratio = %v", got)
	}
	if got := testutil.ToFloat64(pm.propagationMean); got != 2 {
		t.Errorf("propagation mean = %v", got)
	}
}

func TestSinkMetrics(t *testing.T) {
	pm := newTestMetrics(t)
	pm.RecordWSConnection("measurements")
	pm.RecordWSConnection("measurements")
	pm.RecordWSDisconnect("measurements")
	pm.RecordMQTTPublish("marker", nil)
	pm.RecordMQTTPublish("marker", errors.New("timeout"))

	if got := testutil.ToFloat64(pm.wsActiveConnections.WithLabelValues("measurements")); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.mqttFailuresTotal.WithLabelValues("marker")); got != 1 {
		t.Errorf("mqtt failures = %v, want 1", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var pm *PrometheusMetrics
	pm.RecordTimeDomain(&TimeDomainMeasurement{})
	pm.RecordMarker(&MarkerMeasurement{})
	pm.UpdateReceiverStats(nil)
	pm.UpdateStatistics(&StatisticsSnapshot{})
	pm.RecordWSConnection("measurements")
	pm.RecordMQTTPublish("health", nil)
	if _, err := pm.Gatherer().Gather(); err != nil {
		t.Errorf("Gather on nil metrics: %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	pm := newTestMetrics(t)
	pm.UpdateReceiverStats([]ChannelStats{{Name: "2.5MHz", DecoderStats: DecoderStats{Packets: 7}}})

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `wwvmon_rtp_packets_received{frequency="2.5MHz"} 7`) {
		t.Errorf("metrics output missing packet gauge:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Go runtime collector not registered")
	}
}

func TestGroupReceiverMetrics(t *testing.T) {
	pm := newTestMetrics(t)
	pm.UpdateReceiverStats([]ChannelStats{
		{Name: "5MHz", DecoderStats: DecoderStats{Packets: 10, Lost: 1}, BufferFill: 0.5},
		{Name: "10MHz", DecoderStats: DecoderStats{Packets: 20}},
	})
	pm.RecordWSConnection("measurements")

	families, err := pm.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	grouped := groupReceiverMetrics(families)

	if len(grouped) != 2 {
		t.Fatalf("grouped %d frequencies, want 2: %v", len(grouped), grouped)
	}
	five := grouped["5MHz"]
	if five["rtp_packets_received"] != 10 || five["rtp_packets_lost"] != 1 || five["buffer_fill_ratio"] != 0.5 {
		t.Errorf("5MHz = %v", five)
	}
	if _, ok := five["websocket_active_connections"]; ok {
		t.Error("non-receiver metric included")
	}
}
