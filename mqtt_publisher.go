package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// mqttPublishTimeout bounds how long the measurement loop waits on a publish
const mqttPublishTimeout = 2 * time.Second

// MQTTPublisher publishes measurements as they happen and a periodic
// receiver health message built from the Prometheus registry
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	metrics  *PrometheusMetrics
	gatherer prometheus.Gatherer
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// generateClientID creates a unique client ID for the MQTT connection
func generateClientID() string {
	return "wwvmon_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		metrics:  metrics,
		gatherer: metrics.Gatherer(),
	}, nil
}

// StartHealthPublisher publishes receiver health every PublishInterval
// seconds until ctx is cancelled
func (mp *MQTTPublisher) StartHealthPublisher(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		log.Printf("MQTT: Health publisher started with %d second interval", mp.config.PublishInterval)

		for {
			select {
			case <-ctx.Done():
				log.Println("MQTT: Health publisher stopped")
				return
			case <-ticker.C:
				mp.publishHealth()
			}
		}
	}()
}

// RecordTimeDomain publishes to <prefix>/<frequency>/time_domain
func (mp *MQTTPublisher) RecordTimeDomain(m *TimeDomainMeasurement) {
	mp.publishJSON("time_domain", mp.topic(m.Frequency, "time_domain"), m)
}

// RecordMarker publishes to <prefix>/<frequency>/marker
func (mp *MQTTPublisher) RecordMarker(m *MarkerMeasurement) {
	mp.publishJSON("marker", mp.topic(m.Frequency, "marker"), m)
}

// RecordStatistics publishes to <prefix>/statistics
func (mp *MQTTPublisher) RecordStatistics(s *StatisticsSnapshot) {
	mp.publishJSON("statistics", mp.topic("statistics"), s)
}

func (mp *MQTTPublisher) topic(parts ...string) string {
	return mp.config.TopicPrefix + "/" + strings.Join(parts, "/")
}

func (mp *MQTTPublisher) publishJSON(kind, topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}
	mp.metrics.RecordMQTTPublish(kind, mp.send(topic, data))
}

// send publishes and waits at most mqttPublishTimeout for the ack
func (mp *MQTTPublisher) send(topic string, data []byte) error {
	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		log.Printf("MQTT ERROR: Timed out publishing to topic %s", topic)
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, err)
		return err
	}
	return nil
}

// publishHealth gathers the receiver metrics from the registry and publishes
// one message per frequency to <prefix>/receiver/<frequency>
func (mp *MQTTPublisher) publishHealth() {
	families, err := mp.gatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	timestamp := time.Now().Unix()
	for freq, metrics := range groupReceiverMetrics(families) {
		payload := MetricPayload{
			Timestamp: timestamp,
			Metrics:   metrics,
			Labels:    map[string]string{"frequency": freq},
		}
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("MQTT ERROR: Failed to marshal health payload: %v", err)
			continue
		}
		mp.metrics.RecordMQTTPublish("health", mp.send(mp.topic("receiver", freq), data))
	}
}

// groupReceiverMetrics collects the wwvmon_rtp_* and buffer metrics by their
// frequency label
func groupReceiverMetrics(families []*dto.MetricFamily) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "wwvmon_rtp_") && name != "wwvmon_buffer_fill_ratio" {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			var freq string
			for _, label := range m.GetLabel() {
				if label.GetName() == "frequency" {
					freq = label.GetValue()
				}
			}
			if freq == "" {
				continue
			}
			if out[freq] == nil {
				out[freq] = make(map[string]float64)
			}
			out[freq][strings.TrimPrefix(name, "wwvmon_")] = value
		}
	}
	return out
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
