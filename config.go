package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Radiod      RadiodConfig      `yaml:"radiod"`
	Receiver    ReceiverConfig    `yaml:"receiver"`
	Stations    StationsConfig    `yaml:"stations"`
	Frequencies []FrequencyConfig `yaml:"frequencies"`
	TimeDomain  TimeDomainConfig  `yaml:"time_domain"`
	Marker      MarkerConfig      `yaml:"marker"`
	DSP         DSPConfig         `yaml:"dsp"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Logging     LoggingConfig     `yaml:"logging"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Server      ServerConfig      `yaml:"server"`
}

// RadiodConfig locates radiod and describes the channels we may create on it
type RadiodConfig struct {
	StatusGroup      string   `yaml:"status_group"`      // e.g. hf-status.local:5006
	DataGroup        string   `yaml:"data_group"`        // Manual RTP data address; skips auto-discovery of the endpoint
	Interface        string   `yaml:"interface"`         // Multicast interface (default: first multicast capable)
	DiscoverySeconds float64  `yaml:"discovery_seconds"` // How long to listen for STATUS packets (default: 5)
	CreateChannels   bool     `yaml:"create_channels"`   // Send create commands for channels missing from discovery
	Preset           string   `yaml:"preset"`            // Preset for created channels (default: iq)
	RFGain           *float32 `yaml:"rf_gain"`           // Optional RF gain sent with create commands
	RFAGC            *bool    `yaml:"rf_agc"`            // Optional RF AGC sent with create commands
}

// ReceiverConfig controls RTP ingest and buffering
type ReceiverConfig struct {
	SampleRate       int     `yaml:"sample_rate"`        // I/Q sample rate in Hz (default: 16000)
	BufferSeconds    float64 `yaml:"buffer_seconds"`     // Per-channel history (default: 120)
	PCMByteOrder     string  `yaml:"pcm_byte_order"`     // native, big or little (default: native)
	QueueDepth       int     `yaml:"queue_depth"`        // Datagrams queued per channel before dropping (default: 256)
	ReceiveTimeoutMs int     `yaml:"receive_timeout_ms"` // Socket read deadline for shutdown checks (default: 1000)
	ShutdownTimeout  int     `yaml:"shutdown_timeout"`   // Seconds to wait for workers on shutdown (default: 5)
	ReadBufferBytes  int     `yaml:"read_buffer_bytes"`  // SO_RCVBUF for the data socket (default: 1 MB)
}

// StationsConfig names the two co-channel stations. Ratios are A minus B.
type StationsConfig struct {
	A string `yaml:"a"` // default: wwv
	B string `yaml:"b"` // default: wwvh
}

// FrequencyConfig is one monitored frequency
type FrequencyConfig struct {
	Name      string  `yaml:"name"`
	Frequency float64 `yaml:"frequency"` // Hz; also the channel SSRC
}

// StationWindow is a minute of the hour during which only one station
// transmits its identifying tone
type StationWindow struct {
	Station       string  `yaml:"station"`
	Minute        int     `yaml:"minute"`
	StartSecond   int     `yaml:"start_second"`
	EndSecond     int     `yaml:"end_second"` // inclusive
	ToneFrequency float64 `yaml:"tone_frequency"`
}

// TimeDomainConfig configures the time-gated carrier measurements
type TimeDomainConfig struct {
	Enabled         *bool           `yaml:"enabled"` // default: true
	Windows         []StationWindow `yaml:"windows"`
	AveragingWindow float64         `yaml:"averaging_window"` // Seconds of samples per measurement (default: 10)
	ToneWindow      float64         `yaml:"tone_window"`      // Seconds used to verify the tone (default: 5)
	ToneBandwidth   float64         `yaml:"tone_bandwidth"`   // Hz (default: 50)
	ToneThreshold   *float64        `yaml:"tone_threshold"`   // dB (default: -40)
}

// MarkerConfig configures the minute-marker measurements
type MarkerConfig struct {
	Enabled            *bool    `yaml:"enabled"`             // default: true
	FrequencyA         float64  `yaml:"frequency_a"`         // Hz (default: 1000)
	FrequencyB         float64  `yaml:"frequency_b"`         // Hz (default: 1200)
	Duration           float64  `yaml:"duration"`            // Seconds (default: 0.8)
	SkipMinutes        []int    `yaml:"skip_minutes"`        // Minutes without markers (default: 29, 59)
	FilterBandwidth    float64  `yaml:"filter_bandwidth"`    // Hz (default: 50)
	DetectionThreshold *float64 `yaml:"detection_threshold"` // dB (default: -40)
}

// DSPConfig holds shared signal processing parameters
type DSPConfig struct {
	NoisePercentile float64 `yaml:"noise_percentile"` // default: 10
	FFTSize         int     `yaml:"fft_size"`         // default: 2048
	Window          string  `yaml:"window"`           // none, hann, hamming, blackman (default: hann)
}

// MonitorConfig controls the measurement loop
type MonitorConfig struct {
	PollInterval       float64 `yaml:"poll_interval"`       // Seconds between ticks (default: 1)
	StartupDelay       float64 `yaml:"startup_delay"`       // Seconds to let buffers fill (default: 5)
	StatusInterval     int     `yaml:"status_interval"`     // Seconds between status reports (default: 300)
	StatisticsInterval int     `yaml:"statistics_interval"` // Ticks between statistics records (default: 60)
	TemporalWindow     int     `yaml:"temporal_window"`     // Minutes for marker ratio variation (default: 10)
	HistoryLimit       *int    `yaml:"history_limit"`       // Measurements kept per analyzer, 0 = unbounded (default: 10000)
	HostLoadInterval   int     `yaml:"host_load_interval"`  // Seconds between load average samples, -1 disables (default: 10)
}

// LoggingConfig controls the CSV/JSON measurement logs
type LoggingConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DataDir          string `yaml:"data_dir"`          // default: data
	CompressPrevious bool   `yaml:"compress_previous"` // zstd the previous day's CSVs after rotation
}

// PrometheusConfig enables the /metrics endpoint and optional Pushgateway
type PrometheusConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Pushgateway PushgatewayConfig `yaml:"pushgateway"`
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Job      string `yaml:"job"`      // default: ka9q_wwvmon
	Instance string `yaml:"instance"` // Grouping label and basic auth user
	Token    string `yaml:"token"`    // Basic auth password
	Interval int    `yaml:"interval"` // Seconds between pushes (default: 60)
}

// MQTTConfig contains MQTT publishing settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"` // e.g. tcp://mqtt.example.com:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`     // default: wwvmon
	PublishInterval int           `yaml:"publish_interval"` // Seconds between receiver health messages (default: 60)
	QoS             byte          `yaml:"qos"`
	Retain          bool          `yaml:"retain"`
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains TLS settings for MQTT
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// ServerConfig controls the HTTP server (metrics, websocket, MCP, status)
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`    // default: :8090
	WebSocket bool   `yaml:"websocket"` // Serve /ws/measurements
	MCP       bool   `yaml:"mcp"`       // Serve /mcp
}

const (
	// defaultHistoryLimit caps in-memory measurement history per analyzer
	defaultHistoryLimit = 10000
	// defaultThresholdDB is the tone detection threshold
	defaultThresholdDB = -40.0
)

// LoadConfig loads configuration from a YAML file and fills in defaults
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and fills in defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Radiod.DiscoverySeconds == 0 {
		c.Radiod.DiscoverySeconds = 5
	}
	if c.Radiod.Preset == "" {
		c.Radiod.Preset = "iq"
	}

	if c.Receiver.SampleRate == 0 {
		c.Receiver.SampleRate = 16000
	}
	if c.Receiver.BufferSeconds == 0 {
		c.Receiver.BufferSeconds = 120
	}
	if c.Receiver.PCMByteOrder == "" {
		c.Receiver.PCMByteOrder = "native"
	}
	if c.Receiver.QueueDepth == 0 {
		c.Receiver.QueueDepth = 256
	}
	if c.Receiver.ReceiveTimeoutMs == 0 {
		c.Receiver.ReceiveTimeoutMs = 1000
	}
	if c.Receiver.ShutdownTimeout == 0 {
		c.Receiver.ShutdownTimeout = 5
	}
	if c.Receiver.ReadBufferBytes == 0 {
		c.Receiver.ReadBufferBytes = 1024 * 1024
	}

	if c.Stations.A == "" {
		c.Stations.A = "wwv"
	}
	if c.Stations.B == "" {
		c.Stations.B = "wwvh"
	}

	if len(c.Frequencies) == 0 {
		c.Frequencies = []FrequencyConfig{
			{Name: "2.5MHz", Frequency: 2.5e6},
			{Name: "5MHz", Frequency: 5e6},
			{Name: "10MHz", Frequency: 10e6},
			{Name: "15MHz", Frequency: 15e6},
		}
	}

	if c.TimeDomain.Enabled == nil {
		enabled := true
		c.TimeDomain.Enabled = &enabled
	}
	if len(c.TimeDomain.Windows) == 0 {
		// WWVH's 440 Hz tone in minute 1, WWV's in minute 2
		c.TimeDomain.Windows = []StationWindow{
			{Station: c.Stations.B, Minute: 1, StartSecond: 15, EndSecond: 59, ToneFrequency: 440},
			{Station: c.Stations.A, Minute: 2, StartSecond: 15, EndSecond: 59, ToneFrequency: 440},
		}
	}
	if c.TimeDomain.AveragingWindow == 0 {
		c.TimeDomain.AveragingWindow = 10
	}
	if c.TimeDomain.ToneWindow == 0 {
		c.TimeDomain.ToneWindow = 5
	}
	if c.TimeDomain.ToneBandwidth == 0 {
		c.TimeDomain.ToneBandwidth = 50
	}
	if c.TimeDomain.ToneThreshold == nil {
		threshold := defaultThresholdDB
		c.TimeDomain.ToneThreshold = &threshold
	}

	if c.Marker.Enabled == nil {
		enabled := true
		c.Marker.Enabled = &enabled
	}
	if c.Marker.FrequencyA == 0 {
		c.Marker.FrequencyA = 1000
	}
	if c.Marker.FrequencyB == 0 {
		c.Marker.FrequencyB = 1200
	}
	if c.Marker.Duration == 0 {
		c.Marker.Duration = 0.8
	}
	if c.Marker.SkipMinutes == nil {
		c.Marker.SkipMinutes = []int{29, 59}
	}
	if c.Marker.FilterBandwidth == 0 {
		c.Marker.FilterBandwidth = 50
	}
	if c.Marker.DetectionThreshold == nil {
		threshold := defaultThresholdDB
		c.Marker.DetectionThreshold = &threshold
	}

	if c.DSP.NoisePercentile == 0 {
		c.DSP.NoisePercentile = 10
	}
	if c.DSP.FFTSize == 0 {
		c.DSP.FFTSize = 2048
	}
	if c.DSP.Window == "" {
		c.DSP.Window = "hann"
	}

	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = 1
	}
	if c.Monitor.StartupDelay == 0 {
		c.Monitor.StartupDelay = 5
	}
	if c.Monitor.StatusInterval == 0 {
		c.Monitor.StatusInterval = 300
	}
	if c.Monitor.StatisticsInterval == 0 {
		c.Monitor.StatisticsInterval = 60
	}
	if c.Monitor.TemporalWindow == 0 {
		c.Monitor.TemporalWindow = 10
	}
	if c.Monitor.HostLoadInterval == 0 {
		c.Monitor.HostLoadInterval = 10
	}
	if c.Monitor.HistoryLimit == nil {
		limit := defaultHistoryLimit
		c.Monitor.HistoryLimit = &limit
	}

	if c.Logging.DataDir == "" {
		c.Logging.DataDir = "data"
	}

	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "ka9q_wwvmon"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "wwvmon"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}
}

// Validate checks the configuration for values the monitor cannot run with
func (c *Config) Validate() error {
	if c.Radiod.StatusGroup == "" && c.Radiod.DataGroup == "" {
		return fmt.Errorf("radiod.status_group or radiod.data_group is required")
	}
	if c.Receiver.SampleRate < 8000 {
		return fmt.Errorf("receiver.sample_rate must be at least 8000")
	}
	if _, err := ParseByteOrder(c.Receiver.PCMByteOrder); err != nil {
		return fmt.Errorf("receiver.pcm_byte_order: %w", err)
	}
	if c.Receiver.QueueDepth < 1 {
		return fmt.Errorf("receiver.queue_depth must be at least 1")
	}

	if c.Stations.A == c.Stations.B {
		return fmt.Errorf("stations.a and stations.b must differ")
	}

	seen := make(map[uint32]string)
	for _, f := range c.Frequencies {
		if f.Name == "" {
			return fmt.Errorf("frequencies: every entry needs a name")
		}
		if f.Frequency <= 0 || f.Frequency > float64(^uint32(0)) {
			return fmt.Errorf("frequencies.%s: frequency %v Hz does not fit an SSRC", f.Name, f.Frequency)
		}
		ssrc := ssrcForFrequency(f.Frequency)
		if other, ok := seen[ssrc]; ok {
			return fmt.Errorf("frequencies.%s: same SSRC %d as %s", f.Name, ssrc, other)
		}
		seen[ssrc] = f.Name
	}

	nyquist := float64(c.Receiver.SampleRate) / 2
	for i, w := range c.TimeDomain.Windows {
		if w.Station != c.Stations.A && w.Station != c.Stations.B {
			return fmt.Errorf("time_domain.windows: unknown station %q", w.Station)
		}
		if w.Minute < 0 || w.Minute > 59 {
			return fmt.Errorf("time_domain.windows.%s: minute %d out of range", w.Station, w.Minute)
		}
		if w.StartSecond < 0 || w.EndSecond > 59 || w.StartSecond > w.EndSecond {
			return fmt.Errorf("time_domain.windows.%s: invalid second range %d-%d", w.Station, w.StartSecond, w.EndSecond)
		}
		if w.ToneFrequency <= 0 || w.ToneFrequency >= nyquist {
			return fmt.Errorf("time_domain.windows.%s: tone frequency must be in (0, %v) Hz", w.Station, nyquist)
		}
		// A second may belong to one station only
		for _, prev := range c.TimeDomain.Windows[:i] {
			if prev.Minute == w.Minute && w.StartSecond <= prev.EndSecond && prev.StartSecond <= w.EndSecond {
				return fmt.Errorf("time_domain.windows.%s: minute %d seconds %d-%d overlap the %s window",
					w.Station, w.Minute, w.StartSecond, w.EndSecond, prev.Station)
			}
		}
	}

	if c.Marker.FrequencyA <= 0 || c.Marker.FrequencyA >= nyquist || c.Marker.FrequencyB <= 0 || c.Marker.FrequencyB >= nyquist {
		return fmt.Errorf("marker frequencies must be in (0, %v) Hz", nyquist)
	}
	if c.Marker.Duration <= 0 || c.Marker.Duration >= 59 {
		return fmt.Errorf("marker.duration must be between 0 and 59 seconds")
	}
	for _, m := range c.Marker.SkipMinutes {
		if m < 0 || m > 59 {
			return fmt.Errorf("marker.skip_minutes: minute %d out of range", m)
		}
	}

	needed := c.TimeDomain.AveragingWindow
	if d := c.Marker.Duration + markerReadPadding.Seconds(); d > needed {
		needed = d
	}
	if c.Receiver.BufferSeconds < needed {
		return fmt.Errorf("receiver.buffer_seconds (%v) must cover %v seconds of analysis", c.Receiver.BufferSeconds, needed)
	}

	if c.DSP.NoisePercentile < 0 || c.DSP.NoisePercentile > 100 {
		return fmt.Errorf("dsp.noise_percentile must be between 0 and 100")
	}
	switch c.DSP.Window {
	case "none", "rectangular", "hann", "hamming", "blackman":
	default:
		return fmt.Errorf("dsp.window %q is not supported", c.DSP.Window)
	}

	if c.Monitor.PollInterval <= 0 || c.Monitor.PollInterval > 1 {
		return fmt.Errorf("monitor.poll_interval must be in (0, 1] seconds")
	}
	if c.Monitor.HistoryLimit != nil && *c.Monitor.HistoryLimit < 0 {
		return fmt.Errorf("monitor.history_limit must not be negative")
	}

	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// DataAddr resolves the manual data group override, nil when unset
func (rc *RadiodConfig) DataAddr() (*net.UDPAddr, error) {
	if rc.DataGroup == "" {
		return nil, nil
	}
	return resolveMulticastAddr(rc.DataGroup)
}

// PollDuration returns the tick interval as a Duration
func (mc *MonitorConfig) PollDuration() time.Duration {
	return time.Duration(mc.PollInterval * float64(time.Second))
}

// Limit returns the history cap, 0 meaning unbounded
func (mc *MonitorConfig) Limit() int {
	if mc.HistoryLimit == nil {
		return defaultHistoryLimit
	}
	return *mc.HistoryLimit
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
