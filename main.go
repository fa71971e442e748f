package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Version is reported in session files, MCP and Pushgateway labels
const Version = "0.3.0"

// Global debug flag
var DebugMode bool

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Set global debug mode - check environment variable first, then CLI flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		// Environment variable takes precedence
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting ka9q_wwvmon %s...", Version)
	log.Printf("Radiod status: %s", config.Radiod.StatusGroup)
	if config.Radiod.DataGroup != "" {
		log.Printf("Radiod data (manual): %s", config.Radiod.DataGroup)
	}
	for _, f := range config.Frequencies {
		log.Printf("Monitoring %s (%.3f MHz)", f.Name, f.Frequency/1e6)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down...")
		cancel()
	}()

	iface, err := resolveInterface(config.Radiod.Interface)
	if err != nil {
		log.Fatalf("Failed to resolve multicast interface: %v", err)
	}
	override, err := config.Radiod.DataAddr()
	if err != nil {
		log.Fatalf("Failed to resolve data group: %v", err)
	}

	discovered := make(map[uint32]*DiscoveredChannel)
	if config.Radiod.StatusGroup != "" {
		discovered, err = discoverChannels(ctx, config, iface)
		if err != nil {
			log.Fatalf("Failed to discover radiod channels: %v", err)
		}
	}

	bindings, dataAddr, err := ResolveBindings(config.Frequencies, discovered, override)
	if err != nil {
		log.Fatalf("Failed to bind channels: %v", err)
	}

	receiver, err := NewReceiver(&config.Receiver, dataAddr, iface, bindings)
	if err != nil {
		log.Fatalf("Failed to initialize RTP receiver: %v", err)
	}
	if err := receiver.Start(ctx); err != nil {
		log.Fatalf("Failed to start RTP receiver: %v", err)
	}

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics(prometheus.NewRegistry())
		metrics.StartPushgateway(ctx, &config.Prometheus.Pushgateway)
	}

	log.Printf("Receiver started, waiting %.0f s for data...", config.Monitor.StartupDelay)
	select {
	case <-ctx.Done():
	case <-time.After(seconds(config.Monitor.StartupDelay)):
	}

	analyzers := make([]*FrequencyAnalyzers, 0, len(bindings))
	for _, ch := range receiver.Channels() {
		analyzers = append(analyzers, NewFrequencyAnalyzers(ch.Binding, ch.Buffer, config))
	}
	monitor := NewMonitor(config, analyzers, receiver)
	monitor.SetMetrics(metrics)

	if config.Monitor.HostLoadInterval > 0 {
		hostLoad := NewHostLoadTracker(time.Duration(config.Monitor.HostLoadInterval) * time.Second)
		hostLoad.Start(ctx)
		monitor.SetHostLoad(hostLoad)
	}

	var dataLogger *MeasurementLogger
	if config.Logging.Enabled {
		dataLogger, err = NewMeasurementLogger(config, time.Now())
		if err != nil {
			log.Fatalf("Failed to initialize measurement logger: %v", err)
		}
		monitor.AddSink(dataLogger)
	}

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPublisher, err = NewMQTTPublisher(&config.MQTT, metrics)
		if err != nil {
			log.Printf("Warning: MQTT publisher disabled: %v", err)
		} else {
			monitor.AddSink(mqttPublisher)
			mqttPublisher.StartHealthPublisher(ctx)
		}
	}

	var server *http.Server
	if config.Server.Enabled {
		server = startHTTPServer(ctx, config, monitor, receiver, metrics)
	}

	monitor.Run(ctx)

	// Shutdown order: stop ingest, close outward surfaces, then the logs
	receiver.Stop(time.Duration(config.Receiver.ShutdownTimeout) * time.Second)
	if server != nil {
		if err := server.Close(); err != nil {
			log.Printf("Error closing server: %v", err)
		}
	}
	if mqttPublisher != nil {
		mqttPublisher.Disconnect()
	}
	if dataLogger != nil {
		now := time.Now()
		if _, err := dataLogger.SaveReport(monitor.StatusReport(now)); err != nil {
			log.Printf("Warning: %v", err)
		}
		if err := dataLogger.Close(now); err != nil {
			log.Printf("Warning: failed to close measurement logger: %v", err)
		}
	}

	log.Println("Stopped")
}

// discoverChannels listens to radiod's status group and, when configured,
// creates the monitored channels it did not announce
func discoverChannels(ctx context.Context, config *Config, iface *net.Interface) (map[uint32]*DiscoveredChannel, error) {
	statusAddr, err := resolveMulticastAddr(config.Radiod.StatusGroup)
	if err != nil {
		return nil, err
	}

	duration := seconds(config.Radiod.DiscoverySeconds)
	discovered, err := DiscoverChannels(ctx, statusAddr, iface, duration)
	if err != nil {
		return nil, err
	}
	log.Printf("Discovered %d radiod channels", len(discovered))

	if !config.Radiod.CreateChannels {
		return discovered, nil
	}

	var missing []FrequencyConfig
	for _, f := range config.Frequencies {
		if _, ok := discovered[ssrcForFrequency(f.Frequency)]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return discovered, nil
	}

	controller, err := NewRadiodController(statusAddr, iface)
	if err != nil {
		return nil, err
	}
	defer controller.Close()

	for _, f := range missing {
		req := ChannelRequest{
			SSRC:        ssrcForFrequency(f.Frequency),
			FrequencyHz: f.Frequency,
			Preset:      config.Radiod.Preset,
			SampleRate:  config.Receiver.SampleRate,
			RFGain:      config.Radiod.RFGain,
			RFAGC:       config.Radiod.RFAGC,
		}
		if err := controller.CreateChannel(req); err != nil {
			return nil, err
		}
	}

	// Listen again so the new channels' data endpoint is known
	created, err := DiscoverChannels(ctx, statusAddr, iface, duration)
	if err != nil {
		return nil, err
	}
	maps.Copy(discovered, created)
	return discovered, nil
}

// startHTTPServer serves /metrics, /ws/measurements, /mcp and /api/status
func startHTTPServer(ctx context.Context, config *Config, monitor *Monitor, receiver *Receiver, metrics *PrometheusMetrics) *http.Server {
	mux := http.NewServeMux()
	var routes []string

	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
		routes = append(routes, "/metrics")
	}

	if config.Server.WebSocket {
		wsHandler := NewMeasurementWebSocketHandler(monitor, metrics)
		go wsHandler.Run(ctx)
		monitor.AddSink(wsHandler)
		mux.HandleFunc("/ws/measurements", wsHandler.HandleWebSocket)
		routes = append(routes, "/ws/measurements")
	}

	if config.Server.MCP {
		mcpServer := NewMCPServer(monitor, receiver)
		mux.HandleFunc("/mcp", mcpServer.HandleMCP)
		routes = append(routes, "/mcp")
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(monitor.Statistics(time.Now())); err != nil {
			log.Printf("Error encoding status: %v", err)
		}
	})
	routes = append(routes, "/api/status")
	slices.Sort(routes)

	server := &http.Server{
		Addr:    config.Server.Listen,
		Handler: mux,
	}

	go func() {
		log.Printf("Server listening on %s (%v)", config.Server.Listen, routes)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()
	return server
}
