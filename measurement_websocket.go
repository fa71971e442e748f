package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsOutboundQueue is how many broadcast messages may wait for the writer
const wsOutboundQueue = 64

// MeasurementWebSocketHandler streams measurements and statistics to
// WebSocket clients at /ws/measurements
type MeasurementWebSocketHandler struct {
	clients           map[*websocket.Conn]*sync.Mutex // Each connection has its own write mutex
	clientsMu         sync.RWMutex
	monitor           *Monitor
	prometheusMetrics *PrometheusMetrics
	upgrader          websocket.Upgrader

	outbound chan wsMessage
	dropped  uint64
}

type wsMessage struct {
	kind string
	data []byte
}

// NewMeasurementWebSocketHandler creates the handler. monitor supplies the
// snapshot sent to new clients and may be nil.
func NewMeasurementWebSocketHandler(monitor *Monitor, prometheusMetrics *PrometheusMetrics) *MeasurementWebSocketHandler {
	return &MeasurementWebSocketHandler{
		clients:           make(map[*websocket.Conn]*sync.Mutex),
		monitor:           monitor,
		prometheusMetrics: prometheusMetrics,
		outbound:          make(chan wsMessage, wsOutboundQueue),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run writes queued broadcasts until ctx is cancelled, then closes every
// client
func (h *MeasurementWebSocketHandler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.outbound:
			h.broadcast(msg)
		}
	}
}

// HandleWebSocket upgrades the request and registers the client
func (h *MeasurementWebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Measurement WebSocket: Failed to upgrade connection: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	log.Printf("Measurement WebSocket: Client connected from %s (total: %d)", r.RemoteAddr, clientCount)
	h.prometheusMetrics.RecordWSConnection("measurements")

	if h.monitor != nil {
		h.sendMessage(conn, map[string]any{
			"type": "statistics",
			"data": h.monitor.Statistics(time.Now()),
		})
	}

	go h.handleClient(conn)
}

// handleClient reads until the client goes away, answering pings
func (h *MeasurementWebSocketHandler) handleClient(conn *websocket.Conn) {
	defer h.removeClient(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	defer func() {
		ticker.Stop()
		close(done)
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			h.clientsMu.RLock()
			writeMu, exists := h.clients[conn]
			h.clientsMu.RUnlock()
			if !exists {
				return
			}

			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Measurement WebSocket: Read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			h.sendMessage(conn, map[string]any{"type": "pong"})
		case "get_statistics":
			if h.monitor != nil {
				h.sendMessage(conn, map[string]any{
					"type": "statistics",
					"data": h.monitor.Statistics(time.Now()),
				})
			}
		}
	}
}

func (h *MeasurementWebSocketHandler) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, exists := h.clients[conn]
	delete(h.clients, conn)
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	conn.Close()
	if exists {
		h.prometheusMetrics.RecordWSDisconnect("measurements")
		log.Printf("Measurement WebSocket: Client disconnected (remaining: %d)", clientCount)
	}
}

func (h *MeasurementWebSocketHandler) closeAll() {
	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clientsMu.Unlock()

	for _, conn := range conns {
		h.removeClient(conn)
	}
}

// ClientCount returns the number of connected clients
func (h *MeasurementWebSocketHandler) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// RecordTimeDomain queues the measurement for all clients
func (h *MeasurementWebSocketHandler) RecordTimeDomain(m *TimeDomainMeasurement) {
	h.enqueue("time_domain", m)
}

// RecordMarker queues the measurement for all clients
func (h *MeasurementWebSocketHandler) RecordMarker(m *MarkerMeasurement) {
	h.enqueue("marker", m)
}

// RecordStatistics queues the snapshot for all clients
func (h *MeasurementWebSocketHandler) RecordStatistics(s *StatisticsSnapshot) {
	h.enqueue("statistics", map[string]any{"type": "statistics", "data": s})
}

// enqueue never blocks the measurement loop; when the writer is behind the
// message is dropped
func (h *MeasurementWebSocketHandler) enqueue(kind string, v any) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Measurement WebSocket: Failed to marshal %s message: %v", kind, err)
		return
	}
	select {
	case h.outbound <- wsMessage{kind: kind, data: data}:
	default:
		h.dropped++
		if DebugMode {
			log.Printf("DEBUG: Measurement WebSocket: outbound queue full, dropped %s message (%d total)", kind, h.dropped)
		}
	}
}

// broadcast writes one message to every client
func (h *MeasurementWebSocketHandler) broadcast(msg wsMessage) {
	// Copy client list first so slow writes do not hold clientsMu
	h.clientsMu.RLock()
	clientList := make([]*websocket.Conn, 0, len(h.clients))
	writeMutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, writeMu := range h.clients {
		clientList = append(clientList, conn)
		writeMutexes = append(writeMutexes, writeMu)
	}
	h.clientsMu.RUnlock()

	var failedConns []*websocket.Conn
	for i, conn := range clientList {
		writeMu := writeMutexes[i]
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, msg.data)
		writeMu.Unlock()

		if err != nil {
			log.Printf("Measurement WebSocket: Failed to send message to client: %v", err)
			failedConns = append(failedConns, conn)
			continue
		}
		h.prometheusMetrics.RecordWSMessageSent(msg.kind)
	}

	for _, conn := range failedConns {
		h.removeClient(conn)
	}
}

// sendMessage sends a message to a specific client
func (h *MeasurementWebSocketHandler) sendMessage(conn *websocket.Conn, message map[string]any) error {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	writeMu, exists := h.clients[conn]
	h.clientsMu.RUnlock()
	if !exists {
		return nil
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, messageJSON)
}
