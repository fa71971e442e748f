package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer handles Model Context Protocol requests
type MCPServer struct {
	monitor    *Monitor
	receiver   ChannelStatsSource
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance. receiver may be nil.
func NewMCPServer(monitor *Monitor, receiver ChannelStatsSource) *MCPServer {
	m := &MCPServer{
		monitor:  monitor,
		receiver: receiver,
	}

	m.mcpServer = server.NewMCPServer(
		"ka9q_wwvmon",
		Version,
		server.WithToolCapabilities(true),
	)

	m.registerTools()

	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)

	return m
}

func formatOption() mcp.ToolOption {
	return mcp.WithString("format",
		mcp.Description("Output format: 'json' for structured data or 'text' for human-readable summary"),
		mcp.DefaultString("json"),
	)
}

// registerTools registers all available MCP tools
func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_statistics",
			mcp.WithDescription("Get accumulated statistics for every monitored frequency: per-station RSSI and SNR from the exclusive tone minutes, marker detection rates and power ratios, receiver packet counters. Use this for an overall picture of how both time stations are being received."),
			formatOption(),
		),
		m.handleGetStatistics,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_discrimination_ratios",
			mcp.WithDescription("Get the current discrimination ratio per frequency in dB, by both methods (time-domain carrier RSSI and minute-marker tone power). Positive values mean station A is stronger, negative values mean station B is stronger."),
			formatOption(),
		),
		m.handleGetDiscriminationRatios,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_latest_measurements",
			mcp.WithDescription("Get the most recent raw measurements for one frequency."),
			mcp.WithString("frequency",
				mcp.Required(),
				mcp.Description("Frequency name as configured (e.g. '10MHz')"),
			),
			mcp.WithString("type",
				mcp.Description("'time_domain' or 'marker'"),
				mcp.DefaultString("marker"),
			),
			mcp.WithString("station",
				mcp.Description("Station filter for time_domain measurements, or empty for both"),
			),
			mcp.WithNumber("count",
				mcp.Description("Number of measurements (default: 10, max: 1000)"),
				mcp.DefaultNumber(10.0),
			),
		),
		m.handleGetLatestMeasurements,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_receiver_status",
			mcp.WithDescription("Get RTP ingest health per frequency: packets, samples, sequence losses, malformed packets, queue drops and buffer fill. The text format also reports the host load average."),
			formatOption(),
		),
		m.handleGetReceiverStatus,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_propagation_analysis",
			mcp.WithDescription("Compare marker ratios across all frequencies: mean and spread, which station dominates overall and by how much, and the ratio against frequency when every frequency has data."),
			formatOption(),
		),
		m.handleGetPropagationAnalysis,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_temporal_variation",
			mcp.WithDescription("Get how the marker ratio has moved over the recent window (mean, std, min, max, range) per frequency. Large ranges indicate fading or a change of propagation path."),
			mcp.WithString("frequency",
				mcp.Description("Frequency name or empty for all frequencies"),
			),
		),
		m.handleGetTemporalVariation,
	)
}

// HandleMCP handles MCP protocol requests over HTTP
func (m *MCPServer) HandleMCP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

// Tool handlers

func (m *MCPServer) handleGetStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	now := time.Now()
	if request.GetString("format", "json") == "text" {
		return mcp.NewToolResultText(m.monitor.StatusReport(now)), nil
	}
	return jsonResult(m.monitor.Statistics(now))
}

func (m *MCPServer) handleGetDiscriminationRatios(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ratios := m.monitor.DiscriminationRatios()

	if request.GetString("format", "json") == "text" {
		var b strings.Builder
		b.WriteString("Discrimination ratios (station A minus station B):\n\n")
		for _, name := range m.monitor.Frequencies() {
			pair := ratios[name]
			fmt.Fprintf(&b, "%s:\n  time-domain: %s\n  marker: %s\n",
				name, m.ratioText(pair.TimeDomainDB), m.ratioText(pair.MarkerDB))
		}
		return mcp.NewToolResultText(b.String()), nil
	}
	return jsonResult(ratios)
}

func (m *MCPServer) ratioText(r *float64) string {
	if r == nil {
		return "not enough data"
	}
	return m.monitor.describeRatio(*r)
}

func (m *MCPServer) handleGetLatestMeasurements(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("frequency")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := request.GetString("type", "marker")
	station := request.GetString("station", "")
	count := int(request.GetFloat("count", 10))
	if count < 1 {
		count = 1
	}
	if count > 1000 {
		count = 1000
	}

	fa, ok := m.monitor.Analyzers(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown frequency %q (monitored: %s)", name, strings.Join(m.monitor.Frequencies(), ", "))), nil
	}

	switch kind {
	case "time_domain":
		if fa.TimeGated == nil {
			return mcp.NewToolResultError("Time-domain measurements are disabled"), nil
		}
		return jsonResult(fa.TimeGated.Latest(count, station))
	case "marker":
		if fa.Marker == nil {
			return mcp.NewToolResultError("Marker measurements are disabled"), nil
		}
		return jsonResult(fa.Marker.Latest(count))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Unknown measurement type %q", kind)), nil
	}
}

func (m *MCPServer) handleGetReceiverStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.receiver == nil {
		return mcp.NewToolResultError("Receiver is not running"), nil
	}
	stats := m.receiver.Stats()

	if request.GetString("format", "json") == "text" {
		var b strings.Builder
		b.WriteString("Receiver status:\n\n")
		for _, cs := range stats {
			fmt.Fprintf(&b, "%s (%.3f MHz, SSRC %d):\n"+
				"  Packets: %d\n"+
				"  Samples: %d\n"+
				"  Lost: %d\n"+
				"  Malformed: %d\n"+
				"  Queue drops: %d\n"+
				"  Buffer fill: %.1f%%\n\n",
				cs.Name, cs.FrequencyHz/1e6, cs.SSRC, cs.Packets, cs.Samples, cs.Lost, cs.Malformed, cs.QueueDrops, cs.BufferFill*100)
		}
		if hl := m.monitor.HostLoad(); hl != nil {
			fmt.Fprintf(&b, "Host load: %.2f %.2f %.2f (%s)\n", hl.Load1Min, hl.Load5Min, hl.Load15Min, hl.Status)
		}
		return mcp.NewToolResultText(b.String()), nil
	}
	return jsonResult(stats)
}

func (m *MCPServer) handleGetPropagationAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := m.monitor.Propagation()
	if p == nil {
		return mcp.NewToolResultError("No marker ratios available yet"), nil
	}

	if request.GetString("format", "json") == "text" {
		text := fmt.Sprintf("Propagation analysis:\n"+
			"Dominant station: %s by %.1f dB\n"+
			"Mean ratio: %+.1f dB\n"+
			"Std across frequencies: %.1f dB\n",
			p.DominantStation, p.DominanceDB, p.MeanRatio, p.StdRatio)
		for _, name := range m.monitor.Frequencies() {
			if r, ok := p.RatiosByFrequency[name]; ok {
				text += fmt.Sprintf("  %s: %+.1f dB\n", name, r)
			}
		}
		return mcp.NewToolResultText(text), nil
	}
	return jsonResult(p)
}

func (m *MCPServer) handleGetTemporalVariation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	variation := m.monitor.TemporalVariation(time.Now())

	if name := request.GetString("frequency", ""); name != "" {
		tv, ok := variation[name]
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Not enough marker ratios for %s", name)), nil
		}
		return jsonResult(tv)
	}
	return jsonResult(variation)
}
