package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Status tag numbers from ka9q-radio/src/status.h enum status_type
const (
	tagEOL                  = 0
	tagCommandTag           = 1
	tagOutputDataDestSocket = 17
	tagOutputSSRC           = 18
	tagOutputSamprate       = 20
	tagLNAGain              = 30
	tagRadioFrequency       = 33
	tagIFPower              = 47
	tagPreset               = 85
	tagRFGain               = 97
	tagRFAGC                = 98
)

// Packet type constants
const (
	pktTypeStatus = 0
	pktTypeCmd    = 1
)

// DiscoveredChannel is what radiod advertises about one channel in its
// STATUS packets
type DiscoveredChannel struct {
	SSRC        uint32       `json:"ssrc"`
	FrequencyHz float64      `json:"frequency_hz"`
	Preset      string       `json:"preset"`
	SampleRate  int          `json:"sample_rate"`
	DataAddr    *net.UDPAddr `json:"-"`
	LNAGain     int32        `json:"lna_gain"`
	RFGain      float32      `json:"rf_gain"`
	RFAGC       bool         `json:"rf_agc"`
	IFPower     float32      `json:"if_power"`
	LastUpdate  time.Time    `json:"last_update"`
}

// DiscoverChannels listens on the status group for up to duration (or until
// ctx is done) and returns the channels seen, keyed by SSRC. Receiving no
// packets is not an error; failing to open the socket is.
func DiscoverChannels(ctx context.Context, statusAddr *net.UDPAddr, iface *net.Interface, duration time.Duration) (map[uint32]*DiscoveredChannel, error) {
	conn, err := listenMulticast(statusAddr, iface)
	if err != nil {
		return nil, fmt.Errorf("failed to create STATUS listener: %w", err)
	}
	defer conn.Close()

	log.Printf("Listening for radiod STATUS packets on %s for %v", statusAddr, duration)

	channels := make(map[uint32]*DiscoveredChannel)
	deadline := time.Now().Add(duration)
	buf := make([]byte, 9000)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}

		readDeadline := time.Now().Add(1 * time.Second)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		conn.SetReadDeadline(readDeadline)

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return channels, fmt.Errorf("failed to read STATUS packet: %w", err)
		}

		if n < 2 || buf[0] != pktTypeStatus {
			continue
		}

		ch := parseStatusPacket(buf[1:n])
		if ch == nil {
			continue
		}
		channels[ch.SSRC] = ch
	}

	if DebugMode {
		for ssrc, ch := range channels {
			log.Printf("DEBUG: discovered channel %d: %.3f MHz, preset %s, %d Hz, data %v",
				ssrc, ch.FrequencyHz/1e6, ch.Preset, ch.SampleRate, ch.DataAddr)
		}
	}
	return channels, nil
}

// listenMulticast binds a reusable UDP socket on addr and joins the group.
// SO_REUSEPORT lets radiod's own tools and other monitors share the port.
func listenMulticast(addr *net.UDPAddr, iface *net.Interface) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					opErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					opErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
			}); err != nil {
				return err
			}
			return opErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	joinGroup(ipv4.NewPacketConn(conn), addr, iface)
	return conn, nil
}

// parseStatusPacket decodes the TLV body of a STATUS packet (type byte
// already stripped). It returns nil when the packet carries no SSRC.
func parseStatusPacket(data []byte) *DiscoveredChannel {
	ch := &DiscoveredChannel{LastUpdate: time.Now()}

	offset := 0
	for offset < len(data) {
		tag := data[offset]
		offset++
		if tag == tagEOL {
			break
		}
		if offset >= len(data) {
			break
		}

		length := int(data[offset])
		offset++

		// Extended length: low 7 bits give the number of length bytes
		if length&0x80 != 0 {
			lengthOfLength := length & 0x7f
			length = 0
			for i := 0; i < lengthOfLength && offset < len(data); i++ {
				length = (length << 8) | int(data[offset])
				offset++
			}
		}

		if offset+length > len(data) {
			break
		}

		value := data[offset : offset+length]
		switch tag {
		case tagOutputSSRC:
			ch.SSRC = decodeInt32(value)
		case tagRadioFrequency:
			ch.FrequencyHz = decodeDouble(value)
		case tagPreset:
			ch.Preset = string(value)
		case tagOutputSamprate:
			ch.SampleRate = int(decodeInt32(value))
		case tagOutputDataDestSocket:
			ch.DataAddr = decodeSocket(value)
		case tagLNAGain:
			ch.LNAGain = int32(decodeInt32(value))
		case tagRFGain:
			ch.RFGain = decodeFloat(value)
		case tagRFAGC:
			ch.RFAGC = decodeInt32(value) != 0
		case tagIFPower:
			ch.IFPower = decodeFloat(value)
		}

		offset += length
	}

	if ch.SSRC == 0 {
		return nil
	}
	return ch
}

// decodeInt32 reverses encodeInt32
func decodeInt32(data []byte) uint32 {
	var result uint32
	for _, b := range data {
		result = (result << 8) | uint32(b)
	}
	return result
}

// decodeFloat reverses encodeFloat. Suppressed bytes are the high-order ones,
// so the value is right aligned.
func decodeFloat(data []byte) float32 {
	var bits uint32
	for _, b := range data {
		bits = (bits << 8) | uint32(b)
	}
	return math.Float32frombits(bits)
}

// decodeDouble reverses encodeDouble
func decodeDouble(data []byte) float64 {
	var bits uint64
	for _, b := range data {
		bits = (bits << 8) | uint64(b)
	}
	return math.Float64frombits(bits)
}

// decodeSocket decodes an IPv4 socket (4 address bytes then a big-endian
// port). Other lengths, e.g. IPv6, are not used by radiod's data outputs here.
func decodeSocket(data []byte) *net.UDPAddr {
	if len(data) != 6 {
		return nil
	}
	return &net.UDPAddr{
		IP:   net.IPv4(data[0], data[1], data[2], data[3]),
		Port: int(binary.BigEndian.Uint16(data[4:6])),
	}
}
