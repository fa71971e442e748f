package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/pion/rtp"
)

// pcmScale maps int16 PCM to [-1, 1)
const pcmScale = 1.0 / 32768.0

// ParseByteOrder maps the receiver.pcm_byte_order setting to a ByteOrder.
// "native" (or empty) uses the host order.
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch strings.ToLower(name) {
	case "", "native":
		return binary.NativeEndian, nil
	case "big", "network":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q (want native, big or little)", name)
	}
}

// DecoderStats is a snapshot of a StreamDecoder's counters
type DecoderStats struct {
	Packets   uint64 `json:"packets_received"`
	Samples   uint64 `json:"samples_received"`
	Lost      uint64 `json:"packet_loss_count"`
	Malformed uint64 `json:"malformed_packets"`
	Foreign   uint64 `json:"foreign_ssrc_packets"`
}

// StreamDecoder turns RTP datagrams for one SSRC into I/Q samples and appends
// them to the channel's SampleBuffer. Decode must be called from a single
// goroutine; counters may be read from any goroutine.
type StreamDecoder struct {
	ssrc      uint32
	byteOrder binary.ByteOrder
	buffer    *SampleBuffer

	haveSeq atomic.Bool
	lastSeq atomic.Uint32

	packets   atomic.Uint64
	samples   atomic.Uint64
	lost      atomic.Uint64
	malformed atomic.Uint64
	foreign   atomic.Uint64
}

// NewStreamDecoder creates a decoder bound to ssrc that feeds buffer
func NewStreamDecoder(ssrc uint32, byteOrder binary.ByteOrder, buffer *SampleBuffer) *StreamDecoder {
	if byteOrder == nil {
		byteOrder = binary.NativeEndian
	}
	return &StreamDecoder{
		ssrc:      ssrc,
		byteOrder: byteOrder,
		buffer:    buffer,
	}
}

// Decode parses one datagram and returns the number of samples appended.
// Short or malformed frames, frames for another SSRC and payloads that are
// not whole I/Q pairs are dropped without touching the buffer.
func (d *StreamDecoder) Decode(datagram []byte) int {
	// The sequence number sits in the fixed header, so a frame whose
	// extension or padding is broken still advances loss tracking
	if len(datagram) >= rtpMinHeader && binary.BigEndian.Uint32(datagram[8:12]) == d.ssrc {
		d.trackSequence(binary.BigEndian.Uint16(datagram[2:4]))
	}

	// pion handles CSRC skipping, extension headers and padding trim
	var packet rtp.Packet
	if err := packet.Unmarshal(datagram); err != nil {
		d.malformed.Add(1)
		if DebugMode {
			log.Printf("DEBUG: SSRC %d: dropping malformed RTP packet (%d bytes): %v", d.ssrc, len(datagram), err)
		}
		return 0
	}

	if packet.SSRC != d.ssrc {
		d.foreign.Add(1)
		return 0
	}

	payload := packet.Payload
	if len(payload)%4 != 0 {
		d.malformed.Add(1)
		if DebugMode {
			log.Printf("DEBUG: SSRC %d: payload length %d is not a multiple of 4, dropping", d.ssrc, len(payload))
		}
		return 0
	}

	samples := make([]complex64, len(payload)/4)
	for i := range samples {
		re := int16(d.byteOrder.Uint16(payload[i*4:]))
		im := int16(d.byteOrder.Uint16(payload[i*4+2:]))
		samples[i] = complex(float32(float64(re)*pcmScale), float32(float64(im)*pcmScale))
	}

	d.buffer.Push(samples)
	d.packets.Add(1)
	d.samples.Add(uint64(len(samples)))
	return len(samples)
}

// trackSequence counts the gap between the expected and received sequence
// number. The received number always becomes the new reference, so a
// reordered packet shows up as a large gap rather than being corrected.
func (d *StreamDecoder) trackSequence(seq uint16) {
	if d.haveSeq.Load() {
		expected := uint16(d.lastSeq.Load()) + 1
		if seq != expected {
			d.lost.Add(uint64(seq - expected))
		}
	}
	d.lastSeq.Store(uint32(seq))
	d.haveSeq.Store(true)
}

// LastSequence returns the most recent sequence number and whether one has been seen
func (d *StreamDecoder) LastSequence() (uint16, bool) {
	return uint16(d.lastSeq.Load()), d.haveSeq.Load()
}

// SSRC returns the stream identifier this decoder accepts
func (d *StreamDecoder) SSRC() uint32 {
	return d.ssrc
}

// Stats returns a snapshot of the decoder counters
func (d *StreamDecoder) Stats() DecoderStats {
	return DecoderStats{
		Packets:   d.packets.Load(),
		Samples:   d.samples.Load(),
		Lost:      d.lost.Load(),
		Malformed: d.malformed.Load(),
		Foreign:   d.foreign.Load(),
	}
}
