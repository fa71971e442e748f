package main

import (
	"encoding/binary"
	"math"
	"testing"
)

const testSSRC = 10000000

// rtpFrame builds an RTP datagram with big-endian I/Q payload
func rtpFrame(ssrc uint32, seq uint16, samples [][2]int16) []byte {
	buf := make([]byte, 12+4*len(samples))
	buf[0] = 0x80 // version 2
	buf[1] = 122  // dynamic payload type
	binary.BigEndian.PutUint16(buf[2:], seq)
	binary.BigEndian.PutUint32(buf[4:], uint32(seq)*uint32(len(samples)))
	binary.BigEndian.PutUint32(buf[8:], ssrc)
	for i, s := range samples {
		binary.BigEndian.PutUint16(buf[12+4*i:], uint16(s[0]))
		binary.BigEndian.PutUint16(buf[14+4*i:], uint16(s[1]))
	}
	return buf
}

func newTestDecoder(t *testing.T) (*StreamDecoder, *SampleBuffer) {
	t.Helper()
	buffer := newTestBuffer(t, 16000, 1)
	return NewStreamDecoder(testSSRC, binary.BigEndian, buffer), buffer
}

func TestParseByteOrder(t *testing.T) {
	tests := []struct {
		name string
		want binary.ByteOrder
	}{
		{"", binary.NativeEndian},
		{"native", binary.NativeEndian},
		{"big", binary.BigEndian},
		{"network", binary.BigEndian},
		{"little", binary.LittleEndian},
	}
	for _, tt := range tests {
		got, err := ParseByteOrder(tt.name)
		if err != nil {
			t.Errorf("ParseByteOrder(%q): %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteOrder(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if _, err := ParseByteOrder("middle"); err == nil {
		t.Error("expected error for unknown byte order")
	}
}

func TestDecodeScalesSamples(t *testing.T) {
	d, buffer := newTestDecoder(t)

	n := d.Decode(rtpFrame(testSSRC, 1, [][2]int16{{16384, -16384}, {math.MaxInt16, math.MinInt16}}))
	if n != 2 {
		t.Fatalf("Decode returned %d samples, want 2", n)
	}

	got := buffer.Read(0, false)
	want := []complex128{
		complex(0.5, -0.5),
		complex(32767.0/32768.0, -1),
	}
	for i := range want {
		if math.Abs(real(got[i])-real(want[i])) > 1e-6 || math.Abs(imag(got[i])-imag(want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeSequenceLoss(t *testing.T) {
	d, _ := newTestDecoder(t)
	frame := [][2]int16{{1, 1}}

	for _, seq := range []uint16{5, 6, 9} {
		d.Decode(rtpFrame(testSSRC, seq, frame))
	}

	if lost := d.Stats().Lost; lost != 2 {
		t.Errorf("Lost = %d, want 2", lost)
	}
	last, ok := d.LastSequence()
	if !ok || last != 9 {
		t.Errorf("LastSequence() = %d, %v; want 9, true", last, ok)
	}
}

func TestDecodeSequenceWrap(t *testing.T) {
	d, _ := newTestDecoder(t)
	frame := [][2]int16{{1, 1}}

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		d.Decode(rtpFrame(testSSRC, seq, frame))
	}
	if lost := d.Stats().Lost; lost != 0 {
		t.Errorf("Lost = %d across wrap, want 0", lost)
	}
}

func TestDecodeForeignSSRC(t *testing.T) {
	d, buffer := newTestDecoder(t)

	if n := d.Decode(rtpFrame(testSSRC+1, 1, [][2]int16{{1, 1}})); n != 0 {
		t.Fatalf("Decode returned %d for foreign SSRC", n)
	}
	if buffer.Len() != 0 {
		t.Errorf("buffer has %d samples after foreign frame", buffer.Len())
	}
	if _, ok := d.LastSequence(); ok {
		t.Error("foreign frame updated the sequence reference")
	}
	if s := d.Stats(); s.Foreign != 1 || s.Packets != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDecodeDropsMalformed(t *testing.T) {
	d, buffer := newTestDecoder(t)

	// Too short for an RTP header
	d.Decode([]byte{0x80, 0x00, 0x00})

	// Payload not a whole number of I/Q pairs
	frame := rtpFrame(testSSRC, 1, [][2]int16{{1, 1}})
	d.Decode(append(frame, 0xff, 0xff))

	if buffer.Len() != 0 {
		t.Errorf("buffer has %d samples after malformed frames", buffer.Len())
	}
	if m := d.Stats().Malformed; m != 2 {
		t.Errorf("Malformed = %d, want 2", m)
	}
}

func TestDecodeHonoursPadding(t *testing.T) {
	d, buffer := newTestDecoder(t)

	frame := rtpFrame(testSSRC, 1, [][2]int16{{100, 200}})
	frame[0] |= 0x20 // padding bit
	frame = append(frame, 0, 0, 0, 4)

	if n := d.Decode(frame); n != 1 {
		t.Fatalf("Decode returned %d samples, want 1", n)
	}
	if buffer.Len() != 1 {
		t.Errorf("buffer Len() = %d, want 1", buffer.Len())
	}
}

// rtpFrameWithHeaders adds a CSRC list and a header extension of extWords
// 32-bit words to a frame built by rtpFrame
func rtpFrameWithHeaders(ssrc uint32, seq uint16, csrcs, extWords int, samples [][2]int16) []byte {
	base := rtpFrame(ssrc, seq, samples)
	frame := append([]byte{}, base[:12]...)
	frame[0] |= 0x10 | byte(csrcs)
	for i := range csrcs {
		frame = binary.BigEndian.AppendUint32(frame, uint32(0xc0000000+i))
	}
	frame = binary.BigEndian.AppendUint16(frame, 0xabac)
	frame = binary.BigEndian.AppendUint16(frame, uint16(extWords))
	for i := range extWords {
		frame = binary.BigEndian.AppendUint32(frame, uint32(0xdead0000+i))
	}
	return append(frame, base[12:]...)
}

func TestDecodeSkipsCSRCAndExtension(t *testing.T) {
	d, buffer := newTestDecoder(t)

	frame := rtpFrameWithHeaders(testSSRC, 1, 2, 2, [][2]int16{{16384, -16384}, {-32768, 8192}})
	if n := d.Decode(frame); n != 2 {
		t.Fatalf("Decode returned %d samples, want 2", n)
	}

	got := buffer.Read(0, false)
	want := []complex128{complex(0.5, -0.5), complex(-1, 0.25)}
	if len(got) != len(want) {
		t.Fatalf("read %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeTruncatedExtensionKeepsSequence(t *testing.T) {
	d, buffer := newTestDecoder(t)

	d.Decode(rtpFrame(testSSRC, 1, [][2]int16{{1, 1}}))

	// Extension bit set but the header ends before the extension
	broken := rtpFrame(testSSRC, 2, nil)
	broken[0] |= 0x10
	d.Decode(broken)

	d.Decode(rtpFrame(testSSRC, 3, [][2]int16{{1, 1}}))

	s := d.Stats()
	if s.Malformed != 1 || s.Lost != 0 || s.Packets != 2 {
		t.Errorf("stats = %+v, want 1 malformed, 0 lost, 2 packets", s)
	}
	if seq, ok := d.LastSequence(); !ok || seq != 3 {
		t.Errorf("LastSequence() = %d, %v; want 3, true", seq, ok)
	}
	if buffer.Len() != 2 {
		t.Errorf("buffer Len() = %d, want 2", buffer.Len())
	}
}

func TestDecodeStreamInOrder(t *testing.T) {
	d, buffer := newTestDecoder(t)

	const total = 1000
	const perFrame = 80
	var seq uint16 = 100
	for start := 0; start < total; start += perFrame {
		n := min(perFrame, total-start)
		frame := make([][2]int16, n)
		for i := range frame {
			frame[i] = [2]int16{int16(start + i), int16(-(start + i))}
		}
		d.Decode(rtpFrame(testSSRC, seq, frame))
		seq++
	}

	got := buffer.Read(0, false)
	if len(got) != total {
		t.Fatalf("read %d samples, want %d", len(got), total)
	}
	for i, s := range got {
		if want := float64(i) / 32768; math.Abs(real(s)-want) > 1e-9 || math.Abs(imag(s)+want) > 1e-9 {
			t.Fatalf("sample %d = %v, want %v", i, s, want)
		}
	}
	if s := d.Stats(); s.Lost != 0 || s.Samples != total {
		t.Errorf("stats = %+v", s)
	}
}
