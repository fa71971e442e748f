package main

import (
	"net"
	"strings"
	"testing"
)

func TestChannelCommandRoundTrip(t *testing.T) {
	gain := float32(-12.5)
	agc := true
	req := ChannelRequest{
		SSRC:        10000000,
		FrequencyHz: 10e6,
		Preset:      "iq",
		SampleRate:  16000,
		RFGain:      &gain,
		RFAGC:       &agc,
	}

	cmd := buildChannelCommand(req, 42)
	if cmd[0] != pktTypeCmd {
		t.Fatalf("packet type = %d, want %d", cmd[0], pktTypeCmd)
	}
	if cmd[len(cmd)-1] != tagEOL {
		t.Errorf("command not terminated by EOL")
	}

	ch := parseStatusPacket(cmd[1:])
	if ch == nil {
		t.Fatal("parseStatusPacket returned nil")
	}
	if ch.SSRC != req.SSRC || ch.FrequencyHz != req.FrequencyHz || ch.Preset != "iq" || ch.SampleRate != 16000 {
		t.Errorf("decoded %+v", ch)
	}
	if ch.RFGain != gain || !ch.RFAGC {
		t.Errorf("RF gain/AGC = %v/%v", ch.RFGain, ch.RFAGC)
	}
}

func TestChannelCommandOmitsUnsetFields(t *testing.T) {
	cmd := buildChannelCommand(ChannelRequest{SSRC: 5000000, FrequencyHz: 5e6}, 1)
	ch := parseStatusPacket(cmd[1:])
	if ch == nil || ch.Preset != "" || ch.SampleRate != 0 || ch.RFAGC {
		t.Errorf("decoded %+v", ch)
	}
}

func TestEncodeInt32SuppressesLeadingZeros(t *testing.T) {
	tests := []struct {
		value uint32
		want  []byte
	}{
		{0, []byte{tagOutputSSRC, 0}},
		{0x7f, []byte{tagOutputSSRC, 1, 0x7f}},
		{0x1234, []byte{tagOutputSSRC, 2, 0x12, 0x34}},
		{10000000, []byte{tagOutputSSRC, 3, 0x98, 0x96, 0x80}},
	}
	for _, tt := range tests {
		var buf []byte
		got := encodeInt32(&buf, tagOutputSSRC, tt.value)
		if string(got) != string(tt.want) {
			t.Errorf("encodeInt32(%d) = %x, want %x", tt.value, got, tt.want)
		}
		if v := decodeInt32(got[2:]); v != tt.value {
			t.Errorf("decodeInt32 = %d, want %d", v, tt.value)
		}
	}
}

func TestParseStatusPacket(t *testing.T) {
	var body []byte
	body = encodeInt32(&body, tagOutputSSRC, 15000000)
	body = encodeDouble(&body, tagRadioFrequency, 15e6)
	body = append(body, tagOutputDataDestSocket, 6, 239, 1, 2, 3, 0x13, 0x8c)
	body = encodeString(&body, tagPreset, strings.Repeat("x", 200))
	body = append(body, 0xee, 2, 0, 0) // unknown tag is skipped
	body = append(body, tagEOL)

	ch := parseStatusPacket(body)
	if ch == nil {
		t.Fatal("parseStatusPacket returned nil")
	}
	if ch.SSRC != 15000000 || ch.FrequencyHz != 15e6 {
		t.Errorf("decoded %+v", ch)
	}
	if len(ch.Preset) != 200 {
		t.Errorf("extended length string decoded to %d bytes", len(ch.Preset))
	}
	want := &net.UDPAddr{IP: net.IPv4(239, 1, 2, 3), Port: 5004}
	if ch.DataAddr == nil || !ch.DataAddr.IP.Equal(want.IP) || ch.DataAddr.Port != want.Port {
		t.Errorf("DataAddr = %v, want %v", ch.DataAddr, want)
	}
}

func TestParseStatusPacketWithoutSSRC(t *testing.T) {
	var body []byte
	body = encodeDouble(&body, tagRadioFrequency, 15e6)
	if ch := parseStatusPacket(body); ch != nil {
		t.Errorf("got %+v, want nil", ch)
	}
	// Truncated value
	if ch := parseStatusPacket([]byte{tagOutputSSRC, 4, 0x01}); ch != nil {
		t.Errorf("got %+v from a truncated packet", ch)
	}
}

func TestDecodeSocket(t *testing.T) {
	if addr := decodeSocket([]byte{1, 2, 3}); addr != nil {
		t.Errorf("short socket decoded to %v", addr)
	}
	addr := decodeSocket([]byte{10, 0, 0, 1, 0x13, 0x8d})
	if addr == nil || addr.String() != "10.0.0.1:5005" {
		t.Errorf("decodeSocket = %v", addr)
	}
}

func TestMakeMaddr(t *testing.T) {
	for _, host := range []string{"hf-status.local", "wwv-data.local", "x"} {
		ip := net.ParseIP(makeMaddr(host)).To4()
		if ip == nil || ip[0] != 239 {
			t.Errorf("makeMaddr(%q) = %v, want 239.0.0.0/8", host, ip)
			continue
		}
		if ip[1]&0x7f == 0 && ip[2] == 0 {
			t.Errorf("makeMaddr(%q) = %v falls in a reserved /24", host, ip)
		}
	}
	if makeMaddr("hf-status.local") != makeMaddr("hf-status.local") {
		t.Error("makeMaddr is not deterministic")
	}
}
