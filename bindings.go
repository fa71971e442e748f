package main

import (
	"fmt"
	"log"
	"net"
	"sort"
)

// ChannelBinding ties one monitored frequency to its RTP stream
type ChannelBinding struct {
	Name        string
	FrequencyHz float64
	SSRC        uint32
}

// ssrcForFrequency is radiod's convention for these channels: SSRC is the
// tuned frequency in Hz
func ssrcForFrequency(hz float64) uint32 {
	return uint32(hz)
}

// ResolveBindings maps the configured frequencies to SSRCs and picks the
// shared data endpoint. A configured override wins; otherwise the endpoint
// comes from a discovered channel we monitor, then from any discovered
// channel. Channels missing from discovery are still bound, with a warning.
func ResolveBindings(frequencies []FrequencyConfig, discovered map[uint32]*DiscoveredChannel, override *net.UDPAddr) ([]ChannelBinding, *net.UDPAddr, error) {
	if len(frequencies) == 0 {
		return nil, nil, fmt.Errorf("no frequencies configured")
	}

	bindings := make([]ChannelBinding, 0, len(frequencies))
	var monitored *net.UDPAddr
	for _, f := range frequencies {
		b := ChannelBinding{
			Name:        f.Name,
			FrequencyHz: f.Frequency,
			SSRC:        ssrcForFrequency(f.Frequency),
		}
		bindings = append(bindings, b)

		ch, ok := discovered[b.SSRC]
		if !ok {
			if len(discovered) > 0 {
				log.Printf("Warning: channel %s (SSRC %d) not in discovery results, using it anyway", b.Name, b.SSRC)
			}
			continue
		}
		log.Printf("Found channel for %s: SSRC %d, %.3f MHz, %s, %d Hz",
			b.Name, b.SSRC, ch.FrequencyHz/1e6, ch.Preset, ch.SampleRate)
		if monitored == nil && ch.DataAddr != nil {
			monitored = ch.DataAddr
		}
	}

	switch {
	case override != nil:
		return bindings, override, nil
	case monitored != nil:
		return bindings, monitored, nil
	}

	// Deterministic pick among unrelated channels
	ssrcs := make([]uint32, 0, len(discovered))
	for ssrc := range discovered {
		ssrcs = append(ssrcs, ssrc)
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })
	for _, ssrc := range ssrcs {
		if addr := discovered[ssrc].DataAddr; addr != nil {
			log.Printf("Warning: no monitored channel advertised a data address, using SSRC %d's %s", ssrc, addr)
			return bindings, addr, nil
		}
	}

	return nil, nil, fmt.Errorf("no RTP data address: radiod advertised none and radiod.data_group is not set")
}
