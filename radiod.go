package main

import (
	"fmt"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

// RadiodController sends channel commands to ka9q-radio's radiod over its
// status/control multicast group
type RadiodController struct {
	statusAddr *net.UDPAddr
	conn       *net.UDPConn
	iface      *net.Interface
	cmdMu      sync.Mutex
}

// ChannelRequest describes a channel to create or retune on radiod.
// RFGain and RFAGC are only sent when set.
type ChannelRequest struct {
	SSRC        uint32
	FrequencyHz float64
	Preset      string
	SampleRate  int
	RFGain      *float32
	RFAGC       *bool
}

// fnv1hash implements FNV-1 as used by ka9q-radio's make_maddr()
func fnv1hash(data []byte) uint32 {
	hash := uint32(0x811c9dc5)
	for _, b := range data {
		hash *= 0x01000193
		hash ^= uint32(b)
	}
	return hash
}

// makeMaddr derives a 239.0.0.0/8 group from a hostname the same way radiod
// does when the name is not in DNS
func makeMaddr(hostname string) string {
	hash := fnv1hash([]byte(hostname))
	addr := (239 << 24) | (hash & 0xffffff)

	// 239.0.0.0/24 and 239.128.0.0/24 collide on Ethernet multicast MACs
	if (addr & 0x007fff00) == 0 {
		addr |= (addr & 0xff) << 8
	}
	if (addr & 0x007fff00) == 0 {
		addr |= 0x00100000
	}

	return fmt.Sprintf("%d.%d.%d.%d",
		(addr>>24)&0xff,
		(addr>>16)&0xff,
		(addr>>8)&0xff,
		addr&0xff)
}

// resolveMulticastAddr resolves host:port, falling back to the FNV-1 derived
// group when DNS (or mDNS) cannot resolve the name
func resolveMulticastAddr(addrStr string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", addrStr)
	if err == nil {
		return addr, nil
	}

	host, port := addrStr, "0"
	if i := strings.LastIndex(addrStr, ":"); i >= 0 {
		host, port = addrStr[:i], addrStr[i+1:]
	}
	if host == "" {
		return nil, fmt.Errorf("invalid address format: %s", addrStr)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in address %s: %w", addrStr, err)
	}

	generated := fmt.Sprintf("%s:%d", makeMaddr(host), portNum)
	log.Printf("DNS resolution failed for %s, using FNV-1 hash-generated address: %s", addrStr, generated)
	return net.ResolveUDPAddr("udp", generated)
}

// resolveInterface returns the named interface, or the first multicast
// capable one when name is empty. A missing default is not fatal.
func resolveInterface(name string) (*net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get interface %s: %w", name, err)
		}
		return iface, nil
	}
	iface, err := getDefaultInterface()
	if err != nil {
		log.Printf("Warning: could not determine default interface: %v", err)
		return nil, nil
	}
	return iface, nil
}

// NewRadiodController opens the control socket for the status group
func NewRadiodController(statusAddr *net.UDPAddr, iface *net.Interface) (*RadiodController, error) {
	conn, err := setupControlSocket(statusAddr, iface)
	if err != nil {
		return nil, fmt.Errorf("failed to create control socket: %w", err)
	}

	log.Printf("Radiod controller initialized (status: %s, iface: %v)", statusAddr, ifaceName(iface))
	return &RadiodController{
		statusAddr: statusAddr,
		conn:       conn,
		iface:      iface,
	}, nil
}

func ifaceName(iface *net.Interface) string {
	if iface == nil {
		return "default"
	}
	return iface.Name
}

// setupControlSocket creates the UDP socket used to send commands, with the
// multicast options radiod's own tools use (loop on, TTL 1, explicit interface)
func setupControlSocket(addr *net.UDPAddr, iface *net.Interface) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_LOOP, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_LOOP: %w", err)
			return
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_TTL, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_TTL: %w", err)
			return
		}
		if iface != nil {
			mreqn := syscall.IPMreqn{Ifindex: int32(iface.Index)}
			if err := syscall.SetsockoptIPMreqn(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_IF, &mreqn); err != nil {
				sockErr = fmt.Errorf("failed to set IP_MULTICAST_IF: %w", err)
				return
			}
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to control socket: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, sockErr
	}

	// Join the group even though we only send, so IGMP snooping switches
	// keep forwarding it to us
	joinGroup(ipv4.NewPacketConn(conn), addr, iface)
	return conn, nil
}

// joinGroup joins addr on iface and on loopback. Failures only warn: the
// other interface may still carry the traffic.
func joinGroup(p *ipv4.PacketConn, addr *net.UDPAddr, iface *net.Interface) {
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			log.Printf("Warning: failed to join multicast group %s on %s: %v", addr.IP, iface.Name, err)
		}
	}
	loopback, err := getLoopbackInterface()
	if err == nil && loopback != nil {
		if err := p.JoinGroup(loopback, addr); err != nil && DebugMode {
			log.Printf("DEBUG: failed to join multicast group %s on loopback: %v", addr.IP, err)
		}
	}
}

// getDefaultInterface returns the first up, non-loopback, multicast capable interface
func getDefaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		return &iface, nil
	}
	return nil, fmt.Errorf("no suitable interface found")
}

// getLoopbackInterface returns the loopback interface
func getLoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			return &iface, nil
		}
	}
	return nil, fmt.Errorf("loopback interface not found")
}

// CreateChannel asks radiod to create (or retune) an I/Q channel
func (rc *RadiodController) CreateChannel(req ChannelRequest) error {
	if err := rc.sendCommand(buildChannelCommand(req, uint32(time.Now().Unix()))); err != nil {
		return fmt.Errorf("failed to create channel SSRC %d: %w", req.SSRC, err)
	}
	log.Printf("Requested radiod channel SSRC %d at %.3f MHz (preset %s, %d Hz)",
		req.SSRC, req.FrequencyHz/1e6, req.Preset, req.SampleRate)
	return nil
}

// buildChannelCommand encodes a CMD packet. radiod applies RADIO_FREQUENCY
// before PRESET, so the order matters.
func buildChannelCommand(req ChannelRequest, commandTag uint32) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, pktTypeCmd)

	buf = encodeInt32(&buf, tagOutputSSRC, req.SSRC)
	buf = encodeDouble(&buf, tagRadioFrequency, req.FrequencyHz)
	if req.Preset != "" {
		buf = encodeString(&buf, tagPreset, req.Preset)
	}
	if req.SampleRate > 0 {
		buf = encodeInt32(&buf, tagOutputSamprate, uint32(req.SampleRate))
	}
	if req.RFGain != nil {
		buf = encodeFloat(&buf, tagRFGain, *req.RFGain)
	}
	if req.RFAGC != nil {
		var agc byte
		if *req.RFAGC {
			agc = 1
		}
		buf = encodeByte(&buf, tagRFAGC, agc)
	}
	buf = encodeInt32(&buf, tagCommandTag, commandTag)

	buf = append(buf, tagEOL)
	return buf
}

// encodeInt32 appends a TLV integer with leading zero bytes suppressed
func encodeInt32(buf *[]byte, tag byte, value uint32) []byte {
	*buf = append(*buf, tag)
	if value == 0 {
		*buf = append(*buf, 0)
		return *buf
	}

	x := uint64(value)
	length := 8
	for length > 0 && ((x >> 56) == 0) {
		x <<= 8
		length--
	}

	*buf = append(*buf, byte(length))
	for i := 0; i < length; i++ {
		*buf = append(*buf, byte(x>>56))
		x <<= 8
	}
	return *buf
}

// encodeDouble appends the IEEE 754 bits of value, leading zeros suppressed
func encodeDouble(buf *[]byte, tag byte, value float64) []byte {
	*buf = append(*buf, tag)

	bits := math.Float64bits(value)
	if bits == 0 {
		*buf = append(*buf, 0)
		return *buf
	}

	length := 8
	for length > 0 && ((bits >> 56) == 0) {
		bits <<= 8
		length--
	}

	*buf = append(*buf, byte(length))
	for i := 0; i < length; i++ {
		*buf = append(*buf, byte(bits>>56))
		bits <<= 8
	}
	return *buf
}

// encodeFloat is encodeDouble for float32
func encodeFloat(buf *[]byte, tag byte, value float32) []byte {
	*buf = append(*buf, tag)

	bits := math.Float32bits(value)
	if bits == 0 {
		*buf = append(*buf, 0)
		return *buf
	}

	length := 4
	for length > 0 && ((bits >> 24) == 0) {
		bits <<= 8
		length--
	}

	*buf = append(*buf, byte(length))
	for i := 0; i < length; i++ {
		*buf = append(*buf, byte(bits>>24))
		bits <<= 8
	}
	return *buf
}

func encodeByte(buf *[]byte, tag byte, value byte) []byte {
	*buf = append(*buf, tag, 1, value)
	return *buf
}

// encodeString appends a string, using the extended length form past 127 bytes
func encodeString(buf *[]byte, tag byte, value string) []byte {
	*buf = append(*buf, tag)

	length := len(value)
	if length < 128 {
		*buf = append(*buf, byte(length))
	} else {
		*buf = append(*buf, 0x80|2, byte(length>>8), byte(length))
	}

	*buf = append(*buf, value...)
	return *buf
}

// sendCommand writes one command packet to the status group
func (rc *RadiodController) sendCommand(cmd []byte) error {
	rc.cmdMu.Lock()
	defer rc.cmdMu.Unlock()

	if err := rc.conn.SetWriteDeadline(time.Now().Add(1 * time.Second)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	n, err := rc.conn.WriteTo(cmd, rc.statusAddr)
	if err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	if n != len(cmd) {
		return fmt.Errorf("incomplete write: sent %d of %d bytes", n, len(cmd))
	}
	return nil
}

// Close closes the control socket
func (rc *RadiodController) Close() error {
	if rc.conn != nil {
		return rc.conn.Close()
	}
	return nil
}
