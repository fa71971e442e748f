package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// rtpMinHeader is the fixed RTP header length; the SSRC is its last word
const rtpMinHeader = 12

// Channel is one monitored frequency: its buffer, its decoder and the queue
// feeding the decoder
type Channel struct {
	Binding ChannelBinding
	Buffer  *SampleBuffer
	Decoder *StreamDecoder

	queue      chan []byte
	queueDrops atomic.Uint64
}

// ChannelStats is a point-in-time view of one channel's ingest health
type ChannelStats struct {
	Name        string  `json:"name"`
	FrequencyHz float64 `json:"frequency_hz"`
	SSRC        uint32  `json:"ssrc"`
	DecoderStats
	QueueDrops   uint64  `json:"queue_drops"`
	BufferFill   float64 `json:"buffer_fill"`
	BufferLength int     `json:"buffer_samples"`
}

// Receiver reads the shared RTP data socket, routes datagrams by SSRC to
// per-channel queues, and runs one decode worker per channel
type Receiver struct {
	dataAddr       *net.UDPAddr
	iface          *net.Interface
	receiveTimeout time.Duration
	readBuffer     int

	channels map[uint32]*Channel
	order    []uint32

	unknownSSRC atomic.Uint64
	shortFrames atomic.Uint64

	mu      sync.Mutex
	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReceiver creates a receiver with a buffer and decoder per binding. The
// socket is opened by Start.
func NewReceiver(config *ReceiverConfig, dataAddr *net.UDPAddr, iface *net.Interface, bindings []ChannelBinding) (*Receiver, error) {
	byteOrder, err := ParseByteOrder(config.PCMByteOrder)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		dataAddr:       dataAddr,
		iface:          iface,
		receiveTimeout: time.Duration(config.ReceiveTimeoutMs) * time.Millisecond,
		readBuffer:     config.ReadBufferBytes,
		channels:       make(map[uint32]*Channel, len(bindings)),
	}

	for _, b := range bindings {
		if _, dup := r.channels[b.SSRC]; dup {
			return nil, fmt.Errorf("duplicate SSRC %d for %s", b.SSRC, b.Name)
		}
		buffer, err := NewSampleBuffer(config.SampleRate, config.BufferSeconds)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", b.Name, err)
		}
		r.channels[b.SSRC] = &Channel{
			Binding: b,
			Buffer:  buffer,
			Decoder: NewStreamDecoder(b.SSRC, byteOrder, buffer),
			queue:   make(chan []byte, config.QueueDepth),
		}
		r.order = append(r.order, b.SSRC)
	}
	return r, nil
}

// Start opens the data socket and launches the reader and decode workers
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	conn, err := listenMulticast(r.dataAddr, r.iface)
	if err != nil {
		return fmt.Errorf("failed to setup data socket: %w", err)
	}
	if err := conn.SetReadBuffer(r.readBuffer); err != nil {
		log.Printf("Warning: failed to set read buffer size: %v", err)
	}
	r.conn = conn

	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	for _, ssrc := range r.order {
		ch := r.channels[ssrc]
		r.wg.Add(1)
		go r.decodeLoop(ctx, ch)
	}
	r.wg.Add(1)
	go r.receiveLoop(ctx, conn)

	log.Printf("RTP receiver listening on %s for %d channels (iface: %s)", r.dataAddr, len(r.channels), ifaceName(r.iface))
	return nil
}

// Stop cancels the workers and waits up to timeout for them to exit before
// closing the socket
func (r *Receiver) Stop(timeout time.Duration) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	conn := r.conn
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("Warning: RTP receiver workers did not exit within %v", timeout)
	}

	if conn != nil {
		conn.Close()
	}
	log.Println("RTP receiver stopped")
}

// receiveLoop reads datagrams until ctx is cancelled. The read deadline
// bounds how long a shutdown can go unnoticed.
func (r *Receiver) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	defer r.wg.Done()

	buf := make([]byte, 65536)
	var packetCount uint64
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(r.receiveTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Printf("Error reading RTP packet: %v", err)
			continue
		}
		packetCount++
		r.route(buf[:n])
	}

	if DebugMode {
		log.Printf("DEBUG: RTP receive loop exited after %d packets", packetCount)
	}
}

// route hands a copy of the datagram to the channel owning its SSRC. Frames
// for SSRCs we do not monitor are ignored; a full queue drops the frame.
func (r *Receiver) route(datagram []byte) {
	if len(datagram) < rtpMinHeader {
		r.shortFrames.Add(1)
		return
	}
	ssrc := binary.BigEndian.Uint32(datagram[8:12])
	ch, ok := r.channels[ssrc]
	if !ok {
		r.unknownSSRC.Add(1)
		return
	}

	// buf is reused by the reader
	frame := make([]byte, len(datagram))
	copy(frame, datagram)

	select {
	case ch.queue <- frame:
	default:
		ch.queueDrops.Add(1)
	}
}

func (r *Receiver) decodeLoop(ctx context.Context, ch *Channel) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ch.queue:
			ch.Decoder.Decode(frame)
		}
	}
}

// Channel returns the channel for ssrc
func (r *Receiver) Channel(ssrc uint32) (*Channel, bool) {
	ch, ok := r.channels[ssrc]
	return ch, ok
}

// Channels returns all channels in configuration order
func (r *Receiver) Channels() []*Channel {
	out := make([]*Channel, 0, len(r.order))
	for _, ssrc := range r.order {
		out = append(out, r.channels[ssrc])
	}
	return out
}

// Stats returns ingest statistics for every channel, in configuration order
func (r *Receiver) Stats() []ChannelStats {
	stats := make([]ChannelStats, 0, len(r.order))
	for _, ch := range r.Channels() {
		stats = append(stats, ch.Stats())
	}
	return stats
}

// Stats returns this channel's ingest statistics
func (ch *Channel) Stats() ChannelStats {
	return ChannelStats{
		Name:         ch.Binding.Name,
		FrequencyHz:  ch.Binding.FrequencyHz,
		SSRC:         ch.Binding.SSRC,
		DecoderStats: ch.Decoder.Stats(),
		QueueDrops:   ch.queueDrops.Load(),
		BufferFill:   ch.Buffer.Fill(),
		BufferLength: ch.Buffer.Len(),
	}
}

// UnroutedPackets returns counts of datagrams that matched no channel and
// that were too short to carry an SSRC
func (r *Receiver) UnroutedPackets() (unknownSSRC, short uint64) {
	return r.unknownSSRC.Load(), r.shortFrames.Load()
}
