package main

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SampleBuffer is a bounded FIFO of I/Q samples for one channel.
// When full, the oldest samples are overwritten. Samples are stored as
// complex64 (the wire carries 16-bit PCM, so no precision is lost) and
// returned as complex128 for the DSP code.
type SampleBuffer struct {
	mu         sync.Mutex
	data       []complex64
	head       int // index of the oldest sample
	count      int
	sampleRate int
}

// NewSampleBuffer creates a buffer holding seconds worth of samples at sampleRate
func NewSampleBuffer(sampleRate int, seconds float64) (*SampleBuffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if seconds <= 0 {
		return nil, fmt.Errorf("buffer duration must be positive, got %v", seconds)
	}
	capacity := int(math.Round(float64(sampleRate) * seconds))
	if capacity < 1 {
		capacity = 1
	}
	return &SampleBuffer{
		data:       make([]complex64, capacity),
		sampleRate: sampleRate,
	}, nil
}

// Push appends samples, evicting the oldest ones once capacity is reached
func (b *SampleBuffer) Push(samples []complex64) {
	if len(samples) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.data)
	// Only the newest capacity samples can survive
	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}

	tail := (b.head + b.count) % capacity
	for _, s := range samples {
		b.data[tail] = s
		tail++
		if tail == capacity {
			tail = 0
		}
	}

	b.count += len(samples)
	if b.count > capacity {
		b.head = (b.head + b.count - capacity) % capacity
		b.count = capacity
	}
}

// Read returns up to duration worth of the most recent samples, oldest first.
// A non-positive duration returns everything buffered. With drain set the
// returned samples are removed; otherwise the buffer is left intact and later
// reads may overlap this one. An empty buffer yields an empty slice.
func (b *SampleBuffer) Read(duration time.Duration, drain bool) []complex128 {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if duration > 0 {
		want := int(math.Round(duration.Seconds() * float64(b.sampleRate)))
		if want < n {
			n = want
		}
	}

	out := make([]complex128, n)
	capacity := len(b.data)
	start := (b.head + b.count - n) % capacity
	for i := 0; i < n; i++ {
		out[i] = complex128(b.data[(start+i)%capacity])
	}

	if drain {
		b.count -= n
	}
	return out
}

// Len returns the number of buffered samples
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity in samples
func (b *SampleBuffer) Cap() int {
	return len(b.data)
}

// Fill returns the fraction of capacity in use, 0..1
func (b *SampleBuffer) Fill() float64 {
	return float64(b.Len()) / float64(len(b.data))
}

// SampleRate returns the rate used to convert durations to sample counts
func (b *SampleBuffer) SampleRate() int {
	return b.sampleRate
}
