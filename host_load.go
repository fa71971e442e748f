package main

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

// hostLoadHistoryMinutes is how many minute means are kept
const hostLoadHistoryMinutes = 60

// HostLoad is a system load average reading, or the mean of a minute of them
type HostLoad struct {
	Load1Min  float64   `json:"load_1min"`
	Load5Min  float64   `json:"load_5min"`
	Load15Min float64   `json:"load_15min"`
	Status    string    `json:"status"` // "ok", "warning", "critical"
	Timestamp time.Time `json:"timestamp"`
}

// HostLoadTracker samples the host load average and keeps an hour of
// minute means
type HostLoadTracker struct {
	cpuCores int
	interval time.Duration
	read     func() (*load.AvgStat, error)

	mu      sync.Mutex
	samples []HostLoad // current minute
	latest  *HostLoad
	history *history[HostLoad] // minute means
}

// NewHostLoadTracker creates a tracker sampling every interval
func NewHostLoadTracker(interval time.Duration) *HostLoadTracker {
	cores, err := cpu.Counts(true)
	if err != nil {
		log.Printf("Warning: could not count CPUs, host load status disabled: %v", err)
	}
	return &HostLoadTracker{
		cpuCores: cores,
		interval: interval,
		read:     load.Avg,
		history:  newHistory[HostLoad](hostLoadHistoryMinutes),
	}
}

// Start samples until ctx is cancelled
func (t *HostLoadTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		log.Printf("Host load tracker started (CPU cores: %d, interval %v)", t.cpuCores, t.interval)
		t.sample(time.Now())
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.sample(now)
			}
		}
	}()
}

func (t *HostLoadTracker) sample(now time.Time) {
	avg, err := t.read()
	if err != nil {
		if DebugMode {
			log.Printf("DEBUG: failed to read load average: %v", err)
		}
		return
	}
	t.add(avg.Load1, avg.Load5, avg.Load15, now)
}

// add records one reading. The first reading of a new minute closes the
// previous minute into the history.
func (t *HostLoadTracker) add(load1, load5, load15 float64, now time.Time) {
	s := HostLoad{
		Load1Min:  load1,
		Load5Min:  load5,
		Load15Min: load15,
		Status:    loadStatus((load1+load5+load15)/3, t.cpuCores),
		Timestamp: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) > 0 && !t.samples[0].Timestamp.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
		t.history.add(meanLoad(t.samples))
		t.samples = t.samples[:0]
	}
	t.samples = append(t.samples, s)
	t.latest = &s
}

// Latest returns the most recent reading, nil before the first one
func (t *HostLoadTracker) Latest() *HostLoad {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	l := *t.latest
	return &l
}

// History returns up to an hour of minute means, oldest first
func (t *HostLoadTracker) History() []HostLoad {
	if t == nil {
		return nil
	}
	return t.history.latest(0)
}

// loadStatus compares the load with the core count: warning from one
// runnable task per core, critical from two
func loadStatus(avgLoad float64, cores int) string {
	switch {
	case cores <= 0:
		return "ok"
	case avgLoad >= float64(cores)*2:
		return "critical"
	case avgLoad >= float64(cores):
		return "warning"
	}
	return "ok"
}

// meanLoad averages samples, keeping the most severe status
func meanLoad(samples []HostLoad) HostLoad {
	var sum1, sum5, sum15 float64
	status := "ok"
	for _, s := range samples {
		sum1 += s.Load1Min
		sum5 += s.Load5Min
		sum15 += s.Load15Min
		switch {
		case s.Status == "critical":
			status = "critical"
		case s.Status == "warning" && status == "ok":
			status = "warning"
		}
	}
	n := float64(len(samples))
	return HostLoad{
		Load1Min:  math.Round(sum1/n*100) / 100,
		Load5Min:  math.Round(sum5/n*100) / 100,
		Load15Min: math.Round(sum15/n*100) / 100,
		Status:    status,
		Timestamp: samples[len(samples)-1].Timestamp.Truncate(time.Minute),
	}
}
