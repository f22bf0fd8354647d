package obs

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMonitor periodically samples host-wide CPU and memory usage,
// exposing both as gauges and as a cheap Overloaded() check the skill
// server's workers consult before running a request.
type SystemMonitor struct {
	logger     zerolog.Logger
	metrics    *Metrics
	interval   time.Duration
	rejectPct  float64
	cpuPercent atomic.Uint64 // bits of a float64, via math.Float64bits
}

// NewSystemMonitor builds a monitor that samples every interval and
// treats the process as overloaded once CPU usage exceeds rejectPct.
func NewSystemMonitor(logger zerolog.Logger, metrics *Metrics, interval time.Duration, rejectPct float64) *SystemMonitor {
	return &SystemMonitor{
		logger:    logger,
		metrics:   metrics,
		interval:  interval,
		rejectPct: rejectPct,
	}
}

// Run samples in a loop until ctx is cancelled. Intended to run in its
// own goroutine for the lifetime of the owning process.
func (s *SystemMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemMonitor) sample() {
	pct, err := cpu.Percent(0, false)
	if err != nil {
		s.logger.Warn().Err(err).Msg("system monitor: cpu sample failed")
		return
	}
	if len(pct) > 0 {
		s.storePercent(pct[0])
		if s.metrics != nil {
			s.metrics.CPUUsagePercent.Set(pct[0])
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil && s.metrics != nil {
		s.metrics.MemoryUsageBytes.Set(float64(vm.Used))
	}
}

func (s *SystemMonitor) storePercent(pct float64) {
	s.cpuPercent.Store(math.Float64bits(pct))
}

// Overloaded reports whether the most recently sampled CPU usage exceeds
// the configured reject threshold. Before any sample has run it reports
// false — a monitor cannot shed load it hasn't measured yet.
func (s *SystemMonitor) Overloaded() bool {
	bits := s.cpuPercent.Load()
	if bits == 0 {
		return false
	}
	return math.Float64frombits(bits) > s.rejectPct
}
