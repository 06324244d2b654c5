package worker

import (
	"runtime"
	"sync"
	"time"

	"github.com/fentz26/agentpool/internal/bus"
)

// sampler reports process memory and CPU usage between consecutive samples.
type sampler struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

func newSampler() *sampler {
	return &sampler{lastCPU: cpuTime(), lastWall: time.Now()}
}

// Sample returns usage since the previous call.
func (s *sampler) Sample(now time.Time) bus.Resources {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.mu.Lock()
	defer s.mu.Unlock()
	cpu := cpuTime()
	res := bus.Resources{MemoryUsedMB: float64(ms.Sys) / (1024 * 1024)}
	if wall := now.Sub(s.lastWall); wall > 0 && cpu >= s.lastCPU {
		res.CPUPercent = float64(cpu-s.lastCPU) / float64(wall) * 100
	}
	s.lastCPU = cpu
	s.lastWall = now
	return res
}
