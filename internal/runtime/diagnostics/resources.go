package diagnostics

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the process hosting the connections.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
	GCCycles    uint64  `json:"gc_cycles"`
}

const (
	sampleCPU = iota
	sampleHeap
	sampleGoroutines
	sampleGC
)

// resourceTracker reads runtime/metrics without stopping the world, so it
// is safe to poll while frames are flowing.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	numCPU  float64

	prevCPU  float64
	prevTime time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			sampleCPU:        {Name: "/cpu/classes/total:cpu-seconds"},
			sampleHeap:       {Name: "/memory/classes/heap/objects:bytes"},
			sampleGoroutines: {Name: "/sched/goroutines:goroutines"},
			sampleGC:         {Name: "/gc/cycles/total:gc-cycles"},
		},
		numCPU: float64(runtime.NumCPU()),
	}
}

// Snapshot reports CPU use since the previous call; the first call reports 0%.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	usage := ResourceUsage{
		MemoryBytes: uint64Sample(r.samples[sampleHeap]),
		Goroutines:  int(uint64Sample(r.samples[sampleGoroutines])),
		GCCycles:    uint64Sample(r.samples[sampleGC]),
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	cpu := r.samples[sampleCPU].Value
	if cpu.Kind() != metrics.KindFloat64 {
		return usage
	}
	seconds := cpu.Float64()
	if !r.prevTime.IsZero() && r.numCPU > 0 {
		if wall := now.Sub(r.prevTime).Seconds(); wall > 0 {
			usage.CPUPercent = (seconds - r.prevCPU) / wall / r.numCPU * 100
		}
	}
	r.prevCPU, r.prevTime = seconds, now
	return usage
}

func uint64Sample(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}
