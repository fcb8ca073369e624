// Package runtime provides runtime resource accounting for the engine.
package runtime

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/pkg/log"
)

// MemoryManager tracks memory attributed to redo buffers and deferred
// transactions, keeping a high-water mark the controller reports at exit.
type MemoryManager struct {
	current atomic.Int64
	peak    atomic.Int64
}

// NewMemoryManager builds an empty tracker.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

// Track records an allocation of n bytes.
func (m *MemoryManager) Track(n int64) {
	cur := m.current.Add(n)
	for {
		peak := m.peak.Load()
		if cur <= peak || m.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// Release records a deallocation of n bytes.
func (m *MemoryManager) Release(n int64) {
	m.current.Add(-n)
}

// Current returns tracked bytes in use.
func (m *MemoryManager) Current() int64 {
	return m.current.Load()
}

// Peak returns the high-water mark.
func (m *MemoryManager) Peak() int64 {
	return m.peak.Load()
}

// PrintUsageHWM logs the high-water mark plus Go heap statistics.
func (m *MemoryManager) PrintUsageHWM(lg *log.Logger) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	lg.Info(0, "memory usage high-water mark",
		zap.Int64("tracked_peak_bytes", m.Peak()),
		zap.Uint64("heap_sys_bytes", ms.HeapSys),
		zap.Uint64("heap_alloc_bytes", ms.HeapAlloc),
		zap.Uint64("total_alloc_bytes", ms.TotalAlloc),
		zap.Uint32("num_gc", ms.NumGC))
}
