package audiomixer

import (
	"math"
	"sync/atomic"
)

// PerformanceStats is a point-in-time snapshot returned by Engine.Stats
// (spec.md §6). The live counters it is built from are updated by the
// mixer at the end of every callback and read with plain atomic loads, so
// a snapshot never blocks on or contends with the audio thread.
type PerformanceStats struct {
	CPUUsage     float64 // EWMA of callback wall time / callback budget, [0, +inf)
	PeakLevel    float32 // peak abs sample value observed in the last callback
	ActiveTracks int
	TotalTracks  int
	Underruns    uint64
}

// liveStats holds the atomic counters the mixer updates every callback.
type liveStats struct {
	cpuUsageBits atomic.Uint64 // float64 bits, EWMA
	peakBits     atomic.Uint32 // float32 bits
	activeTracks atomic.Int32
	totalTracks  atomic.Int32
	underruns    atomic.Uint64
}

// cpuEWMAAlpha is the smoothing factor for the CPU-usage moving average,
// matching the constant the original Python AudioProcessor.update_cpu_usage
// used for its own EWMA.
const cpuEWMAAlpha = 0.2

func (s *liveStats) recordCallback(busyRatio float64, peak float32) {
	prev := math.Float64frombits(s.cpuUsageBits.Load())
	next := cpuEWMAAlpha*busyRatio + (1-cpuEWMAAlpha)*prev
	s.cpuUsageBits.Store(math.Float64bits(next))
	s.peakBits.Store(math.Float32bits(peak))
}

func (s *liveStats) addUnderruns(n uint64) {
	if n > 0 {
		s.underruns.Add(n)
	}
}

func (s *liveStats) setTrackCounts(active, total int) {
	s.activeTracks.Store(int32(active))
	s.totalTracks.Store(int32(total))
}

func (s *liveStats) snapshot() PerformanceStats {
	return PerformanceStats{
		CPUUsage:     math.Float64frombits(s.cpuUsageBits.Load()),
		PeakLevel:    math.Float32frombits(s.peakBits.Load()),
		ActiveTracks: int(s.activeTracks.Load()),
		TotalTracks:  int(s.totalTracks.Load()),
		Underruns:    s.underruns.Load(),
	}
}
