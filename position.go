package audiomixer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Position-callback polling intervals (spec.md §4.8). The watcher tightens
// its poll period as a target approaches so callbacks fire close to the
// requested sample-accurate instant without burning CPU while tracks are
// far from any watched position.
const (
	posPollFar   = 20 * time.Millisecond
	posPollNear  = 5 * time.Millisecond
	posPollClose = 2 * time.Millisecond

	posNearWindowSec  = 0.25
	posCloseWindowSec = 0.05

	// DefaultPositionTolerance is the tolerance applied when a caller
	// does not supply one to RegisterPositionCallback (spec.md §6).
	DefaultPositionTolerance = 0.010
)

// PositionCallback is invoked once when a track's playback position
// reaches its registered target within tolerance, receiving the track,
// the target it was registered for, and the position actually observed.
type PositionCallback func(id TrackID, targetSec, actualSec float64)

// GlobalPositionListener is invoked once per watcher tick for every active
// track, regardless of any registered per-track targets (spec.md §6).
type GlobalPositionListener func(id TrackID, positionSec float64)

type positionTarget struct {
	id        TrackID
	targetSec float64
	tolerance float64
	cb        PositionCallback
}

// positionCallbackStats backs GetPositionCallbackStats (spec.md §4.8): a
// live count of armed registrations, a count of everything that has ever
// triggered, and a rolling average of how many milliseconds late each
// trigger fired relative to its target.
type positionCallbackStats struct {
	triggeredCount   atomic.Uint64
	precisionSumMs   atomic.Uint64 // float64 bits accumulator, read via rolling average below
	precisionCountMs atomic.Uint64
}

func (s *positionCallbackStats) record(lateMs float64) {
	s.triggeredCount.Add(1)
	// Accumulate via a simple running-average CAS loop rather than a mutex,
	// since this is called from the single watcher goroutine only — no
	// contention, but atomics keep GetPositionCallbackStats lock-free.
	for {
		old := s.precisionSumMs.Load()
		oldF := math.Float64frombits(old)
		next := math.Float64bits(oldF + lateMs)
		if s.precisionSumMs.CompareAndSwap(old, next) {
			s.precisionCountMs.Add(1)
			return
		}
	}
}

func (s *positionCallbackStats) averageMs() float64 {
	n := s.precisionCountMs.Load()
	if n == 0 {
		return 0
	}
	return math.Float64frombits(s.precisionSumMs.Load()) / float64(n)
}

// PositionCallbackStats is returned by GetPositionCallbackStats.
type PositionCallbackStats struct {
	ActiveRegistrations int
	TriggeredCount      uint64
	AveragePrecisionMs  float64
}

// positionWatcher is a single background goroutine that polls every
// registered target against its track's live cursor (spec.md §4.8). It
// never touches the audio callback's state directly — only atomic loads
// of Track.cursor and a lookup through Engine.mu for track existence.
type positionWatcher struct {
	e   *Engine
	log logger

	mu       sync.Mutex
	targets  []*positionTarget
	globalID uint64
	globals  map[uint64]GlobalPositionListener

	stats positionCallbackStats
}

func newPositionWatcher(e *Engine, log logger) *positionWatcher {
	return &positionWatcher{e: e, log: log, globals: make(map[uint64]GlobalPositionListener)}
}

// watch arms a new registration. Registering the same (id, targetSec) pair
// twice keeps both; callers that want replace-semantics should Remove
// first, matching spec.md §3's registry being a plain set of records.
func (w *positionWatcher) watch(id TrackID, targetSec, toleranceSec float64, cb PositionCallback) {
	if toleranceSec <= 0 {
		toleranceSec = DefaultPositionTolerance
	}
	w.mu.Lock()
	w.targets = append(w.targets, &positionTarget{id: id, targetSec: targetSec, tolerance: toleranceSec, cb: cb})
	w.mu.Unlock()
}

// remove disarms every registration matching (id, targetSec). Disarmed
// registrations are dropped immediately rather than merely marked, which
// is equivalent from the caller's point of view since a disarmed
// registration never fires again (spec.md §4.8).
func (w *positionWatcher) remove(id TrackID, targetSec float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.targets[:0:0]
	for _, t := range w.targets {
		if t.id == id && t.targetSec == targetSec {
			continue
		}
		kept = append(kept, t)
	}
	w.targets = kept
}

// removeTrack drops every registration for id, mirroring spec.md §4.8's
// "the track is unloaded" disarm condition.
func (w *positionWatcher) removeTrack(id TrackID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.targets[:0:0]
	for _, t := range w.targets {
		if t.id != id {
			kept = append(kept, t)
		}
	}
	w.targets = kept
}

func (w *positionWatcher) clearAll() {
	w.mu.Lock()
	w.targets = nil
	w.mu.Unlock()
}

func (w *positionWatcher) addGlobal(fn GlobalPositionListener) func() {
	w.mu.Lock()
	w.globalID++
	id := w.globalID
	w.globals[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.globals, id)
		w.mu.Unlock()
	}
}

func (w *positionWatcher) clearGlobals() {
	w.mu.Lock()
	w.globals = make(map[uint64]GlobalPositionListener)
	w.mu.Unlock()
}

func (w *positionWatcher) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.targets)
}

func (w *positionWatcher) statsSnapshot() PositionCallbackStats {
	return PositionCallbackStats{
		ActiveRegistrations: w.activeCount(),
		TriggeredCount:      w.stats.triggeredCount.Load(),
		AveragePrecisionMs:  w.stats.averageMs(),
	}
}

func (w *positionWatcher) run(ctx context.Context) {
	for {
		interval := w.tick()
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// tick checks every pending target once, fires any global listeners for
// every active track, and returns the poll interval the next iteration
// should wait, based on how close the nearest unfired target now is.
func (w *positionWatcher) tick() time.Duration {
	w.mu.Lock()
	targets := w.targets
	var globals []GlobalPositionListener
	for _, fn := range w.globals {
		globals = append(globals, fn)
	}
	w.mu.Unlock()

	next := posPollFar
	live := targets[:0:0]

	for _, target := range targets {
		pos, ok := w.e.trackPositionSeconds(target.id)
		if !ok {
			// Track was unloaded; disarm per spec.md §4.8.
			continue
		}

		dist := target.targetSec - pos
		// Fire once pos has reached target-tolerance but not yet drifted
		// past target+tolerance (spec.md §9's tightened semantics: never
		// before target-tolerance).
		if pos >= target.targetSec-target.tolerance && math.Abs(pos-target.targetSec) <= target.tolerance {
			target.cb(target.id, target.targetSec, pos)
			w.stats.record(math.Abs(pos-target.targetSec) * 1000)
			continue
		}
		if dist < -target.tolerance {
			// Overshot past the tolerance window without ever landing
			// inside it (e.g. a seek jumped over it); drop it rather than
			// fire a meaningless late callback.
			continue
		}

		switch {
		case dist <= posCloseWindowSec && posPollClose < next:
			next = posPollClose
		case dist <= posNearWindowSec && posPollNear < next:
			next = posPollNear
		}
		live = append(live, target)
	}

	w.mu.Lock()
	w.targets = live
	w.mu.Unlock()

	if len(globals) > 0 {
		for _, id := range w.e.liveTrackIDs() {
			pos, ok := w.e.trackPositionSeconds(id)
			if !ok {
				continue
			}
			for _, fn := range globals {
				fn(id, pos)
			}
		}
	}

	return next
}

// trackPositionSeconds returns a track's current playback position by
// looking it up under the engine's structural mutex, then reading its
// cursor with a lock-free atomic load.
func (e *Engine) trackPositionSeconds(id TrackID) (float64, bool) {
	e.mu.Lock()
	t := e.tracks[id]
	e.mu.Unlock()
	if t == nil {
		return 0, false
	}
	return t.positionSeconds(), true
}

// liveTrackIDs returns a snapshot of every currently active (playing or
// fading) track ID, used by the watcher to drive global position
// listeners (spec.md §4.8: "for every active track").
func (e *Engine) liveTrackIDs() []TrackID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TrackID, 0, len(e.order))
	for _, id := range e.order {
		if t := e.tracks[id]; t != nil && t.st.isActive() {
			out = append(out, id)
		}
	}
	return out
}
