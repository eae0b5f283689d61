// Package ringbuffer provides a fixed-capacity, single-producer/
// single-consumer frame queue for streaming audio. One loader goroutine
// pushes decoded frames; the mixer callback is the sole consumer. No locks
// are taken on the hot path — head and tail are synchronized with atomic
// loads/stores, which give the happens-before ordering Go's memory model
// specifies for atomic operations (the Go analogue of explicit
// acquire/release tags).
package ringbuffer

import "sync/atomic"

// Ring is a bounded queue of interleaved float32 frames. Capacity is fixed
// at construction, exactly as requested (minimum 1); frames (not raw samples) are
// the unit of push/pop so multi-channel audio never tears mid-frame.
type Ring struct {
	channels int
	capacity int // frames
	buf      []float32

	head atomic.Uint64 // next write position, frames, producer-owned
	tail atomic.Uint64 // next read position, frames, consumer-owned

	underruns atomic.Uint64
	starving  atomic.Bool
}

// New returns a Ring able to hold capacityFrames frames of channels
// interleaved float32 samples each.
func New(capacityFrames, channels int) *Ring {
	if capacityFrames < 1 {
		capacityFrames = 1
	}
	return &Ring{
		channels: channels,
		capacity: capacityFrames,
		buf:      make([]float32, capacityFrames*channels),
	}
}

// Capacity returns the queue's fixed capacity in frames.
func (r *Ring) Capacity() int { return r.capacity }

// Buffered returns the number of frames currently queued.
func (r *Ring) Buffered() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int(head - tail)
}

// Free returns the number of frames that can still be pushed before the
// ring is full.
func (r *Ring) Free() int {
	return r.capacity - r.Buffered()
}

// Push writes as many whole frames from src as fit without overwriting
// unread data. src holds frames*channels interleaved samples. Push returns
// the number of frames actually written, which may be less than requested
// when the ring is full. Producer-only; must not be called concurrently
// with another Push.
func (r *Ring) Push(src []float32) (framesWritten int) {
	ch := r.channels
	n := len(src) / ch

	head := r.head.Load()
	tail := r.tail.Load()
	free := r.capacity - int(head-tail)
	if n > free {
		n = free
	}

	for i := 0; i < n; i++ {
		idx := (int(head) + i) % r.capacity
		copy(r.buf[idx*ch:idx*ch+ch], src[i*ch:i*ch+ch])
	}

	if n > 0 {
		r.head.Store(head + uint64(n))
	}
	return n
}

// Pop reads up to len(dst)/channels frames into dst. When fewer frames are
// available than requested, Pop copies what it has, zero-fills the
// remainder of dst, marks the ring as starving, and increments the
// underrun counter by the number of missing frames — the mixer is expected
// to treat the zero-filled tail as silence for that callback. Consumer-only;
// must not be called concurrently with another Pop.
func (r *Ring) Pop(dst []float32) (framesRead int) {
	ch := r.channels
	want := len(dst) / ch

	head := r.head.Load()
	tail := r.tail.Load()
	available := int(head - tail)

	n := want
	if n > available {
		n = available
	}

	for i := 0; i < n; i++ {
		idx := (int(tail) + i) % r.capacity
		copy(dst[i*ch:i*ch+ch], r.buf[idx*ch:idx*ch+ch])
	}

	if n > 0 {
		r.tail.Store(tail + uint64(n))
	}

	deficit := want - n
	if deficit > 0 {
		for i := n * ch; i < want*ch; i++ {
			dst[i] = 0
		}
		r.starving.Store(true)
		r.underruns.Add(uint64(deficit))
	} else {
		r.starving.Store(false)
	}

	return n
}

// Starving reports whether the most recent Pop had to zero-fill a deficit.
func (r *Ring) Starving() bool { return r.starving.Load() }

// Underruns returns the cumulative number of frames that Pop has had to
// zero-fill since the ring was created.
func (r *Ring) Underruns() uint64 { return r.underruns.Load() }

// Reset drops all buffered data and clears statistics. Must only be called
// when neither the producer nor the consumer is concurrently accessing the
// ring (e.g. while a streaming track is paused at a seek boundary).
func (r *Ring) Reset() {
	r.head.Store(0)
	r.tail.Store(0)
	r.underruns.Store(0)
	r.starving.Store(false)
}
