package audiomixer

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ik5/audiomixer/audio"
	"github.com/ik5/audiomixer/ringbuffer"
)

// streamLoaderChunkFrames is the number of frames the loader goroutine
// decodes per read. Matches the default BufferSize so one decode roughly
// covers one audio callback.
const streamLoaderChunkFrames = 1024

// backoff between retries when the ring is full or the loader is paused.
// Short enough that resume latency stays imperceptible, long enough that a
// stalled consumer doesn't spin a goroutine at 100% CPU.
const streamLoaderBackoff = 5 * time.Millisecond

// streamLoader owns one background goroutine per streaming track
// (spec.md §4.4): it decodes ahead of playback into a bounded ring buffer,
// applying backpressure by waiting (not dropping) when the ring is full, so
// streaming never drops audio under normal conditions.
type streamLoader struct {
	src      audio.Source
	ring     *ringbuffer.Ring
	channels int
	log      logger

	paused atomic.Bool
	loop   atomic.Bool
	eof    atomic.Bool
	errMsg atomic.Pointer[string]

	// seekPending/seekFrame carry a pending seek request from the control
	// plane (control.go's cmdSeek) to this goroutine; the actual rewind and
	// fast-forward happens on the loader goroutine so it never races the
	// ring/src access run already owns.
	seekPending atomic.Bool
	seekFrame   atomic.Int64

	// produced is the number of source frames decoded (pushed to the ring
	// or discarded while fast-forwarding a seek) since src was last
	// rewound, used to work out how far a seek needs to rewind or skip.
	produced int64

	scratch []float32

	cancel context.CancelFunc
}

func newStreamLoader(src audio.Source, ring *ringbuffer.Ring, log logger) *streamLoader {
	return &streamLoader{
		src:      src,
		ring:     ring,
		channels: src.Channels(),
		log:      log,
		scratch:  make([]float32, streamLoaderChunkFrames*src.Channels()),
	}
}

func (l *streamLoader) setPaused(p bool) { l.paused.Store(p) }

// setLoop controls whether run rewinds src and keeps decoding on end-of-
// source instead of marking the loader finished (spec.md §4.4:
// "end-of-source triggers either a rewind-and-continue (if loop) or a
// terminal marker").
func (l *streamLoader) setLoop(v bool) { l.loop.Store(v) }

// seek requests that run() reposition src to targetFrame before its next
// decode, dropping whatever is currently buffered in the ring (spec.md
// §4.7: seek applies uniformly to every loaded track, streaming included).
func (l *streamLoader) seek(targetFrame int64) {
	l.seekFrame.Store(targetFrame)
	l.seekPending.Store(true)
}

// stop cancels this loader's own context, ending its goroutine without
// affecting any other track's loader (spec.md §4.7: UnloadTrack "joins
// loader thread if streaming").
func (l *streamLoader) stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// finished reports whether the source has been fully decoded and every
// decoded frame has been drained from the ring — the point at which the
// mixer should transition the track toward ending rather than waiting for
// more data.
func (l *streamLoader) finished() bool {
	return l.eof.Load() && l.ring.Buffered() == 0
}

func (l *streamLoader) failed() (string, bool) {
	if p := l.errMsg.Load(); p != nil {
		return *p, true
	}
	return "", false
}

// run is the loader goroutine body, intended to be registered with an
// errgroup.Group so the engine can wait for every streaming track's loader
// to unwind cleanly on shutdown (grounded on
// other_examples/companyzero-bisonrelay__streams.go's use of errgroup for
// stream goroutine lifecycles).
func (l *streamLoader) run(ctx context.Context) error {
	defer l.src.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if l.seekPending.Load() {
			target := l.seekFrame.Load()
			l.seekPending.Store(false)
			l.performSeek(target)
			continue
		}

		if l.paused.Load() {
			if !sleepOrDone(ctx, streamLoaderBackoff) {
				return nil
			}
			continue
		}

		if l.ring.Free() == 0 {
			if !sleepOrDone(ctx, streamLoaderBackoff) {
				return nil
			}
			continue
		}

		n, err := l.src.ReadSamples(l.scratch)
		if n > 0 {
			l.produced += int64(n / l.channels)
			if !l.pushWithBackpressure(ctx, l.scratch[:n]) {
				return nil
			}
		}

		if err == io.EOF {
			if l.loop.Load() {
				if rw, ok := l.src.(audio.Rewindable); ok {
					rw.Reset()
					l.produced = 0
					l.log.Debugf("stream loader: source exhausted, looping")
					continue
				}
				l.log.Warnf("stream loader: loop requested but source is not rewindable, ending")
			}
			l.eof.Store(true)
			l.log.Debugf("stream loader: source exhausted")
			return nil
		}
		if err != nil {
			msg := err.Error()
			l.errMsg.Store(&msg)
			l.log.Errorf("stream loader: read failed: %v", err)
			return err
		}
	}
}

// performSeek repositions src to targetFrame and drops whatever the ring
// currently holds. A backward seek needs src to be Rewindable; a forward
// seek only needs to decode-and-discard up to the target, which any Source
// supports. A backward seek on a non-rewindable source is left in place
// with a warning rather than erroring the track, matching the loader's
// other best-effort control-plane handling (setLoop on a non-rewindable
// source).
func (l *streamLoader) performSeek(targetFrame int64) {
	if targetFrame < l.produced {
		rw, ok := l.src.(audio.Rewindable)
		if !ok {
			l.log.Warnf("stream loader: seek requested on non-rewindable source, ignoring")
			return
		}
		rw.Reset()
		l.produced = 0
		l.eof.Store(false)
	}
	l.ring.Reset()

	for l.produced < targetFrame {
		want := targetFrame - l.produced
		chunk := l.scratch
		if want < int64(len(chunk)/l.channels) {
			chunk = chunk[:want*int64(l.channels)]
		}
		n, err := l.src.ReadSamples(chunk)
		l.produced += int64(n / l.channels)
		if err == io.EOF {
			l.eof.Store(true)
			return
		}
		if err != nil {
			msg := err.Error()
			l.errMsg.Store(&msg)
			l.log.Errorf("stream loader: seek read failed: %v", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// pushWithBackpressure pushes all of samples into the ring, waiting out
// backoff periods for free space rather than dropping frames. Returns false
// if ctx was canceled before everything was pushed.
func (l *streamLoader) pushWithBackpressure(ctx context.Context, samples []float32) bool {
	for len(samples) > 0 {
		n := l.ring.Push(samples)
		samples = samples[n*l.channels:]
		if len(samples) == 0 {
			return true
		}
		if !sleepOrDone(ctx, streamLoaderBackoff) {
			return false
		}
	}
	return true
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
