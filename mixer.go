package audiomixer

import (
	"errors"
	"time"

	"github.com/ik5/audiomixer/audio"
)

// mix is the audio callback (spec.md §4.6). It must not allocate, block on
// a mutex any control-plane call might hold, or touch a file. dst holds
// room for frames*channels interleaved float32 samples; mix returns the
// number of frames it actually produced, which is always len(dst)/channels
// once the engine is running.
//
// Per callback:
//  1. drain each loaded track's command queue and apply pending commands
//  2. for each track counted as active, resample/advance into a scratch
//     buffer, adapt its channel count, and ramp its volume
//  3. sum every track's scratch buffer into dst
//  4. clip or soft-limit dst into [-1, 1]
//  5. record peak level and CPU-usage stats
//  6. publish any completion events raised while mixing
func (e *Engine) mix(dst []float32) int {
	start := time.Now()
	channels := e.cfg.Channels
	frames := len(dst) / channels

	for i := range dst {
		dst[i] = 0
	}

	scratchPtr := e.scratchPool.Get().(*[]float32)
	if cap(*scratchPtr) < frames*channels {
		grown := make([]float32, frames*channels)
		*scratchPtr = grown
	}
	scratch := (*scratchPtr)[:frames*channels]
	defer e.scratchPool.Put(scratchPtr)

	active := 0
	var underrunsThisCallback uint64

	order, tracks := e.snapshotActiveSet()

	for _, id := range order {
		t := tracks[id]
		if t == nil {
			continue
		}

		e.drainCommands(t)

		if t.st == stateIdle || t.st == statePaused {
			continue
		}

		if t.mode == modeStreaming && t.loader != nil {
			if reason, failed := t.loader.failed(); failed {
				// spec.md §4.4: "errors propagate as on_complete(false,
				// reason)" -- a mid-playback read failure ends the track
				// the same callback it's noticed, instead of leaving it
				// stalled forever with an empty ring and no completion.
				ioErr := newErr(KindIoFailed, "stream_read", t.id, errors.New(reason))
				e.finishTrack(t, false, ioErr.Error())
				continue
			}
		}

		e.renderTrack(t, scratch, frames, channels)
		if t.mode == modeStreaming && t.ring != nil {
			// The ring already counts the exact frame deficit of every Pop,
			// including partial shortfalls a full-silence check would miss
			// (ringbuffer.Ring.Pop's underruns counter). Fold in only what's
			// new since the last callback.
			cur := t.ring.Underruns()
			switch {
			case cur > t.lastRingUnderruns:
				underrunsThisCallback += cur - t.lastRingUnderruns
				t.lastRingUnderruns = cur
			case cur < t.lastRingUnderruns:
				// A seek's ring.Reset() zeroed the counter; resync rather
				// than compute a bogus negative delta.
				t.lastRingUnderruns = cur
			}
		}
		for i := 0; i < frames*channels; i++ {
			dst[i] += scratch[i]
		}

		if t.st.isActive() {
			active++
		}

		if t.st == stateEnding {
			e.finishTrack(t, true, "")
		}
	}

	peak := applyLimiter(dst, e.cfg.Limiter, e.cfg.SoftLimitThresh)

	e.stats.setTrackCounts(active, len(tracks))
	e.stats.addUnderruns(underrunsThisCallback)

	budget := time.Duration(frames) * time.Second / time.Duration(e.cfg.SampleRate)
	busy := float64(time.Since(start)) / float64(budget)
	e.stats.recordCallback(busy, peak)

	return frames
}

// snapshotActiveSet refreshes the mixer's own copy of the track map under a
// TryLock and returns it; on contention it returns the previous callback's
// snapshot unchanged rather than block the audio thread (spec.md §4.6 step
// 2, I6).
func (e *Engine) snapshotActiveSet() ([]TrackID, map[TrackID]*Track) {
	if e.mu.TryLock() {
		e.snapOrder = append(e.snapOrder[:0], e.order...)
		if e.snapTracks == nil {
			e.snapTracks = make(map[TrackID]*Track, len(e.tracks))
		} else {
			for k := range e.snapTracks {
				delete(e.snapTracks, k)
			}
		}
		for id, t := range e.tracks {
			e.snapTracks[id] = t
		}
		e.mu.Unlock()
	}
	return e.snapOrder, e.snapTracks
}

// renderTrack fills scratch[:frames*channels] with one track's contribution
// for this callback: resample from its source, adapt channel count, and
// ramp current_volume toward its target, advancing all of the track's
// mixer-owned state in place.
func (e *Engine) renderTrack(t *Track, scratch []float32, frames, channels int) int {
	srcCh := t.sourceChannels
	ratio := t.ratio()
	need := audio.RequiredSourceFrames(frames, ratio)

	srcBuf := e.borrowSourceScratch(need * srcCh)
	defer e.returnSourceScratch(srcBuf)

	got := e.fillSource(t, srcBuf, need)
	if got == 0 {
		e.zeroAndAdvanceFade(t, scratch, frames, channels)
		return 0
	}

	// A streaming track's ring.Pop already zero-filled dst out to need
	// frames on a partial read (ringbuffer.Ring.Pop), so the resampler must
	// see the full need-length buffer, not just the got real frames, or its
	// edge clamp repeats the last real sample instead of interpolating into
	// the zeros Pop wrote (spec.md §4.6 step b, glossary: Underrun).
	srcFrames := got
	if t.mode == modeStreaming {
		srcFrames = need
	}

	resampledCh := e.borrowSourceScratch(frames * srcCh)
	defer e.returnSourceScratch(resampledCh)

	consumed := t.resampler.Process((*resampledCh)[:frames*srcCh], (*srcBuf)[:srcFrames*srcCh], ratio)
	e.advanceCursor(t, consumed)

	audio.AdaptChannels(scratch[:frames*channels], (*resampledCh)[:frames*srcCh], srcCh, channels)
	e.applyVolumeRamp(t, scratch, frames, channels)
	return frames
}

// fillSource copies up to need frames of source audio into (*buf), from
// either the preloaded buffer (handling loop wraparound) or the streaming
// ring. Returns the number of frames actually available.
func (e *Engine) fillSource(t *Track, buf *[]float32, need int) int {
	ch := t.sourceChannels
	dst := (*buf)[:need*ch]

	if t.mode == modeStreaming {
		n := t.ring.Pop(dst)
		return n
	}

	cursor := t.cursor.Load()
	total := t.durationFrames
	if total == 0 {
		return 0
	}

	got := 0
	for got < need {
		if cursor >= total {
			if !t.loop {
				break
			}
			cursor = 0
		}
		remaining := int(total - cursor)
		take := need - got
		if take > remaining {
			take = remaining
		}
		copy(dst[got*ch:(got+take)*ch], t.data[cursor*int64(ch):(cursor+int64(take))*int64(ch)])
		got += take
		cursor += int64(take)
		if !t.loop && cursor >= total {
			break
		}
	}
	return got
}

// advanceCursor moves a track's playback cursor by the number of source
// frames the resampler actually consumed, wrapping for looped preloaded
// tracks and detecting natural end-of-stream.
func (e *Engine) advanceCursor(t *Track, consumed int) {
	if consumed <= 0 {
		return
	}
	cursor := t.cursor.Load() + int64(consumed)

	if t.mode == modeStreaming {
		t.cursor.Store(cursor)
		if t.loader.finished() {
			e.beginEnding(t)
		}
		return
	}

	if t.loop {
		if t.durationFrames > 0 {
			cursor %= t.durationFrames
		}
		t.cursor.Store(cursor)
		return
	}

	t.cursor.Store(cursor)
	if cursor >= t.durationFrames {
		e.beginEnding(t)
	}
}

// applyVolumeRamp advances current_volume one linear step per frame toward
// the track's target, driving fade_in/fade_out/ending transitions as the
// ramp completes (spec.md §4.5).
func (e *Engine) applyVolumeRamp(t *Track, buf []float32, frames, channels int) {
	target := t.volume
	if t.muted {
		target = 0
	}

	for i := 0; i < frames; i++ {
		cur := bitsFloat(t.currentVolume.Load())

		switch t.fadeDirection {
		case fadeOut:
			if t.fadeRemaining > 0 {
				step := cur / float32(t.fadeRemaining)
				cur -= step
				t.fadeRemaining--
				if cur < 0 || t.fadeRemaining == 0 {
					cur = 0
				}
			}
			if cur <= 0 && t.fadeRemaining <= 0 {
				cur = 0
				t.fadeDirection = fadeNone
				e.beginEnding(t)
			}
		case fadeIn:
			if t.fadeRemaining > 0 {
				step := (target - cur) / float32(t.fadeRemaining)
				cur += step
				t.fadeRemaining--
				if t.fadeRemaining == 0 {
					cur = target
				}
			}
			if t.fadeRemaining <= 0 {
				t.fadeDirection = fadeNone
			}
		default:
			// No fade_in/fade_out in progress, but current_volume still
			// ramps toward target rather than snapping (spec.md §3: used
			// by set_volume and mute/unmute). A fixed per-frame step
			// reaches target within one default fade length.
			step := 1.0 / float32(t.rampFrames(e.cfg))
			if cur < target {
				cur += step
				if cur > target {
					cur = target
				}
			} else if cur > target {
				cur -= step
				if cur < target {
					cur = target
				}
			}
		}

		t.currentVolume.Store(floatBits(cur))
		for c := 0; c < channels; c++ {
			buf[i*channels+c] *= cur
		}
	}
}

// zeroAndAdvanceFade silences a callback's worth of a track that has no
// source data ready (e.g. a streaming track caught up to its loader) while
// still letting any in-flight fade-out reach zero and finish the track.
func (e *Engine) zeroAndAdvanceFade(t *Track, scratch []float32, frames, channels int) {
	for i := 0; i < frames*channels; i++ {
		scratch[i] = 0
	}
	if t.fadeDirection == fadeOut {
		e.applyVolumeRamp(t, scratch, frames, channels)
	}
}

// beginEnding marks a track as having reached the end of its natural
// content; mix() finalizes it (publishes on_complete, resets to idle)
// after this callback's summation so the ended buffer still contributes
// its tail.
func (e *Engine) beginEnding(t *Track) {
	if t.st == stateEnding {
		return
	}
	t.st = stateEnding
}

func (e *Engine) finishTrack(t *Track, success bool, errMsg string) {
	t.st = stateIdle
	t.cursor.Store(0)
	t.currentVolume.Store(floatBits(0))
	t.fadeDirection = fadeNone
	e.bus.publish(completionEvent{id: t.id, success: success, errMsg: errMsg, onComplete: t.onComplete})
}

// applyLimiter keeps dst within [-1, 1] using either independent per-sample
// clipping or a whole-buffer gain reduction, and returns the peak absolute
// sample value observed before limiting.
func applyLimiter(dst []float32, mode LimitMode, softThresh float32) float32 {
	var peak float32
	for _, s := range dst {
		a := s
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}

	switch mode {
	case LimitSoft:
		if peak > softThresh && peak > 0 {
			gain := softThresh / peak
			for i := range dst {
				dst[i] *= gain
			}
		}
	default:
		for i, s := range dst {
			if s > 1 {
				dst[i] = 1
			} else if s < -1 {
				dst[i] = -1
			}
		}
	}
	return peak
}
