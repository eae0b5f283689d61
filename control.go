package audiomixer

import (
	"context"
	"io"

	"github.com/ik5/audiomixer/audio"
	"github.com/ik5/audiomixer/ringbuffer"
)

// PlayOptions configures a Play call (spec.md §6).
type PlayOptions struct {
	Loop    bool
	FadeIn  bool
	Volume  float32 // < 0 keeps the track's current target volume
	SeekSec float64 // < 0 keeps the track's current position
}

// LoadOption configures a LoadTrack/LoadStreamingTrack call.
type LoadOption func(*loadOpts)

type loadOpts struct {
	allowReplace bool
}

// WithReplace permits LoadTrack to replace an already-loaded track with
// the same ID instead of returning KindAlreadyExists.
func WithReplace() LoadOption {
	return func(o *loadOpts) { o.allowReplace = true }
}

// TrackInfo is a read-only snapshot of one track's state, returned by
// GetTrackInfo and ListTracks (spec.md §6).
type TrackInfo struct {
	ID                TrackID
	State             string
	Volume            float32
	Speed             float32
	Loop              bool
	Muted             bool
	Playing           bool
	Paused            bool
	PositionSeconds   float64
	DurationSeconds   float64
	SourceSampleRate  int
	EngineSampleRate  int
	SampleRateRatio   float64
	Streaming         bool
}

func (e *Engine) snapshotInfo(t *Track) TrackInfo {
	return TrackInfo{
		ID:               t.id,
		State:            t.st.String(),
		Volume:           t.volume,
		Speed:            t.speed,
		Loop:             t.loop,
		Muted:            t.muted,
		Playing:          t.st.isActive(),
		Paused:           t.st == statePaused,
		PositionSeconds:  t.positionSeconds(),
		DurationSeconds:  t.durationSeconds(),
		SourceSampleRate: t.sourceSampleRate,
		EngineSampleRate: e.cfg.SampleRate,
		SampleRateRatio:  t.sampleRateRatio,
		Streaming:        t.mode == modeStreaming,
	}
}

// LoadTrack fully decodes src into memory and registers it under id,
// ready to Play. Decoding happens on the calling goroutine, never on the
// audio callback (spec.md §4.4).
func (e *Engine) LoadTrack(id TrackID, src audio.Source, onComplete OnCompleteFunc, opts ...LoadOption) error {
	if err := e.checkRunning("load_track"); err != nil {
		return err
	}
	o := loadOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := drainSource(src)
	if err != nil {
		return newErr(KindDecodeFailed, "load_track", id, err)
	}

	t := newTrack(id, modePreloaded, src.SampleRate(), src.Channels(), e.cfg.SampleRate, onComplete)
	t.data = data
	t.durationFrames = int64(len(data) / src.Channels())

	return e.registerTrack(id, t, o)
}

// LoadStreamingTrack registers id as a streaming track fed by a background
// loader goroutine reading from src (spec.md §4.4). The loader is started
// immediately so the ring buffer has a head start before Play is issued.
func (e *Engine) LoadStreamingTrack(id TrackID, src audio.Source, onComplete OnCompleteFunc, opts ...LoadOption) error {
	if err := e.checkRunning("load_streaming_track"); err != nil {
		return err
	}
	if !e.cfg.EnableStreaming {
		return newErr(KindInvalidArgument, "load_streaming_track", id, nil)
	}
	o := loadOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	ringCap := e.cfg.BufferSize * e.cfg.RingCapacityMult
	ring := ringbuffer.New(ringCap, src.Channels())
	loader := newStreamLoader(src, ring, e.log)

	t := newTrack(id, modeStreaming, src.SampleRate(), src.Channels(), e.cfg.SampleRate, onComplete)
	t.ring = ring
	t.loader = loader

	if err := e.registerTrack(id, t, o); err != nil {
		return err
	}

	if e.eg != nil {
		loaderCtx, cancel := context.WithCancel(e.ctx)
		loader.cancel = cancel
		e.eg.Go(func() error { return loader.run(loaderCtx) })
	}
	return nil
}

func (e *Engine) registerTrack(id TrackID, t *Track, o loadOpts) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tracks[id]; exists && !o.allowReplace {
		return newErr(KindAlreadyExists, "load_track", id, nil)
	}
	if _, exists := e.tracks[id]; !exists && len(e.tracks) >= e.cfg.MaxTracks {
		return newErr(KindCapacityExceeded, "load_track", id, nil)
	}

	if _, exists := e.tracks[id]; !exists {
		e.order = append(e.order, id)
	}
	e.tracks[id] = t
	return nil
}

// UnloadTrack removes a track entirely, releasing its buffer and stopping
// its loader goroutine if it has one.
func (e *Engine) UnloadTrack(id TrackID) error {
	if err := e.checkRunning("unload_track"); err != nil {
		return err
	}
	e.mu.Lock()
	t, ok := e.tracks[id]
	if !ok {
		e.mu.Unlock()
		return newErr(KindNotFound, "unload_track", id, nil)
	}
	delete(e.tracks, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if e.pos != nil {
		e.pos.removeTrack(id)
	}
	if t.loader != nil {
		t.loader.stop()
	}
	return nil
}

// ClearAllTracks unloads every track, stopping all playback immediately
// (grounded on original_source's clear_all_tracks).
func (e *Engine) ClearAllTracks() {
	e.mu.Lock()
	old := e.tracks
	e.tracks = make(map[TrackID]*Track)
	e.order = nil
	e.mu.Unlock()

	for id, t := range old {
		if e.pos != nil {
			e.pos.removeTrack(id)
		}
		if t.loader != nil {
			t.loader.stop()
		}
	}
}

// checkRunning rejects any control-plane call issued before Start or after
// Shutdown (spec.md §7: KindEngineNotRunning).
func (e *Engine) checkRunning(op string) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return newErr(KindEngineNotRunning, op, "", nil)
	}
	return nil
}

func (e *Engine) send(id TrackID, c trackCmd) error {
	if err := e.checkRunning("control"); err != nil {
		return err
	}
	e.mu.Lock()
	t := e.tracks[id]
	e.mu.Unlock()
	if t == nil {
		return newErr(KindNotFound, "control", id, nil)
	}
	t.enqueue(c, e.log)
	return nil
}

// Play starts or resumes a track per opts. Fails synchronously, without
// touching any track state, if id is unknown, already playing, or the
// engine is already at its active-track cap (spec.md §4.7, I7).
func (e *Engine) Play(id TrackID, opts PlayOptions) error {
	if err := e.checkRunning("play"); err != nil {
		return err
	}
	e.mu.Lock()
	t := e.tracks[id]
	e.mu.Unlock()
	if t == nil {
		return newErr(KindNotFound, "play", id, nil)
	}
	if t.st.isActive() {
		return newErr(KindInvalidArgument, "play", id, errAlreadyPlaying)
	}
	if int(e.stats.activeTracks.Load()) >= e.cfg.MaxTracks {
		return newErr(KindCapacityExceeded, "play", id, nil)
	}

	vol := float32(-1)
	if opts.Volume >= 0 {
		vol = opts.Volume
	}
	seek := float64(-1)
	if opts.SeekSec >= 0 {
		seek = opts.SeekSec
	}
	return e.send(id, trackCmd{kind: cmdPlay, fadeIn: opts.FadeIn, loop: opts.Loop, volume: vol, seek: seek})
}

// Stop halts a track, optionally fading out first.
func (e *Engine) Stop(id TrackID, fadeOut bool) error {
	return e.send(id, trackCmd{kind: cmdStop, fadeOut: fadeOut})
}

func (e *Engine) Pause(id TrackID) error  { return e.send(id, trackCmd{kind: cmdPause}) }
func (e *Engine) Resume(id TrackID) error { return e.send(id, trackCmd{kind: cmdResume}) }

// SetVolume sets a track's target volume in [0, 1]; the mixer ramps
// current_volume toward it rather than stepping instantly.
func (e *Engine) SetVolume(id TrackID, v float32) error {
	if v < 0 || v > 1 {
		return newErr(KindInvalidArgument, "set_volume", id, nil)
	}
	return e.send(id, trackCmd{kind: cmdSetVolume, f: float64(v)})
}

// SetSpeed sets a track's playback speed multiplier (1.0 = normal).
func (e *Engine) SetSpeed(id TrackID, speed float64) error {
	if speed <= 0 {
		return newErr(KindInvalidArgument, "set_speed", id, nil)
	}
	return e.send(id, trackCmd{kind: cmdSetSpeed, f: speed})
}

func (e *Engine) SetLoop(id TrackID, loop bool) error {
	return e.send(id, trackCmd{kind: cmdSetLoop, b: loop})
}

// Seek moves a track's playback cursor to positionSec.
func (e *Engine) Seek(id TrackID, positionSec float64) error {
	if positionSec < 0 {
		return newErr(KindInvalidArgument, "seek", id, nil)
	}
	return e.send(id, trackCmd{kind: cmdSeek, f: positionSec})
}

func (e *Engine) Mute(id TrackID) error   { return e.send(id, trackCmd{kind: cmdMute}) }
func (e *Engine) Unmute(id TrackID) error { return e.send(id, trackCmd{kind: cmdUnmute}) }

// SetFadeDuration overrides a track's fade length, in seconds, for future
// fade_in/fade_out transitions (grounded on original_source's
// set_fade_duration).
func (e *Engine) SetFadeDuration(id TrackID, seconds float64) error {
	if seconds < 0 {
		return newErr(KindInvalidArgument, "set_fade_duration", id, nil)
	}
	return e.send(id, trackCmd{kind: cmdSetFadeDuration, f: seconds})
}

// Crossfade schedules a fade-out on fromID and a fade-in on toID, both over
// durationSec, with matched overlap (spec.md §4.7). toVolume < 0 means
// "omitted": toID's fade-in target is computed from match_loudness against
// fromID instead of taking a caller-supplied value.
func (e *Engine) Crossfade(fromID, toID TrackID, durationSec float64, toVolume float32, toLoop bool, method LoudnessMethod) error {
	if err := e.checkRunning("crossfade"); err != nil {
		return err
	}
	if err := e.SetFadeDuration(fromID, durationSec); err != nil {
		return err
	}
	if err := e.SetFadeDuration(toID, durationSec); err != nil {
		return err
	}
	if err := e.Stop(fromID, true); err != nil {
		return err
	}

	vol := toVolume
	if vol < 0 {
		e.mu.Lock()
		from := e.tracks[fromID]
		to := e.tracks[toID]
		e.mu.Unlock()
		if from == nil || to == nil {
			return newErr(KindNotFound, "crossfade", toID, nil)
		}
		vol = e.matchedVolume(to, from, method)
	}

	return e.Play(toID, PlayOptions{FadeIn: true, Volume: vol, Loop: toLoop})
}

// MatchLoudness scales targetID's volume so its estimated loudness matches
// referenceID's, using method (falling back to RMS for any method not
// registered via SetLoudnessAnalyzer).
func (e *Engine) MatchLoudness(targetID, referenceID TrackID, method LoudnessMethod) error {
	if err := e.checkRunning("match_loudness"); err != nil {
		return err
	}
	e.mu.Lock()
	target := e.tracks[targetID]
	reference := e.tracks[referenceID]
	e.mu.Unlock()
	if target == nil || reference == nil {
		return newErr(KindNotFound, "match_loudness", targetID, nil)
	}
	return e.SetVolume(targetID, e.matchedVolume(target, reference, method))
}

// matchedVolume computes the volume target's current volume should be
// scaled to so its estimated loudness matches reference's, using method.
// Shared by MatchLoudness and Crossfade's implicit to_volume.
func (e *Engine) matchedVolume(target, reference *Track, method LoudnessMethod) float32 {
	analyzer := e.loud.resolve(method)
	targetLevel := analyzer.Analyze(PreprocessForLoudnessMatch(target))
	refLevel := analyzer.Analyze(PreprocessForLoudnessMatch(reference))

	gain := loudnessGain(targetLevel, refLevel)
	vol := target.volume * float32(gain)
	if vol > 1 {
		vol = 1
	}
	return vol
}

// sampleWindow returns a representative slice of a track's audio for
// loudness analysis: the whole buffer for preloaded tracks, or nothing yet
// decoded for streaming tracks (analysis is skipped by returning silence,
// which loudnessGain treats as a no-op).
func sampleWindow(t *Track) []float32 {
	if t.mode == modePreloaded {
		return t.data
	}
	return nil
}

// SetLoudnessAnalyzer registers a custom implementation for method,
// overriding the RMS fallback.
func (e *Engine) SetLoudnessAnalyzer(method LoudnessMethod, a LoudnessAnalyzer) {
	e.loud.register(method, a)
}

// RegisterPositionCallback arms cb to fire once when id's playback
// position reaches targetSec, within toleranceSec (spec.md §4.8,
// §6). toleranceSec <= 0 uses DefaultPositionTolerance.
func (e *Engine) RegisterPositionCallback(id TrackID, targetSec float64, cb PositionCallback, toleranceSec float64) {
	e.pos.watch(id, targetSec, toleranceSec, cb)
}

// RemovePositionCallback disarms every registration for (id, targetSec).
func (e *Engine) RemovePositionCallback(id TrackID, targetSec float64) {
	e.pos.remove(id, targetSec)
}

// AddGlobalPositionListener arms fn to fire every watcher tick for every
// active track. The returned func unregisters it (idiomatic Go in place
// of spec.md §6's remove-by-function-identity, which Go cannot express
// for arbitrary closures).
func (e *Engine) AddGlobalPositionListener(fn GlobalPositionListener) func() {
	return e.pos.addGlobal(fn)
}

// ClearAllPositionCallbacks disarms every per-track registration and every
// global listener (spec.md §6).
func (e *Engine) ClearAllPositionCallbacks() {
	e.pos.clearAll()
	e.pos.clearGlobals()
}

// GetPositionCallbackStats reports how many registrations are still armed,
// how many have ever triggered, and the rolling average trigger precision
// in milliseconds (spec.md §4.8).
func (e *Engine) GetPositionCallbackStats() PositionCallbackStats {
	return e.pos.statsSnapshot()
}

// GetTrackInfo returns a snapshot of one track, or KindNotFound.
func (e *Engine) GetTrackInfo(id TrackID) (TrackInfo, error) {
	e.mu.Lock()
	t := e.tracks[id]
	e.mu.Unlock()
	if t == nil {
		return TrackInfo{}, newErr(KindNotFound, "get_track_info", id, nil)
	}
	return e.snapshotInfo(t), nil
}

// ListTracks returns a snapshot of every loaded track, in load order.
func (e *Engine) ListTracks() []TrackInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TrackInfo, 0, len(e.order))
	for _, id := range e.order {
		if t := e.tracks[id]; t != nil {
			out = append(out, e.snapshotInfo(t))
		}
	}
	return out
}

func (e *Engine) filterTracks(pred func(state) bool) []TrackInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []TrackInfo
	for _, id := range e.order {
		if t := e.tracks[id]; t != nil && pred(t.st) {
			out = append(out, e.snapshotInfo(t))
		}
	}
	return out
}

// GetPlayingTracks returns every track currently playing or fading.
func (e *Engine) GetPlayingTracks() []TrackInfo {
	return e.filterTracks(state.isActive)
}

// GetPausedTracks returns every paused track.
func (e *Engine) GetPausedTracks() []TrackInfo {
	return e.filterTracks(func(s state) bool { return s == statePaused })
}

// TrackCounts reports how many tracks are loaded, playing (or fading), and
// paused (spec.md §6: get_track_count()).
type TrackCounts struct {
	Loaded  int
	Playing int
	Paused  int
}

// GetTrackCount returns the current loaded/playing/paused track counts.
func (e *Engine) GetTrackCount() TrackCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := TrackCounts{Loaded: len(e.tracks)}
	for _, id := range e.order {
		t := e.tracks[id]
		if t == nil {
			continue
		}
		switch {
		case t.st.isActive():
			c.Playing++
		case t.st == statePaused:
			c.Paused++
		}
	}
	return c
}

// drainCommands applies every command queued for t since the last
// callback, in issue order, before the mixer renders it (spec.md §5).
func (e *Engine) drainCommands(t *Track) {
	for {
		select {
		case c := <-t.cmdCh:
			e.applyCommand(t, c)
		default:
			return
		}
	}
}

func (e *Engine) applyCommand(t *Track, c trackCmd) {
	switch c.kind {
	case cmdPlay:
		if c.seek >= 0 {
			t.cursor.Store(int64(c.seek * float64(t.sourceSampleRate)))
		}
		if c.volume >= 0 {
			t.volume = c.volume
		}
		t.loop = c.loop
		if c.fadeIn {
			t.fadeDirection = fadeIn
			t.fadeRemaining = t.fadeLenOrDefault(e.cfg)
			t.st = stateFadingIn
		} else {
			t.currentVolume.Store(floatBits(t.volume))
			t.st = statePlaying
		}
		if t.mode == modeStreaming {
			t.loader.setPaused(false)
			t.loader.setLoop(t.loop)
		}
	case cmdPause:
		if t.st != stateIdle {
			t.st = statePaused
		}
		if t.mode == modeStreaming {
			t.loader.setPaused(true)
		}
	case cmdResume:
		if t.st == statePaused {
			t.st = statePlaying
		}
		if t.mode == modeStreaming {
			t.loader.setPaused(false)
		}
	case cmdStop:
		if t.mode == modeStreaming {
			t.loader.setPaused(true)
		}
		if c.fadeOut {
			t.fadeDirection = fadeOut
			t.fadeRemaining = t.fadeLenOrDefault(e.cfg)
			t.st = stateFadingOut
		} else {
			e.finishTrack(t, true, "")
		}
	case cmdSetVolume:
		t.volume = float32(c.f)
	case cmdSetSpeed:
		t.speed = float32(c.f)
	case cmdSetLoop:
		t.loop = c.b
		if t.mode == modeStreaming {
			t.loader.setLoop(c.b)
		}
	case cmdSeek:
		frame := int64(c.f * float64(t.sourceSampleRate))
		t.cursor.Store(frame)
		if t.mode == modeStreaming {
			t.loader.seek(frame)
		}
	case cmdMute:
		t.muted = true
	case cmdUnmute:
		t.muted = false
	case cmdSetFadeDuration:
		t.fadeLenFrames = int32(c.f * float64(e.cfg.SampleRate))
	}
}

func (t *Track) fadeLenOrDefault(cfg *EngineConfig) int32 {
	if t.fadeLenFrames > 0 {
		return t.fadeLenFrames
	}
	return int32(cfg.fadeLengthFrames())
}

// drainSource reads every sample src has into one contiguous buffer,
// growing geometrically like resample.go's ResampleToMono16 rather than
// per-chunk, so a typical load does a handful of allocations, not one per
// read.
func drainSource(src audio.Source) ([]float32, error) {
	defer src.Close()

	buf := make([]float32, 0, src.SampleRate()*src.Channels()*2)
	chunk := make([]float32, 4096)
	for {
		n, err := src.ReadSamples(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
