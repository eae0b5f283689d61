package audiomixer

import (
	"math"
	"sync/atomic"

	"github.com/decred/slog"

	"github.com/ik5/audiomixer/audio"
	"github.com/ik5/audiomixer/ringbuffer"
)

// logger is the subset of slog.Logger every internal subsystem logs
// through; engine.go wires EngineConfig.log into each of them.
type logger = slog.Logger

// TrackID is an opaque, caller-supplied identifier, unique within an
// Engine at any one time (spec.md §3).
type TrackID string

// trackMode distinguishes a fully preloaded buffer from one fed by a
// background streaming loader (spec.md §3).
type trackMode int

const (
	modePreloaded trackMode = iota
	modeStreaming
)

// state is the track state machine of spec.md §4.5.
type state int32

const (
	stateIdle state = iota
	statePlaying
	statePaused
	stateFadingIn
	stateFadingOut
	stateEnding
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePlaying:
		return "playing"
	case statePaused:
		return "paused"
	case stateFadingIn:
		return "fading_in"
	case stateFadingOut:
		return "fading_out"
	case stateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// isActive reports whether s counts toward spec.md I7's active-track cap:
// playing, fading_in, fading_out, or ending.
func (s state) isActive() bool {
	switch s {
	case statePlaying, stateFadingIn, stateFadingOut, stateEnding:
		return true
	default:
		return false
	}
}

// fadeDir identifies which way a volume ramp is moving.
type fadeDir int32

const (
	fadeNone fadeDir = iota
	fadeIn
	fadeOut
)

// OnCompleteFunc is invoked once per natural end, stop, or load failure
// (spec.md §6). It is always delivered from the internal event dispatcher,
// never from the audio callback (spec.md §9).
type OnCompleteFunc func(id TrackID, success bool, errMsg string)

// cmdKind enumerates the per-track control-plane operations that must be
// applied by the mixer at callback entry, in issue order (spec.md §5: "For
// the same track, control operations are serialized in issue order by a
// per-track command queue drained at callback entry").
type cmdKind int

const (
	cmdPlay cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdSetVolume
	cmdSetSpeed
	cmdSetLoop
	cmdSeek
	cmdMute
	cmdUnmute
	cmdSetFadeDuration
)

type trackCmd struct {
	kind cmdKind

	// play
	fadeIn bool
	loop   bool
	seek   float64 // seconds, -1 = unset
	volume float32 // -1 = unset

	// stop
	fadeOut bool

	// setVolume / setSpeed / setLoop / seek / setFadeDuration
	f float64
	b bool
}

// Track holds everything the mixer and control plane need to know about one
// loaded source (spec.md §3). Fields below are grouped by who is allowed to
// write them: immutable-after-load fields are set once by loadTrack; the
// mixer goroutine exclusively owns cursor/currentVolume/fadeRemaining/
// resampler state; the control plane only ever writes through cmdCh.
type Track struct {
	id TrackID

	mode             trackMode
	sourceSampleRate int
	sourceChannels   int
	durationFrames   int64 // at source rate; may be an estimate for streaming
	sampleRateRatio  float64

	// preloaded storage; immutable and read-shared by the mixer without
	// locks once loadTrack publishes the track (spec.md §5).
	data []float32

	// streaming storage
	ring   *ringbuffer.Ring
	loader *streamLoader

	// lastRingUnderruns is the mixer's last-observed value of
	// ring.Underruns(), used to fold the ring's exact per-Pop deficit count
	// into PerformanceStats as a delta rather than double-accounting it.
	lastRingUnderruns uint64

	// mixer-owned playback state (spec.md §5: "mixer-owned state (cursor,
	// current_volume) is read by watcher ... with acquire loads").
	cursor        atomic.Int64
	currentVolume atomic.Uint32 // float32 bits
	fadeRemaining int32
	fadeDirection fadeDir
	fadeLenFrames int32

	st state

	speed  float32
	loop   bool
	muted  bool
	volume float32 // target volume the mixer ramps current_volume toward; unaffected by mute, which zeroes the ramp target via the muted flag instead (round-trips exactly on unmute)

	resampler *audio.LinearResampler

	onComplete OnCompleteFunc

	// cmdCh is the per-track command queue (spec.md §5). Depth is small:
	// commands are control intents, not audio data, and the mixer drains
	// it every callback.
	cmdCh chan trackCmd
}

func newTrack(id TrackID, mode trackMode, srcRate, srcChannels int, dstRate int, onComplete OnCompleteFunc) *Track {
	t := &Track{
		id:               id,
		mode:             mode,
		sourceSampleRate: srcRate,
		sourceChannels:   srcChannels,
		sampleRateRatio:  float64(srcRate) / float64(dstRate),
		speed:            1.0,
		volume:           1.0,
		st:               stateIdle,
		resampler:        audio.NewLinearResampler(srcChannels),
		onComplete:       onComplete,
		cmdCh:            make(chan trackCmd, 16),
	}
	t.currentVolume.Store(floatBits(0))
	return t
}

// ratio folds the track's sample-rate conversion and current playback
// speed into the single factor LinearResampler.Process expects (spec.md
// §9's resolved Open Question: advance = B * (R_src/R_out) * speed).
func (t *Track) ratio() float64 {
	return t.sampleRateRatio * float64(t.speed)
}

func (t *Track) positionSeconds() float64 {
	return float64(t.cursor.Load()) / float64(t.sourceSampleRate)
}

func (t *Track) durationSeconds() float64 {
	return float64(t.durationFrames) / float64(t.sourceSampleRate)
}

// enqueue submits a command to the track's queue. Non-blocking: a full
// queue drops the command and logs a warning, matching the
// drop-and-warn backpressure policy grounded on
// other_examples/companyzero-bisonrelay__streams.go's PlaybackStream.Input.
func (t *Track) enqueue(c trackCmd, log logger) {
	select {
	case t.cmdCh <- c:
	default:
		log.Warnf("track %s: command queue full, dropping command kind=%d", t.id, c.kind)
	}
}

// rampFrames returns how many frames a non-fade current_volume ramp (e.g.
// from set_volume or mute/unmute) should take to reach its target,
// defaulting to the configured fade length (spec.md §3).
func (t *Track) rampFrames(cfg *EngineConfig) int32 {
	if t.fadeLenFrames > 0 {
		return t.fadeLenFrames
	}
	return int32(cfg.fadeLengthFrames())
}

func floatBits(f float32) uint32 { return math.Float32bits(f) }
func bitsFloat(b uint32) float32 { return math.Float32frombits(b) }
