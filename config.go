package audiomixer

import (
	"github.com/decred/slog"

	"github.com/ik5/audiomixer/audio"
)

// Latency is the stream-latency class recorded in EngineConfig (spec.md
// §3). The oto-backed output device does not receive it: every latency
// class opens the same stream.
type Latency int

const (
	LatencyLow Latency = iota
	LatencyMedium
	LatencyHigh
)

func (l Latency) String() string {
	switch l {
	case LatencyLow:
		return "low"
	case LatencyMedium:
		return "medium"
	case LatencyHigh:
		return "high"
	default:
		return "low"
	}
}

// LimitMode selects how the mixer keeps the summed output buffer within
// [-1, 1] (spec.md §9: clip vs soft-limit).
type LimitMode int

const (
	// LimitHardClip clamps every sample independently. This is the
	// default and the behavior spec.md §8's boundary tests assume.
	LimitHardClip LimitMode = iota
	// LimitSoft scales the whole buffer down when its peak exceeds the
	// threshold, preserving relative levels across channels (grounded on
	// original_source's AudioProcessor.soft_limiter_inplace).
	LimitSoft
)

// EngineConfig holds the engine's immutable-after-construction parameters
// (spec.md §3).
type EngineConfig struct {
	SampleRate       int
	BufferSize       int
	Channels         int
	MaxTracks        int
	Device           *int
	StreamLatency    Latency
	EnableStreaming  bool
	Limiter          LimitMode
	SoftLimitThresh  float32
	FadeLength       int // output frames, default computed from SampleRate
	RingCapacityMult int // ring capacity = RingCapacityMult * BufferSize, min per spec.md §4.3 is 4

	// ExtraDecoders overlays or extends the engine's default file-extension
	// -> audio.Decoder registry, used by LoadTrackSource/
	// LoadStreamingTrackSource's FileSource variant.
	ExtraDecoders map[string]audio.Decoder

	log slog.Logger
}

// Option configures an EngineConfig. Each option validates and clamps its
// argument, mirroring the defaulting/validation role
// jscyril-gtmpc/internal/config.GetDefaultConfig plays for its JSON config
// — there is no file to load here (spec.md §6: no persisted state), only
// construction-time defaults.
type Option func(*EngineConfig)

func defaultConfig() *EngineConfig {
	return &EngineConfig{
		SampleRate:       48000,
		BufferSize:       1024,
		Channels:         2,
		MaxTracks:        32,
		StreamLatency:    LatencyLow,
		EnableStreaming:  true,
		Limiter:          LimitHardClip,
		SoftLimitThresh:  0.98,
		RingCapacityMult: 4,
		log:              slog.Disabled,
	}
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(hz int) Option {
	return func(c *EngineConfig) {
		if hz > 0 {
			c.SampleRate = hz
		}
	}
}

// WithBufferSize sets the number of frames produced per audio callback.
func WithBufferSize(frames int) Option {
	return func(c *EngineConfig) {
		if frames > 0 {
			c.BufferSize = frames
		}
	}
}

// WithChannels sets the output channel count (1 or 2).
func WithChannels(n int) Option {
	return func(c *EngineConfig) {
		if n == 1 || n == 2 {
			c.Channels = n
		}
	}
}

// WithMaxTracks sets the maximum number of simultaneously loaded tracks.
func WithMaxTracks(n int) Option {
	return func(c *EngineConfig) {
		if n > 0 {
			c.MaxTracks = n
		}
	}
}

// WithDevice records an output device ID in EngineConfig.Device. The
// oto-backed output device ignores it and always plays through the host's
// default device.
func WithDevice(id int) Option {
	return func(c *EngineConfig) { c.Device = &id }
}

// WithStreamLatency records the latency class in EngineConfig; the output
// device is opened the same way whichever class is set.
func WithStreamLatency(l Latency) Option {
	return func(c *EngineConfig) { c.StreamLatency = l }
}

// WithStreaming enables or disables streaming-track support.
func WithStreaming(enabled bool) Option {
	return func(c *EngineConfig) { c.EnableStreaming = enabled }
}

// WithLimiter selects the output limiting strategy.
func WithLimiter(mode LimitMode) Option {
	return func(c *EngineConfig) { c.Limiter = mode }
}

// WithDecoder registers dec for file extension ext (without the leading
// dot), overriding or extending the engine's default wav/mp3/ogg/aiff
// decoders for LoadTrackSource/LoadStreamingTrackSource's FileSource
// variant.
func WithDecoder(ext string, dec audio.Decoder) Option {
	return func(c *EngineConfig) {
		if c.ExtraDecoders == nil {
			c.ExtraDecoders = make(map[string]audio.Decoder)
		}
		c.ExtraDecoders[ext] = dec
	}
}

// WithLogger wires a structured logger (github.com/decred/slog); every
// subsystem (loader, watcher, control plane, device) logs through it.
// Defaults to slog.Disabled.
func WithLogger(l slog.Logger) Option {
	return func(c *EngineConfig) {
		if l != nil {
			c.log = l
		}
	}
}

func (c *EngineConfig) fadeLengthFrames() int {
	if c.FadeLength > 0 {
		return c.FadeLength
	}
	// 75ms, the midpoint of spec.md §4.5's "typical 50-100ms".
	return c.SampleRate * 75 / 1000
}
