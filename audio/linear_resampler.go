package audio

// LinearResampler converts a fixed block of interleaved source frames to a
// fixed number of destination frames using linear interpolation. Unlike
// Resampler, it never reads from a Source itself and never allocates: the
// caller owns both buffers. This is the audio-thread-safe fast path; the
// mixer callback is the only place that should construct or drive one.
//
// Ratio is src_rate/dst_rate folded with any playback-speed multiplier by
// the caller before each call (see the root package's mix callback).
type LinearResampler struct {
	channels int

	// cursorFrac is the fractional position within the current source
	// block, always in [0, 1). It is carried across calls so consecutive
	// blocks interpolate seamlessly across a block boundary.
	cursorFrac float64
}

// NewLinearResampler returns a resampler for interleaved audio with the
// given channel count. The fractional cursor starts at zero.
func NewLinearResampler(channels int) *LinearResampler {
	return &LinearResampler{channels: channels}
}

// Reset zeroes the fractional cursor, e.g. after a seek.
func (r *LinearResampler) Reset() {
	r.cursorFrac = 0
}

// Process reads interpolated frames from src and writes exactly
// len(dst)/channels frames into dst. src must hold at least
// RequiredSourceFrames(len(dst)/channels, ratio) frames starting at the
// current source cursor; positions past the last available source frame
// are clamped to it (spec: clamp-and-signal-underflow at buffer edges).
//
// Process returns the number of whole source frames the caller should
// advance its real source cursor by before the next call, with the
// fractional remainder retained internally as the new cursorFrac.
//
// When ratio is exactly 1.0 and the fractional cursor is exactly 0, this
// degenerates to a copy of the first len(dst)/channels frames of src —
// asserted by TestLinearResampler_IdentityIsMemcpy.
func (r *LinearResampler) Process(dst, src []float32, ratio float64) (framesConsumed int) {
	ch := r.channels
	srcFrames := len(src) / ch
	dstFrames := len(dst) / ch

	for i := 0; i < dstFrames; i++ {
		pos := r.cursorFrac + float64(i)*ratio
		i0 := int(pos)
		frac := float32(pos - float64(i0))

		i1 := i0 + 1
		switch {
		case i0 >= srcFrames-1:
			i0 = srcFrames - 1
			if i0 < 0 {
				i0 = 0
			}
			i1 = i0
			frac = 0
		case i0 < 0:
			i0, i1, frac = 0, 0, 0
		}

		for c := 0; c < ch; c++ {
			a := src[i0*ch+c]
			b := src[i1*ch+c]
			dst[i*ch+c] = a + (b-a)*frac
		}
	}

	total := r.cursorFrac + float64(dstFrames)*ratio
	whole := float64(int(total))
	r.cursorFrac = total - whole
	return int(whole)
}

// RequiredSourceFrames returns how many source frames must be available to
// produce dstFrames output frames at the given ratio, including the one
// extra trailing frame linear interpolation needs (spec: ceil(B*ρ)+1).
func RequiredSourceFrames(dstFrames int, ratio float64) int {
	exact := float64(dstFrames) * ratio
	n := int(exact)
	if float64(n) < exact {
		n++
	}
	return n + 1
}
