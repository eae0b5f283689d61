package audio

// AdaptChannels maps src (srcCh interleaved channels) into dst (dstCh
// interleaved channels), covering the three policies spec.md §4.2
// requires: mono→stereo duplicates the single channel into both outputs,
// stereo→mono averages the two channels, and srcCh == dstCh is a straight
// copy. Any other combination averages all source channels into every
// destination channel. len(dst) must equal
// frames*dstCh and len(src) must equal frames*srcCh for the same frames.
//
// AdaptChannels never allocates; dst and src may alias only when
// srcCh == dstCh (in which case it is a no-op copy).
func AdaptChannels(dst, src []float32, srcCh, dstCh int) {
	switch {
	case srcCh == dstCh:
		copy(dst, src)
	case srcCh == 1 && dstCh == 2:
		frames := len(src)
		for i := 0; i < frames; i++ {
			dst[2*i] = src[i]
			dst[2*i+1] = src[i]
		}
	case srcCh == 2 && dstCh == 1:
		frames := len(src) / 2
		for i := 0; i < frames; i++ {
			dst[i] = (src[2*i] + src[2*i+1]) * 0.5
		}
	default:
		// Generic N -> M fallback: duplicate/average as best effort by
		// averaging all source channels into every destination channel.
		frames := len(src) / srcCh
		inv := float32(1.0) / float32(srcCh)
		for f := 0; f < frames; f++ {
			sum := float32(0)
			for c := 0; c < srcCh; c++ {
				sum += src[f*srcCh+c]
			}
			avg := sum * inv
			for c := 0; c < dstCh; c++ {
				dst[f*dstCh+c] = avg
			}
		}
	}
}
