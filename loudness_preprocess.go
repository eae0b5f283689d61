package audiomixer

import "io"

// loudnessAnalysisRate is the common sample rate match_loudness resamples
// every track to before estimating level, so two tracks recorded at
// different source rates are compared on equal footing.
const loudnessAnalysisRate = 48000

// PreprocessForLoudnessMatch prepares t's audio for loudness analysis: it
// runs the offline high-quality resampler (audio.Resampler, cubic
// interpolation) rather than the audio thread's fast linear resampler,
// since this path runs on the calling goroutine ahead of playback and can
// afford the extra quality, then folds the result to mono via
// ResampleToMono16 so stereo and mono tracks compare on the same footing.
// Streaming tracks with nothing decoded yet return nil, which
// LoudnessAnalyzer implementations treat as silence.
func PreprocessForLoudnessMatch(t *Track) []float32 {
	data := sampleWindow(t)
	if len(data) == 0 {
		return nil
	}

	src := newMemorySource(data, t.sourceSampleRate, t.sourceChannels)
	pcm16, _, err := ResampleToMono16(src, loudnessAnalysisRate, 4096)
	if err != nil && err != io.EOF {
		return nil
	}

	const invMaxInt16 = 1.0 / 32768.0
	out := make([]float32, len(pcm16))
	for i, s := range pcm16 {
		out[i] = float32(s) * invMaxInt16
	}
	return out
}
