// SPDX-License-Identifier: EPL-2.0

// Package audiomixer implements a real-time, multi-track audio mixing
// engine: a fixed set of independently controlled tracks, each resampled
// and volume-ramped on demand and summed into one output stream.
//
// The engine is built around a hard separation between the audio callback,
// which must never allocate, block, or touch a file, and the control plane,
// which issues commands (load, play, seek, set_volume, ...) that the
// callback applies at the start of its next invocation. Everything the
// callback needs is either immutable after a track is loaded or owned
// exclusively by the callback itself; everything the control plane needs is
// read through atomics or delivered over per-track command queues.
//
// # Quick Start
//
//	eng, err := audiomixer.NewEngine(
//		audiomixer.WithSampleRate(48000),
//		audiomixer.WithChannels(2),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Shutdown()
//
//	if err := eng.Start(); err != nil {
//		log.Fatal(err)
//	}
//
//	src, _ := wav.Decoder{}.Decode(file)
//	eng.LoadTrack("music", src, nil)
//	eng.Play("music", audiomixer.PlayOptions{Loop: true})
//
// # Tracks
//
// A track is either preloaded (the whole decoded buffer lives in memory)
// or streaming (a background loader goroutine feeds a bounded ring buffer).
// Both kinds go through the same state machine: idle, playing, paused,
// fading_in, fading_out, ending. See track.go.
//
// # Decoders
//
// Sources are decoded ahead of loading via the audio.Decoder/audio.Registry
// mechanism inherited from the format packages:
//
//	// WAV
//	wavDecoder := wav.Decoder{}
//	src, _ := wavDecoder.Decode(reader)
//
//	// MP3
//	mp3Decoder := mp3.Decoder{}
//	src, _ := mp3Decoder.Decode(reader)
//
//	// Vorbis
//	vorbisDecoder := vorbis.Decoder{}
//	src, _ := vorbisDecoder.Decode(reader)
//
//	// AIFF
//	aiffDecoder := aiff.Decoder{}
//	src, _ := aiffDecoder.Decode(reader)
//
// All decoders return an audio.Source, which LoadTrack accepts directly.
//
// # Performance
//
//   - The mix path allocates nothing per callback; scratch buffers are
//     pooled and sized once at Start.
//   - LoadTrack's initial decode and the streaming loader's disk reads
//     never happen on the callback goroutine.
//   - The fast resampling path degenerates to a memcpy at a 1:1 ratio.
//
// See the individual subpackages for more detailed documentation.
package audiomixer
