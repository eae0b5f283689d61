package audiomixer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ik5/audiomixer/audio"
)

// Source is the tagged union of ways LoadTrackSource/LoadStreamingTrackSource
// accept audio (spec.md §6): a file path resolved through the engine's
// decoder registry, or an in-memory buffer of already-decoded samples.
// Callers that already hold a decoded audio.Source (as cmd/playdemo does)
// keep using LoadTrack/LoadStreamingTrack directly.
type Source interface{ isSource() }

// FileSource loads a track by path, decoded by the audio.Decoder registered
// for its extension (spec.md §6 source variant 1).
type FileSource struct{ Path string }

// BufferSource loads a track from samples already resident in memory
// (spec.md §6 source variant 2).
type BufferSource struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

func (FileSource) isSource()   {}
func (BufferSource) isSource() {}

// resolveSource turns a tagged Source into a decoded audio.Source, using
// the engine's decoder registry for FileSource and an in-memory adapter for
// BufferSource.
func (e *Engine) resolveSource(s Source) (audio.Source, error) {
	switch v := s.(type) {
	case FileSource:
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(v.Path)), ".")
		dec, ok := e.decoders.Get(ext)
		if !ok {
			return nil, fmt.Errorf("no decoder registered for extension %q", ext)
		}
		f, err := os.Open(v.Path)
		if err != nil {
			return nil, err
		}
		src, err := dec.Decode(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &fileBackedSource{Source: src, f: f}, nil
	case BufferSource:
		if v.Channels <= 0 || v.SampleRate <= 0 {
			return nil, fmt.Errorf("buffer source needs Channels and SampleRate > 0")
		}
		return newMemorySource(v.Samples, v.SampleRate, v.Channels), nil
	default:
		return nil, fmt.Errorf("unsupported source type %T", s)
	}
}

// fileBackedSource pairs a decoded audio.Source with the *os.File backing
// it. None of the formats/* decoders close the reader they were handed, so
// Close here releases the file handle too, whether it runs through
// drainSource's defer (preloaded) or streamLoader.run's defer (streaming).
type fileBackedSource struct {
	audio.Source
	f *os.File
}

func (s *fileBackedSource) Close() error {
	err := s.Source.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// LoadTrackSource resolves s (a FileSource or BufferSource) and fully
// decodes it into memory under id, exactly like LoadTrack.
func (e *Engine) LoadTrackSource(id TrackID, s Source, onComplete OnCompleteFunc, opts ...LoadOption) error {
	src, err := e.resolveSource(s)
	if err != nil {
		return newErr(KindDecodeFailed, "load_track", id, err)
	}
	return e.LoadTrack(id, src, onComplete, opts...)
}

// LoadStreamingTrackSource resolves s and registers it as a streaming
// track, exactly like LoadStreamingTrack.
func (e *Engine) LoadStreamingTrackSource(id TrackID, s Source, onComplete OnCompleteFunc, opts ...LoadOption) error {
	src, err := e.resolveSource(s)
	if err != nil {
		return newErr(KindDecodeFailed, "load_streaming_track", id, err)
	}
	return e.LoadStreamingTrack(id, src, onComplete, opts...)
}

// memorySource adapts a raw interleaved float32 buffer into an audio.Source.
// It backs BufferSource and, separately, the offline loudness-analysis path
// in loudness_preprocess.go.
type memorySource struct {
	data       []float32
	sampleRate int
	channels   int
	pos        int
}

func newMemorySource(data []float32, sampleRate, channels int) *memorySource {
	return &memorySource{data: data, sampleRate: sampleRate, channels: channels}
}

func (m *memorySource) SampleRate() int { return m.sampleRate }
func (m *memorySource) Channels() int   { return m.channels }
func (m *memorySource) BufSize() int    { return 4096 }
func (m *memorySource) Close() error    { return nil }

func (m *memorySource) ReadSamples(dst []float32) (int, error) {
	if m.pos >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(dst, m.data[m.pos:])
	m.pos += n
	if m.pos >= len(m.data) {
		return n, io.EOF
	}
	return n, nil
}
