// Command playdemo loads one audio file and plays it through the default
// output device, demonstrating the control-plane / audio-thread split the
// rest of this module is built around.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ik5/audiomixer"
	"github.com/ik5/audiomixer/audio"
	"github.com/ik5/audiomixer/formats/aiff"
	"github.com/ik5/audiomixer/formats/mp3"
	"github.com/ik5/audiomixer/formats/vorbis"
	"github.com/ik5/audiomixer/formats/wav"
)

func main() {
	path := flag.String("file", "", "audio file to play (wav, mp3, ogg, aiff)")
	volume := flag.Float64("volume", 1.0, "initial volume, 0-1")
	loop := flag.Bool("loop", false, "loop playback")
	streaming := flag.Bool("streaming", false, "load as a streaming track instead of fully preloaded")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: playdemo -file song.wav")
		os.Exit(2)
	}

	decoder, err := decoderFor(*path)
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	src, err := decoder.Decode(f)
	if err != nil {
		log.Fatalf("decode %s: %v", *path, err)
	}

	eng, err := audiomixer.NewEngine(
		audiomixer.WithSampleRate(48000),
		audiomixer.WithChannels(2),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Shutdown()

	if err := eng.Start(); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	onComplete := func(id audiomixer.TrackID, success bool, errMsg string) {
		if !success {
			log.Printf("track %s ended with error: %s", id, errMsg)
		}
		close(done)
	}

	const id audiomixer.TrackID = "playdemo"
	if *streaming {
		err = eng.LoadStreamingTrack(id, src, onComplete)
	} else {
		err = eng.LoadTrack(id, src, onComplete)
	}
	if err != nil {
		log.Fatal(err)
	}

	if err := eng.Play(id, audiomixer.PlayOptions{Loop: *loop, Volume: float32(*volume)}); err != nil {
		log.Fatal(err)
	}

	if *loop {
		// Looping tracks never signal on_complete; run until interrupted.
		for {
			time.Sleep(time.Second)
			info, err := eng.GetTrackInfo(id)
			if err != nil {
				return
			}
			log.Printf("position=%.2fs state=%s", info.PositionSeconds, info.State)
		}
	}

	<-done
}

func decoderFor(path string) (audio.Decoder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return wav.Decoder{}, nil
	case ".mp3":
		return mp3.Decoder{}, nil
	case ".ogg":
		return vorbis.Decoder{}, nil
	case ".aiff", ".aif":
		return aiff.Decoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", path)
	}
}
