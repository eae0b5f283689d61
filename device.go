package audiomixer

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"
)

// mixFunc produces one callback's worth of interleaved float32 output
// frames into dst and returns the number of frames written. It is always
// exactly Engine.mix, wired in by Engine.Start.
type mixFunc func(dst []float32) (frames int)

// outputDevice wraps an oto/v3 player behind the io.Reader contract oto
// expects, converting the mixer's float32 frames to the wire format on the
// fly (grounded on
// _examples/IntuitionAmiga-IntuitionEngine/audio_backend_oto.go's
// OtoPlayer, which drives oto the same way: a context, one player, and a
// lock-free handoff of "what to read next" so the OS audio thread never
// blocks on a mutex the control plane might be holding).
type outputDevice struct {
	ctx      *oto.Context
	player   oto.Player
	channels int

	// pull is swapped in by Start and read by Read via atomic.Pointer, the
	// lock-free handoff pattern the OtoPlayer grounding uses for its
	// "next buffer" pointer.
	pull atomic.Pointer[mixFunc]

	frameBuf []float32 // scratch, grown on demand, reused every Read
	closed   atomic.Bool
}

func newOutputDevice(sampleRate, channels int, deviceID *int) (*outputDevice, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, newErr(KindDeviceFailed, "new_output_device", "", err)
	}
	<-ready

	d := &outputDevice{
		ctx:      ctx,
		channels: channels,
		frameBuf: make([]float32, 0, 4096*channels),
	}
	d.player = ctx.NewPlayer(d)
	return d, nil
}

// setSource installs the function the device pulls frames from. Called
// once by Engine.Start before the player begins; safe to call again to
// swap in a replacement mixer (e.g. after a sample-rate change), since the
// pointer swap is atomic and Read always observes a consistent function.
func (d *outputDevice) setSource(fn mixFunc) {
	f := fn
	d.pull.Store(&f)
}

// Read implements io.Reader for oto's player. It must never block beyond
// what the mix callback itself blocks for, and the mix callback is
// guaranteed by Engine.mix to be allocation-free and non-blocking.
func (d *outputDevice) Read(p []byte) (int, error) {
	fp := d.pull.Load()
	if fp == nil {
		// Not wired yet: emit silence rather than stalling the device.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	bytesPerFrame := 4 * d.channels
	wantFrames := len(p) / bytesPerFrame
	if cap(d.frameBuf) < wantFrames*d.channels {
		d.frameBuf = make([]float32, wantFrames*d.channels)
	}
	buf := d.frameBuf[:wantFrames*d.channels]

	n := (*fp)(buf)

	off := 0
	for i := 0; i < n*d.channels; i++ {
		bits := math.Float32bits(buf[i])
		binary.LittleEndian.PutUint32(p[off:off+4], bits)
		off += 4
	}
	for ; off < len(p); off++ {
		p[off] = 0
	}
	return len(p), nil
}

func (d *outputDevice) start() { d.player.Play() }

func (d *outputDevice) close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.player.Close()
}
