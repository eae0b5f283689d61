package audiomixer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ik5/audiomixer/audio"
	"github.com/ik5/audiomixer/formats/aiff"
	"github.com/ik5/audiomixer/formats/mp3"
	"github.com/ik5/audiomixer/formats/vorbis"
	"github.com/ik5/audiomixer/formats/wav"
)

// Engine is the top-level handle for one mixing session (spec.md §3). It is
// an explicit, caller-owned value: there is no process-wide singleton, and
// every piece of shared mutable state is either owned exclusively by the
// audio callback or guarded by Engine.mu, which is only ever held for
// short, non-blocking structural edits (inserting/removing a track),
// never across I/O or while the mixer is rendering (spec.md §5).
type Engine struct {
	cfg *EngineConfig
	log logger

	mu     sync.Mutex
	tracks map[TrackID]*Track
	order  []TrackID

	// snapOrder/snapTracks are the mixer's own copy of the active-track
	// set, refreshed via TryLock at the top of every callback (spec.md
	// §4.6 step 2, I6: "the mixer never takes a blocking lock"). On
	// contention it keeps rendering the previous callback's snapshot
	// rather than wait.
	snapOrder  []TrackID
	snapTracks map[TrackID]*Track

	device   *outputDevice
	bus      *eventBus
	pos      *positionWatcher
	loud     *loudnessRegistry
	decoders *audio.Registry

	scratchPool    sync.Pool // *[]float32, sized cfg.BufferSize*cfg.Channels
	sourceScratch  sync.Pool // *[]float32, grown on demand, shared by the mixer goroutine only

	stats liveStats

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	running bool
}

// NewEngine constructs an Engine from defaults overridden by opts. It does
// not open the output device or start mixing; call Start for that.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.RingCapacityMult < 4 {
		cfg.RingCapacityMult = 4
	}
	if cfg.FadeLength <= 0 {
		cfg.FadeLength = cfg.fadeLengthFrames()
	}

	decoders := audio.NewRegistry()
	decoders.Register("wav", wav.Decoder{})
	decoders.Register("mp3", mp3.Decoder{})
	decoders.Register("ogg", vorbis.Decoder{})
	decoders.Register("aiff", aiff.Decoder{})
	decoders.Register("aif", aiff.Decoder{})
	for ext, dec := range cfg.ExtraDecoders {
		decoders.Register(ext, dec)
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.log,
		tracks:   make(map[TrackID]*Track),
		loud:     newLoudnessRegistry(),
		decoders: decoders,
	}
	e.scratchPool.New = func() any {
		buf := make([]float32, cfg.BufferSize*cfg.Channels)
		return &buf
	}
	e.sourceScratch.New = func() any {
		buf := make([]float32, cfg.BufferSize*cfg.Channels*4)
		return &buf
	}
	return e, nil
}

// Start opens the output device, launches the mixer, the event dispatcher,
// and the position watcher, and begins pulling audio. Start is not
// reentrant; calling it twice without an intervening Shutdown returns
// KindInvalidArgument, since the engine is already running.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return newErr(KindInvalidArgument, "start", "", errAlreadyRunning)
	}
	e.mu.Unlock()

	dev, err := newOutputDevice(e.cfg.SampleRate, e.cfg.Channels, e.cfg.Device)
	if err != nil {
		return err
	}
	e.device = dev

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	e.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	e.eg = eg

	e.bus = newEventBus(64, e.log)
	eg.Go(func() error { e.bus.run(egCtx); return nil })

	e.pos = newPositionWatcher(e, e.log)
	eg.Go(func() error { e.pos.run(egCtx); return nil })

	e.device.setSource(e.mix)
	e.device.start()

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	return nil
}

// Shutdown stops the mixer, closes the output device, and waits for every
// streaming track's loader goroutine and the internal watchers to exit.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	var closeErr error
	if e.device != nil {
		closeErr = e.device.close()
	}
	if e.eg != nil {
		_ = e.eg.Wait()
	}
	return closeErr
}

// Stats returns a snapshot of the engine's live performance counters
// (spec.md §6).
func (e *Engine) Stats() PerformanceStats {
	return e.stats.snapshot()
}

func (e *Engine) borrowSourceScratch(minFloats int) *[]float32 {
	p := e.sourceScratch.Get().(*[]float32)
	if cap(*p) < minFloats {
		grown := make([]float32, minFloats)
		*p = grown
	} else if len(*p) < minFloats {
		*p = (*p)[:minFloats]
	}
	return p
}

func (e *Engine) returnSourceScratch(p *[]float32) {
	e.sourceScratch.Put(p)
}

var errAlreadyRunning = engineStaticError("engine already running")

type engineStaticError string

func (e engineStaticError) Error() string { return string(e) }
