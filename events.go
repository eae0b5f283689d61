package audiomixer

import "context"

// completionEvent carries an on_complete notification out of the mixer and
// into a dedicated dispatch goroutine, so a track's callback never runs on
// the audio thread (spec.md §9: "on_complete is always delivered from a
// separate goroutine, never from inside the audio callback").
type completionEvent struct {
	id         TrackID
	success    bool
	errMsg     string
	onComplete OnCompleteFunc
}

// eventBus decouples the audio callback from user callbacks, the way
// jscyril-gtmpc's EventBus decouples its player core from UI subscribers.
// publish is non-blocking: a full queue drops the event and logs a warning
// rather than stalling the mixer.
type eventBus struct {
	ch  chan completionEvent
	log logger
}

func newEventBus(depth int, log logger) *eventBus {
	if depth < 1 {
		depth = 64
	}
	return &eventBus{ch: make(chan completionEvent, depth), log: log}
}

// publish must never be called from the audio callback's own goroutine in
// a way that blocks; the channel send is non-blocking precisely so the
// mixer can call it directly when a track ends mid-callback.
func (b *eventBus) publish(ev completionEvent) {
	select {
	case b.ch <- ev:
	default:
		b.log.Warnf("event bus full, dropping completion event for track %s", ev.id)
	}
}

// run drains the bus until ctx is canceled, invoking each event's
// onComplete callback synchronously on this goroutine. A panicking or slow
// user callback therefore never touches the audio thread, only this one.
func (b *eventBus) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			b.dispatch(ev)
		}
	}
}

func (b *eventBus) dispatch(ev completionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("on_complete callback for track %s panicked: %v", ev.id, r)
		}
	}()
	if ev.onComplete != nil {
		ev.onComplete(ev.id, ev.success, ev.errMsg)
	}
}
