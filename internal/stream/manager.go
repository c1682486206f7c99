package stream

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Callbacks receive the events of one handle. Nil callbacks are skipped.
type Callbacks struct {
	OnChunk    func(text string)
	OnError    func(err error)
	OnComplete func()
}

// Manager opens handles against a Dialer.
type Manager struct {
	dialer    Dialer
	heartbeat time.Duration
}

// NewManager returns a Manager; heartbeat bounds the silence tolerated between
// payloads (zero disables it).
func NewManager(dialer Dialer, heartbeat time.Duration) *Manager {
	return &Manager{dialer: dialer, heartbeat: heartbeat}
}

// Handle owns one subscription and dispatches its events to callbacks in
// order. After a terminal callback or Cancel, no callback fires again.
type Handle struct {
	sub       *Subscription
	cancelled atomic.Bool
	done      chan struct{}
}

// Open subscribes to key and starts dispatching. Connection failures are
// reported through OnError.
func (m *Manager) Open(key string, cb Callbacks) *Handle {
	h := &Handle{
		sub:  Subscribe(m.dialer, key, m.heartbeat),
		done: make(chan struct{}),
	}
	log.Debug().Str("component", "stream").Str("key", key).Msg("stream opened")
	go h.dispatch(cb)
	return h
}

// Cancel closes the connection and suppresses further callbacks. Idempotent;
// it does not wait for the dispatch goroutine, so it may be called from
// within a callback.
func (h *Handle) Cancel() {
	if h.cancelled.Swap(true) {
		return
	}
	h.sub.Close()
	log.Debug().Str("component", "stream").Str("key", h.sub.Key()).Msg("stream cancelled")
}

// Done is closed once the handle has released every resource.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) dispatch(cb Callbacks) {
	defer close(h.done)

	finished := false
	for ev := range h.sub.Events() {
		if finished || h.cancelled.Load() {
			continue
		}

		switch ev.Kind {
		case KindChunk:
			if cb.OnChunk != nil {
				cb.OnChunk(ev.Text)
			}
		case KindComplete:
			finished = true
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
		case KindError:
			finished = true
			log.Warn().Err(ev.Err).Str("component", "stream").Str("key", h.sub.Key()).Msg("stream failed")
			if cb.OnError != nil {
				cb.OnError(ev.Err)
			}
		}
	}

	<-h.sub.Done()
}
