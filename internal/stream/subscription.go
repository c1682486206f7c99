package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Subscription is a cancellable sequence of events for one stream key. The
// events channel delivers chunks in receive order, at most one terminal event,
// and is then closed. Close stops delivery without a terminal event.
type Subscription struct {
	key    string
	events chan Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	closed bool
}

type frame struct {
	payload string
	err     error
}

// Subscribe dials key and starts reading. A heartbeat of zero disables the
// inactivity timeout.
func Subscribe(dialer Dialer, key string, heartbeat time.Duration) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		key:    key,
		events: make(chan Event),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.run(dialer, heartbeat)
	return s
}

// Key returns the stream key the subscription was opened for.
func (s *Subscription) Key() string { return s.key }

// Events returns the event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once every goroutine of the subscription has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the connection and suppresses further events. It is safe to
// call any number of times and never blocks on the reader.
func (s *Subscription) Close() {
	s.cancel()
	s.release()
}

func (s *Subscription) run(dialer Dialer, heartbeat time.Duration) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	conn, err := dialer.Dial(s.ctx, s.key)
	if err != nil {
		if s.ctx.Err() == nil {
			s.emit(Event{Kind: KindError, Err: errors.Wrapf(err, "open stream %s", s.key)})
		}
		return
	}
	if !s.attach(conn) {
		_ = conn.Close()
		return
	}

	frames := make(chan frame)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			payload, err := conn.Next()
			select {
			case frames <- frame{payload: payload, err: err}:
			case <-s.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var timeout <-chan time.Time
	var timer *time.Timer
	if heartbeat > 0 {
		timer = time.NewTimer(heartbeat)
		defer timer.Stop()
		timeout = timer.C
	}

	s.loop(frames, timeout, timer, heartbeat)

	s.cancel()
	s.release()
	wg.Wait()
}

func (s *Subscription) loop(frames <-chan frame, timeout <-chan time.Time, timer *time.Timer, heartbeat time.Duration) {
	for {
		select {
		case <-s.ctx.Done():
			return

		case <-timeout:
			s.release()
			s.emit(Event{Kind: KindError, Err: errors.Wrapf(ErrInactivity, "no activity within %d milliseconds", heartbeat.Milliseconds())})
			return

		case f := <-frames:
			if f.err != nil {
				if s.ctx.Err() != nil {
					return
				}
				err := f.err
				if errors.Is(err, io.EOF) {
					err = ErrClosed
				}
				s.release()
				s.emit(Event{Kind: KindError, Err: err})
				return
			}

			if timer != nil {
				timer.Reset(heartbeat)
			}

			if f.payload == EndSentinel {
				s.release()
				s.emit(Event{Kind: KindComplete})
				return
			}

			if !s.emit(Event{Kind: KindChunk, Text: f.payload}) {
				return
			}
		}
	}
}

func (s *Subscription) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Subscription) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *Subscription) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
