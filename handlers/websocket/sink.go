package websocket

import (
	"sync"

	"collab-server/session"

	"github.com/sirupsen/logrus"
)

const defaultQueueSize = 256

// emitter is the part of a socket the sink writes to.
type emitter interface {
	Emit(ev string, args ...any) error
}

// socketSink queues notifications for one socket and writes them from a single
// goroutine, so the relay never blocks on a slow client.
type socketSink struct {
	id  session.ConnectionID
	out emitter

	mu     sync.RWMutex
	queue  chan session.Notification
	closed bool
	done   chan struct{}
}

func newSocketSink(id session.ConnectionID, out emitter, size int) *socketSink {
	if size <= 0 {
		size = defaultQueueSize
	}
	s := &socketSink{
		id:    id,
		out:   out,
		queue: make(chan session.Notification, size),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Deliver enqueues n without blocking. It reports false when the sink is closed
// or its queue is full.
func (s *socketSink) Deliver(n session.Notification) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.queue <- n:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"connection_id": s.id,
			"queued":        len(s.queue),
		}).Warn("Outbound queue full, dropping notification")
		return false
	}
}

// Close stops accepting notifications. Already queued ones are still written.
func (s *socketSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Done is closed once the writer has drained the queue.
func (s *socketSink) Done() <-chan struct{} {
	return s.done
}

func (s *socketSink) run() {
	defer close(s.done)

	for n := range s.queue {
		event, payload, ok := encodeNotification(n)
		if !ok {
			continue
		}
		if err := s.out.Emit(event, payload); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"connection_id": s.id,
				"event":         event,
			}).Debug("Failed to emit notification")
		}
	}
}
