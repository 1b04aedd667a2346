package websocket

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io-go-parser/packet"
	"github.com/zishang520/engine.io/v2/engine"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-go-parser/v2/parser"
)

type inboundEvent struct {
	name string
	args []any
}

// inboundQueue hands a connection's events to one worker in the order the
// transport read them. Push blocks while the queue is full.
type inboundQueue struct {
	events chan inboundEvent
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newInboundQueue(size int) *inboundQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &inboundQueue{
		events: make(chan inboundEvent, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Push queues ev and reports whether it was accepted. Nothing is accepted
// after Close.
func (q *inboundQueue) Push(ev inboundEvent) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.events <- ev:
		return true
	case <-q.stop:
		return false
	}
}

// Close stops accepting events. The worker still handles what was queued.
func (q *inboundQueue) Close() {
	q.once.Do(func() { close(q.stop) })
}

// Done is closed when the worker has returned.
func (q *inboundQueue) Done() <-chan struct{} {
	return q.done
}

// run calls handle for every queued event, one at a time, until Close.
func (q *inboundQueue) run(handle func(inboundEvent)) {
	defer close(q.done)
	for {
		select {
		case ev := <-q.events:
			handle(ev)
		case <-q.stop:
			for {
				select {
				case ev := <-q.events:
					handle(ev)
				default:
					return
				}
			}
		}
	}
}

// watchInbound decodes the events a client sends to namespace nsp and queues
// them. The engine "packet" event fires synchronously in read order, before
// the socket.io client consumes the buffer, so it is cloned for a private
// decoder. Event listeners on the socket itself run on a goroutine per packet.
func watchInbound(conn engine.Socket, nsp string, q *inboundQueue) {
	decoder := parser.NewDecoder()

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	decoder.On("decoded", func(args ...any) {
		p, ok := args[0].(*parser.Packet)
		if !ok || p.Nsp != nsp {
			return
		}
		if p.Type != parser.EVENT && p.Type != parser.BINARY_EVENT {
			return
		}
		data, ok := p.Data.([]any)
		if !ok || len(data) == 0 {
			return
		}
		name, ok := data[0].(string)
		if !ok {
			return
		}
		q.Push(inboundEvent{name: name, args: data[1:]})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	conn.On("packet", func(args ...any) {
		p, ok := args[0].(*packet.Packet)
		if !ok || p.Type != packet.MESSAGE {
			return
		}
		buf, ok := p.Data.(types.BufferInterface)
		if !ok {
			return
		}
		if err := decoder.Add(buf.Clone()); err != nil {
			logrus.WithField("connection_id", conn.Id()).WithError(err).Debug("Ignored undecodable packet")
		}
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	conn.Once("close", func(...any) {
		q.Close()
		decoder.Destroy()
	})
}
