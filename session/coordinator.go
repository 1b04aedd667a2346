package session

import (
	"context"
	"fmt"
	"sync"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

// DefaultMaxPayloadBytes matches the transport's maximum message size.
const DefaultMaxPayloadBytes = 5000000

// Options tunes a Coordinator.
type Options struct {
	// MaxPayloadBytes bounds the size of a relayed update. Zero selects
	// DefaultMaxPayloadBytes; a negative value disables the bound.
	MaxPayloadBytes int
}

// Connection is the coordinator's per-connection state. A connection is attached
// to at most one document at a time and is closed for good after Disconnect.
type Connection struct {
	id          ConnectionID
	participant core.Participant
	sink        Sink

	mu         sync.Mutex
	documentID string
	closed     bool
}

func (c *Connection) ID() ConnectionID { return c.id }

func (c *Connection) Participant() core.Participant { return c.participant }

// Document returns the document the connection is attached to.
func (c *Connection) Document() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID, c.documentID != ""
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Coordinator drives the per-connection session state machine. It validates each
// event against the Authorizer, mutates the Registry and fans notifications out
// through the Relay. Mutations of a document and the notifications they cause are
// serialized per document, so every participant sees rosters in mutation order.
type Coordinator struct {
	authorizer Authorizer
	registry   Registry
	relay      *Relay
	locks      *documentLocks
	maxPayload int

	mu    sync.RWMutex
	conns map[ConnectionID]*Connection
}

var _ Directory = (*Coordinator)(nil)

func NewCoordinator(authorizer Authorizer, registry Registry, opts Options) *Coordinator {
	maxPayload := opts.MaxPayloadBytes
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayloadBytes
	}

	c := &Coordinator{
		authorizer: authorizer,
		registry:   registry,
		locks:      newDocumentLocks(),
		maxPayload: maxPayload,
		conns:      make(map[ConnectionID]*Connection),
	}
	c.relay = NewRelay(registry, c)
	return c
}

func (c *Coordinator) Registry() Registry { return c.registry }

func (c *Coordinator) Authorizer() Authorizer { return c.authorizer }

// Open registers a new connection in the Disconnected state.
func (c *Coordinator) Open(id ConnectionID, participant core.Participant, sink Sink) (*Connection, error) {
	if id == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("connection %s has no sink", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.conns[id]; exists {
		return nil, fmt.Errorf("connection %s is already open", id)
	}

	conn := &Connection{id: id, participant: participant, sink: sink}
	c.conns[id] = conn

	logrus.WithFields(logrus.Fields{
		"connection_id": id,
		"user_id":       participant.ID,
	}).Debug("Connection opened")
	return conn, nil
}

// Lookup resolves an open connection's sink.
func (c *Coordinator) Lookup(id ConnectionID) (Sink, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conn, ok := c.conns[id]
	if !ok {
		return nil, false
	}
	return conn.sink, true
}

// Connections returns the number of open connections.
func (c *Coordinator) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Dispatch applies one event to a connection. Events of a single connection are
// applied one at a time, in call order.
func (c *Coordinator) Dispatch(ctx context.Context, conn *Connection, ev Event) Outcome {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return OutcomeClosed
	}

	var outcome Outcome
	switch ev := ev.(type) {
	case Join:
		outcome = c.join(ctx, conn, ev.DocumentID)
	case Leave:
		outcome = c.leave(conn, ev.DocumentID)
	case SendUpdate:
		outcome = c.sendUpdate(conn, ev.DocumentID, ev.Payload)
	case Disconnect:
		outcome = c.disconnect(conn)
	default:
		outcome = OutcomeIgnored
	}

	logrus.WithFields(logrus.Fields{
		"connection_id": conn.id,
		"user_id":       conn.participant.ID,
		"event":         fmt.Sprintf("%T", ev),
		"outcome":       outcome.String(),
	}).Debug("Dispatched session event")
	return outcome
}

func (c *Coordinator) join(ctx context.Context, conn *Connection, documentID string) Outcome {
	if documentID == "" {
		return OutcomeRejected
	}

	if !c.authorizer.Authorize(ctx, conn.participant.ID, documentID, core.CapabilityView) {
		logrus.WithFields(logrus.Fields{
			"connection_id": conn.id,
			"user_id":       conn.participant.ID,
			"document_id":   documentID,
		}).Warn("Join denied")
		return OutcomeDenied
	}

	if conn.documentID != "" && conn.documentID != documentID {
		c.detach(conn, conn.documentID)
	}

	unlock := c.locks.lock(documentID)
	defer unlock()

	roster := c.registry.Join(documentID, PresenceEntry{Connection: conn.id, Participant: conn.participant})
	conn.documentID = documentID

	reached := c.relay.Broadcast(documentID, "",
		ParticipantJoined{DocumentID: documentID, Participant: conn.participant},
		RosterSnapshot{DocumentID: documentID, Participants: roster.Participants()},
	)

	logrus.WithFields(logrus.Fields{
		"connection_id": conn.id,
		"user_id":       conn.participant.ID,
		"document_id":   documentID,
		"participants":  len(roster),
		"notified":      reached,
	}).Info("Participant joined document")
	return OutcomeApplied
}

func (c *Coordinator) leave(conn *Connection, documentID string) Outcome {
	if documentID == "" || conn.documentID != documentID {
		return OutcomeNotAttached
	}

	c.detach(conn, documentID)
	return OutcomeApplied
}

// detach removes the connection from a document and tells the remaining
// participants. The caller holds conn.mu.
func (c *Coordinator) detach(conn *Connection, documentID string) {
	unlock := c.locks.lock(documentID)
	defer unlock()

	entry, removed, roster := c.registry.Leave(documentID, conn.id)
	conn.documentID = ""
	if !removed {
		return
	}

	c.announceDeparture(documentID, entry, roster)
}

func (c *Coordinator) sendUpdate(conn *Connection, documentID string, payload []byte) Outcome {
	if documentID == "" || conn.documentID != documentID {
		return OutcomeNotAttached
	}
	if c.maxPayload > 0 && len(payload) > c.maxPayload {
		logrus.WithFields(logrus.Fields{
			"connection_id": conn.id,
			"document_id":   documentID,
			"size":          len(payload),
			"max":           c.maxPayload,
		}).Warn("Update exceeds maximum payload size")
		return OutcomeRejected
	}

	unlock := c.locks.lock(documentID)
	defer unlock()

	reached := c.relay.Relay(documentID, conn.id, payload)
	logrus.WithFields(logrus.Fields{
		"connection_id": conn.id,
		"document_id":   documentID,
		"size":          len(payload),
		"recipients":    reached,
	}).Debug("Relayed update")
	return OutcomeApplied
}

func (c *Coordinator) disconnect(conn *Connection) Outcome {
	conn.closed = true

	c.mu.Lock()
	delete(c.conns, conn.id)
	c.mu.Unlock()

	attached := conn.documentID
	conn.documentID = ""

	var removals []Removal
	if attached != "" {
		unlock := c.locks.lock(attached)
		removals = c.registry.RemoveConnectionEverywhere(conn.id)
		for _, r := range removals {
			if r.DocumentID == attached {
				c.announceDeparture(attached, r.Entry, c.registry.Roster(attached))
			}
		}
		unlock()
	} else {
		removals = c.registry.RemoveConnectionEverywhere(conn.id)
	}

	for _, r := range removals {
		if r.DocumentID == attached {
			continue
		}
		unlock := c.locks.lock(r.DocumentID)
		c.announceDeparture(r.DocumentID, r.Entry, c.registry.Roster(r.DocumentID))
		unlock()
	}

	logrus.WithFields(logrus.Fields{
		"connection_id": conn.id,
		"user_id":       conn.participant.ID,
		"documents":     len(removals),
	}).Debug("Connection closed")
	return OutcomeApplied
}

// announceDeparture is called with the document's lock held.
func (c *Coordinator) announceDeparture(documentID string, entry PresenceEntry, remaining Roster) {
	reached := c.relay.Broadcast(documentID, "",
		ParticipantLeft{DocumentID: documentID, ParticipantID: entry.Participant.ID},
		RosterSnapshot{DocumentID: documentID, Participants: remaining.Participants()},
	)

	logrus.WithFields(logrus.Fields{
		"connection_id": entry.Connection,
		"user_id":       entry.Participant.ID,
		"document_id":   documentID,
		"participants":  len(remaining),
		"notified":      reached,
	}).Info("Participant left document")
}
