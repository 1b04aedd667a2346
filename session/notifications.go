package session

import "collab-server/core"

// Notification is an outbound event addressed to the participants of one document.
type Notification interface {
	notification()
}

type (
	ParticipantJoined struct {
		DocumentID  string
		Participant core.Participant
	}

	ParticipantLeft struct {
		DocumentID    string
		ParticipantID string
	}

	RosterSnapshot struct {
		DocumentID   string
		Participants []core.Participant
	}

	Update struct {
		DocumentID string
		Payload    []byte
	}
)

func (ParticipantJoined) notification() {}
func (ParticipantLeft) notification()   {}
func (RosterSnapshot) notification()    {}
func (Update) notification()            {}

// Sink receives notifications for one connection. Deliver must not block; it
// reports false when the notification was dropped.
type Sink interface {
	Deliver(n Notification) bool
}

// Directory resolves a connection to its sink.
type Directory interface {
	Lookup(conn ConnectionID) (Sink, bool)
}
