package session

// Event is an inbound connection event. The set is closed: Join, Leave,
// SendUpdate and Disconnect.
type Event interface {
	event()
}

type (
	Join struct {
		DocumentID string
	}

	Leave struct {
		DocumentID string
	}

	SendUpdate struct {
		DocumentID string
		Payload    []byte
	}

	// Disconnect is raised by the transport when the connection terminates.
	Disconnect struct{}
)

func (Join) event()       {}
func (Leave) event()      {}
func (SendUpdate) event() {}
func (Disconnect) event() {}

// Outcome reports what a dispatched event did. It is informational: none of
// these outcomes are surfaced to the client.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	// OutcomeDenied means authorization failed; nothing changed.
	OutcomeDenied
	// OutcomeNotAttached means the event named a document the connection is not
	// attached to; nothing changed.
	OutcomeNotAttached
	// OutcomeRejected means the event was malformed or oversized; nothing changed.
	OutcomeRejected
	// OutcomeClosed means the connection already disconnected.
	OutcomeClosed
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDenied:
		return "denied"
	case OutcomeNotAttached:
		return "not_attached"
	case OutcomeRejected:
		return "rejected"
	case OutcomeClosed:
		return "closed"
	case OutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}
