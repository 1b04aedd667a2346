package session

import (
	"github.com/sirupsen/logrus"
)

// Relay fans notifications out to the connections present on a document.
// Delivery is best effort and at most once: connections that cannot be resolved
// or whose sink refuses the notification are skipped.
type Relay struct {
	registry  Registry
	directory Directory
}

func NewRelay(registry Registry, directory Directory) *Relay {
	return &Relay{registry: registry, directory: directory}
}

// Relay delivers payload to every connection on the document except the sender.
func (r *Relay) Relay(documentID string, sender ConnectionID, payload []byte) int {
	return r.Broadcast(documentID, sender, Update{DocumentID: documentID, Payload: payload})
}

// Broadcast delivers the notifications, in order, to every connection on the
// document except the excluded one. An empty except excludes nobody. It returns
// the number of connections that accepted every notification.
func (r *Relay) Broadcast(documentID string, except ConnectionID, notifications ...Notification) int {
	delivered := 0
	for _, entry := range r.registry.Roster(documentID) {
		if except != "" && entry.Connection == except {
			continue
		}

		sink, ok := r.directory.Lookup(entry.Connection)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"document_id":   documentID,
				"connection_id": entry.Connection,
			}).Debug("Skipping unreachable connection")
			continue
		}

		accepted := true
		for _, n := range notifications {
			if !sink.Deliver(n) {
				accepted = false
			}
		}
		if accepted {
			delivered++
		}
	}
	return delivered
}
