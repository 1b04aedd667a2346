package session

import (
	"sort"
	"sync"

	"collab-server/core"
)

// ConnectionID identifies one transport connection for its whole lifetime.
type ConnectionID string

type (
	// PresenceEntry records that a connection, on behalf of a participant, is
	// attached to a document.
	PresenceEntry struct {
		Connection  ConnectionID
		Participant core.Participant
	}

	// Roster is an ordered snapshot of a document's presence entries, in join order.
	Roster []PresenceEntry

	// Removal is one presence entry dropped from a document.
	Removal struct {
		DocumentID string
		Entry      PresenceEntry
	}

	// DocumentPresence counts the participants attached to a document.
	DocumentPresence struct {
		DocumentID   string
		Participants int
	}

	// Registry tracks which connections are present on which documents. Every
	// method is atomic with respect to the rosters it touches.
	Registry interface {
		Join(documentID string, entry PresenceEntry) Roster
		Leave(documentID string, conn ConnectionID) (PresenceEntry, bool, Roster)
		RemoveConnectionEverywhere(conn ConnectionID) []Removal
		Roster(documentID string) Roster
		Documents() []DocumentPresence
	}
)

func (r Roster) Participants() []core.Participant {
	participants := make([]core.Participant, 0, len(r))
	for _, entry := range r {
		participants = append(participants, entry.Participant)
	}
	return participants
}

func (r Roster) Contains(conn ConnectionID) bool {
	for _, entry := range r {
		if entry.Connection == conn {
			return true
		}
	}
	return false
}

type roster struct {
	entries []PresenceEntry
	index   map[ConnectionID]int
}

func (r *roster) snapshot() Roster {
	out := make(Roster, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *roster) remove(conn ConnectionID) (PresenceEntry, bool) {
	i, ok := r.index[conn]
	if !ok {
		return PresenceEntry{}, false
	}
	removed := r.entries[i]
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.index, conn)
	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].Connection] = j
	}
	return removed, true
}

// MemoryRegistry keeps presence in process memory. It maintains a reverse index
// from connection to documents so that disconnect cleanup does not scan every
// roster.
type MemoryRegistry struct {
	mu      sync.RWMutex
	rosters map[string]*roster
	byConn  map[ConnectionID]map[string]struct{}
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		rosters: make(map[string]*roster),
		byConn:  make(map[ConnectionID]map[string]struct{}),
	}
}

// Join inserts entry into the document's roster. Rejoining with the same
// connection replaces the existing entry in place.
func (m *MemoryRegistry) Join(documentID string, entry PresenceEntry) Roster {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rosters[documentID]
	if !ok {
		r = &roster{index: make(map[ConnectionID]int)}
		m.rosters[documentID] = r
	}

	if i, exists := r.index[entry.Connection]; exists {
		r.entries[i] = entry
	} else {
		r.index[entry.Connection] = len(r.entries)
		r.entries = append(r.entries, entry)
	}

	docs, ok := m.byConn[entry.Connection]
	if !ok {
		docs = make(map[string]struct{})
		m.byConn[entry.Connection] = docs
	}
	docs[documentID] = struct{}{}

	return r.snapshot()
}

func (m *MemoryRegistry) Leave(documentID string, conn ConnectionID) (PresenceEntry, bool, Roster) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, ok := m.removeLocked(documentID, conn)
	return removed, ok, m.rosterLocked(documentID)
}

func (m *MemoryRegistry) RemoveConnectionEverywhere(conn ConnectionID) []Removal {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.byConn[conn]
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	removals := make([]Removal, 0, len(ids))
	for _, id := range ids {
		if entry, ok := m.removeLocked(id, conn); ok {
			removals = append(removals, Removal{DocumentID: id, Entry: entry})
		}
	}
	return removals
}

func (m *MemoryRegistry) Roster(documentID string) Roster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rosterLocked(documentID)
}

// Documents lists the documents with at least one presence entry.
func (m *MemoryRegistry) Documents() []DocumentPresence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]DocumentPresence, 0, len(m.rosters))
	for id, r := range m.rosters {
		docs = append(docs, DocumentPresence{DocumentID: id, Participants: len(r.entries)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocumentID < docs[j].DocumentID })
	return docs
}

func (m *MemoryRegistry) rosterLocked(documentID string) Roster {
	r, ok := m.rosters[documentID]
	if !ok {
		return Roster{}
	}
	return r.snapshot()
}

func (m *MemoryRegistry) removeLocked(documentID string, conn ConnectionID) (PresenceEntry, bool) {
	r, ok := m.rosters[documentID]
	if !ok {
		return PresenceEntry{}, false
	}

	removed, ok := r.remove(conn)
	if !ok {
		return PresenceEntry{}, false
	}
	if len(r.entries) == 0 {
		delete(m.rosters, documentID)
	}

	if docs, ok := m.byConn[conn]; ok {
		delete(docs, documentID)
		if len(docs) == 0 {
			delete(m.byConn, conn)
		}
	}
	return removed, true
}
