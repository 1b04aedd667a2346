package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"collab-server/core"
)

type harness struct {
	t     *testing.T
	store *mockDocumentStore
	coord *Coordinator
}

func newHarness(t *testing.T, opts Options) *harness {
	store := newMockStore()
	return &harness{
		t:     t,
		store: store,
		coord: NewCoordinator(NewAuthority(store), NewMemoryRegistry(), opts),
	}
}

func (h *harness) open(id, user string) (*Connection, *recordingSink) {
	h.t.Helper()
	sink := &recordingSink{}
	conn, err := h.coord.Open(ConnectionID(id), core.Participant{ID: user, Name: user}, sink)
	if err != nil {
		h.t.Fatalf("Open(%s) failed: %v", id, err)
	}
	return conn, sink
}

func (h *harness) dispatch(conn *Connection, ev Event) Outcome {
	return h.coord.Dispatch(context.Background(), conn, ev)
}

func (h *harness) rosterIDs(documentID string) []string {
	return rosterIDs(RosterSnapshot{Participants: h.coord.Registry().Roster(documentID).Participants()})
}

func TestOpen_RejectsDuplicateAndInvalid(t *testing.T) {
	h := newHarness(t, Options{})
	h.open("c1", "alice")

	if _, err := h.coord.Open("c1", core.Participant{ID: "alice"}, &recordingSink{}); err == nil {
		t.Error("Expected error for duplicate connection id")
	}
	if _, err := h.coord.Open("", core.Participant{ID: "alice"}, &recordingSink{}); err == nil {
		t.Error("Expected error for empty connection id")
	}
	if _, err := h.coord.Open("c2", core.Participant{ID: "alice"}, nil); err == nil {
		t.Error("Expected error for missing sink")
	}
}

func TestJoin_BroadcastsRosterToBoth(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleViewer})

	c1, s1 := h.open("c1", "alice")
	c2, s2 := h.open("c2", "bob")

	if got := h.dispatch(c1, Join{DocumentID: "doc"}); got != OutcomeApplied {
		t.Fatalf("Join c1 = %v, want applied", got)
	}
	if got := h.dispatch(c2, Join{DocumentID: "doc"}); got != OutcomeApplied {
		t.Fatalf("Join c2 = %v, want applied", got)
	}

	for name, sink := range map[string]*recordingSink{"c1": s1, "c2": s2} {
		roster, ok := sink.lastRoster()
		if !ok {
			t.Fatalf("%s received no roster", name)
		}
		if want := []string{"alice", "bob"}; !equalStrings(rosterIDs(roster), want) {
			t.Errorf("%s roster = %v, want %v", name, rosterIDs(roster), want)
		}
	}

	// The joiner is told about its own arrival.
	if n := s2.count(isJoined); n != 1 {
		t.Errorf("Expected c2 to receive 1 join notification, got %d", n)
	}
	if n := s1.count(isJoined); n != 2 {
		t.Errorf("Expected c1 to receive 2 join notifications, got %d", n)
	}

	if got := h.dispatch(c2, Disconnect{}); got != OutcomeApplied {
		t.Fatalf("Disconnect c2 = %v, want applied", got)
	}

	roster, _ := s1.lastRoster()
	if want := []string{"alice"}; !equalStrings(rosterIDs(roster), want) {
		t.Errorf("c1 roster after disconnect = %v, want %v", rosterIDs(roster), want)
	}
	last := s1.all()
	if left, ok := last[len(last)-2].(ParticipantLeft); !ok || left.ParticipantID != "bob" {
		t.Errorf("Expected ParticipantLeft{bob} before the roster, got %#v", last[len(last)-2])
	}
}

func TestUpdate_SelfExclusion(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleEditor})

	c1, s1 := h.open("c1", "alice")
	c2, s2 := h.open("c2", "bob")
	h.dispatch(c1, Join{DocumentID: "doc"})
	h.dispatch(c2, Join{DocumentID: "doc"})

	if got := h.dispatch(c1, SendUpdate{DocumentID: "doc", Payload: []byte("hello")}); got != OutcomeApplied {
		t.Fatalf("SendUpdate = %v, want applied", got)
	}

	if got := s1.updates(); len(got) != 0 {
		t.Errorf("Sender received its own update: %v", got)
	}
	if got := s2.updates(); len(got) != 1 || string(got[0]) != "hello" {
		t.Errorf("Expected c2 to receive [hello], got %v", got)
	}
}

func TestUpdate_ViewerMaySend(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleViewer})

	c1, s1 := h.open("c1", "alice")
	c2, _ := h.open("c2", "bob")
	h.dispatch(c1, Join{DocumentID: "doc"})
	h.dispatch(c2, Join{DocumentID: "doc"})

	if got := h.dispatch(c2, SendUpdate{DocumentID: "doc", Payload: []byte{1}}); got != OutcomeApplied {
		t.Fatalf("SendUpdate from viewer = %v, want applied", got)
	}
	if got := s1.updates(); len(got) != 1 {
		t.Errorf("Expected owner to receive the viewer's update, got %v", got)
	}
}

func TestJoin_DeniedWithoutPermission(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "alice")

	c1, s1 := h.open("c1", "alice")
	c2, s2 := h.open("c2", "mallory")
	h.dispatch(c1, Join{DocumentID: "doc"})
	before := len(s1.all())

	if got := h.dispatch(c2, Join{DocumentID: "doc"}); got != OutcomeDenied {
		t.Fatalf("Join mallory = %v, want denied", got)
	}
	if len(s1.all()) != before {
		t.Error("Denied join produced a broadcast")
	}
	if len(s2.all()) != 0 {
		t.Errorf("Denied connection received notifications: %v", s2.all())
	}
	if ids := h.rosterIDs("doc"); !equalStrings(ids, []string{"alice"}) {
		t.Errorf("Roster = %v, want [alice]", ids)
	}
	if _, attached := c2.Document(); attached {
		t.Error("Denied connection is marked attached")
	}

	// A denied connection cannot send to the document either.
	if got := h.dispatch(c2, SendUpdate{DocumentID: "doc", Payload: []byte{1}}); got != OutcomeNotAttached {
		t.Errorf("SendUpdate from denied connection = %v, want not_attached", got)
	}
	if got := s1.updates(); len(got) != 0 {
		t.Errorf("Owner received relay from denied connection: %v", got)
	}
}

func TestJoin_DeniedOnStorageFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "alice")
	h.store.findErr = fmt.Errorf("mongo is down")

	c1, s1 := h.open("c1", "alice")
	if got := h.dispatch(c1, Join{DocumentID: "doc"}); got != OutcomeDenied {
		t.Fatalf("Join = %v, want denied", got)
	}
	if len(s1.all()) != 0 {
		t.Error("Expected no notifications after a storage failure")
	}
}

func TestJoin_Idempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "alice")

	c1, s1 := h.open("c1", "alice")
	h.dispatch(c1, Join{DocumentID: "doc"})
	h.dispatch(c1, Join{DocumentID: "doc"})

	if ids := h.rosterIDs("doc"); !equalStrings(ids, []string{"alice"}) {
		t.Errorf("Roster = %v, want exactly one alice", ids)
	}
	roster, _ := s1.lastRoster()
	if len(roster.Participants) != 1 {
		t.Errorf("Broadcast roster has %d entries, want 1", len(roster.Participants))
	}
	if n := s1.count(isLeft); n != 0 {
		t.Errorf("Rejoin emitted %d departures", n)
	}
}

func TestJoin_SwitchingDocumentsLeavesThePrevious(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc-1", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleViewer})
	h.store.put("doc-2", "alice")

	c1, _ := h.open("c1", "alice")
	c2, s2 := h.open("c2", "bob")
	h.dispatch(c1, Join{DocumentID: "doc-1"})
	h.dispatch(c2, Join{DocumentID: "doc-1"})

	if got := h.dispatch(c1, Join{DocumentID: "doc-2"}); got != OutcomeApplied {
		t.Fatalf("Join doc-2 = %v, want applied", got)
	}

	if ids := h.rosterIDs("doc-1"); !equalStrings(ids, []string{"bob"}) {
		t.Errorf("doc-1 roster = %v, want [bob]", ids)
	}
	if ids := h.rosterIDs("doc-2"); !equalStrings(ids, []string{"alice"}) {
		t.Errorf("doc-2 roster = %v, want [alice]", ids)
	}
	if n := s2.count(isLeft); n != 1 {
		t.Errorf("Expected bob to see alice leave once, got %d", n)
	}
	if doc, _ := c1.Document(); doc != "doc-2" {
		t.Errorf("c1 attached to %q, want doc-2", doc)
	}
}

func TestJoin_DeniedSwitchKeepsCurrentDocument(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc-1", "alice")
	h.store.put("secret", "carol")

	c1, _ := h.open("c1", "alice")
	h.dispatch(c1, Join{DocumentID: "doc-1"})

	if got := h.dispatch(c1, Join{DocumentID: "secret"}); got != OutcomeDenied {
		t.Fatalf("Join secret = %v, want denied", got)
	}
	if doc, _ := c1.Document(); doc != "doc-1" {
		t.Errorf("Denied join moved the connection to %q", doc)
	}
	if ids := h.rosterIDs("doc-1"); !equalStrings(ids, []string{"alice"}) {
		t.Errorf("doc-1 roster = %v, want [alice]", ids)
	}
}

func TestLeave(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleEditor})

	c1, s1 := h.open("c1", "alice")
	c2, s2 := h.open("c2", "bob")
	h.dispatch(c1, Join{DocumentID: "doc"})
	h.dispatch(c2, Join{DocumentID: "doc"})

	if got := h.dispatch(c2, Leave{DocumentID: "other"}); got != OutcomeNotAttached {
		t.Errorf("Leave other = %v, want not_attached", got)
	}
	if got := h.dispatch(c2, Leave{DocumentID: "doc"}); got != OutcomeApplied {
		t.Fatalf("Leave doc = %v, want applied", got)
	}

	roster, _ := s1.lastRoster()
	if want := []string{"alice"}; !equalStrings(rosterIDs(roster), want) {
		t.Errorf("c1 roster = %v, want %v", rosterIDs(roster), want)
	}
	if n := s2.count(isLeft); n != 0 {
		t.Errorf("Leaver received %d departure notifications", n)
	}

	// Leave followed by disconnect must not announce a second departure.
	if got := h.dispatch(c2, Disconnect{}); got != OutcomeApplied {
		t.Fatalf("Disconnect = %v, want applied", got)
	}
	if n := s1.count(isLeft); n != 1 {
		t.Errorf("Expected exactly 1 departure, got %d", n)
	}

	// Updates after leaving are rejected.
	if got := h.dispatch(c2, SendUpdate{DocumentID: "doc", Payload: []byte{1}}); got != OutcomeClosed {
		t.Errorf("SendUpdate after disconnect = %v, want closed", got)
	}
}

func TestUpdate_NotAttached(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc-1", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleEditor})
	h.store.put("doc-2", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleEditor})

	c1, s1 := h.open("c1", "alice")
	c2, _ := h.open("c2", "bob")
	h.dispatch(c1, Join{DocumentID: "doc-1"})
	h.dispatch(c2, Join{DocumentID: "doc-2"})

	if got := h.dispatch(c2, SendUpdate{DocumentID: "doc-1", Payload: []byte{1}}); got != OutcomeNotAttached {
		t.Errorf("SendUpdate to foreign document = %v, want not_attached", got)
	}
	if got := s1.updates(); len(got) != 0 {
		t.Errorf("Foreign update was relayed: %v", got)
	}
}

func TestUpdate_OversizedRejected(t *testing.T) {
	h := newHarness(t, Options{MaxPayloadBytes: 4})
	h.store.put("doc", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleEditor})

	c1, _ := h.open("c1", "alice")
	c2, s2 := h.open("c2", "bob")
	h.dispatch(c1, Join{DocumentID: "doc"})
	h.dispatch(c2, Join{DocumentID: "doc"})

	if got := h.dispatch(c1, SendUpdate{DocumentID: "doc", Payload: []byte("too large")}); got != OutcomeRejected {
		t.Errorf("Oversized update = %v, want rejected", got)
	}
	if got := h.dispatch(c1, SendUpdate{DocumentID: "doc", Payload: []byte("ok")}); got != OutcomeApplied {
		t.Errorf("Small update = %v, want applied", got)
	}
	if got := s2.updates(); len(got) != 1 || string(got[0]) != "ok" {
		t.Errorf("Expected only the small update, got %v", got)
	}
}

func TestDisconnect_OnlyAttachedDocuments(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("d1", "alice", core.PermissionEntry{UserID: "bob", Role: core.RoleViewer})
	h.store.put("d2", "carol")

	c1, _ := h.open("c1", "bob")
	owner1, s1 := h.open("o1", "alice")
	owner2, s2 := h.open("o2", "carol")
	h.dispatch(owner1, Join{DocumentID: "d1"})
	h.dispatch(owner2, Join{DocumentID: "d2"})
	h.dispatch(c1, Join{DocumentID: "d1"})

	before2 := len(s2.all())
	h.dispatch(c1, Disconnect{})

	if n := s1.count(isLeft); n != 1 {
		t.Errorf("Expected 1 departure on d1, got %d", n)
	}
	if len(s2.all()) != before2 {
		t.Errorf("d2 received notifications for a connection never attached to it")
	}
	if h.coord.Connections() != 2 {
		t.Errorf("Expected 2 open connections, got %d", h.coord.Connections())
	}
	if !c1.Closed() {
		t.Error("Expected connection to be closed")
	}
}

func TestDisconnect_Detached(t *testing.T) {
	h := newHarness(t, Options{})
	c1, sink := h.open("c1", "alice")

	if got := h.dispatch(c1, Disconnect{}); got != OutcomeApplied {
		t.Errorf("Disconnect = %v, want applied", got)
	}
	if got := h.dispatch(c1, Disconnect{}); got != OutcomeClosed {
		t.Errorf("Second disconnect = %v, want closed", got)
	}
	if got := h.dispatch(c1, Join{DocumentID: "doc"}); got != OutcomeClosed {
		t.Errorf("Join after disconnect = %v, want closed", got)
	}
	if len(sink.all()) != 0 {
		t.Errorf("Expected no notifications, got %v", sink.all())
	}
}

func TestDispatch_UnknownEvent(t *testing.T) {
	h := newHarness(t, Options{})
	c1, _ := h.open("c1", "alice")

	if got := h.dispatch(c1, nil); got != OutcomeIgnored {
		t.Errorf("Dispatch(nil) = %v, want ignored", got)
	}
	if got := h.dispatch(c1, Join{}); got != OutcomeRejected {
		t.Errorf("Join without document = %v, want rejected", got)
	}
}

func TestScenario_OwnerAloneAndStranger(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("X", "A")

	a, sa := h.open("ca", "A")
	b, sb := h.open("cb", "B")

	h.dispatch(a, Join{DocumentID: "X"})
	if ids := h.rosterIDs("X"); !equalStrings(ids, []string{"A"}) {
		t.Fatalf("Roster = %v, want [A]", ids)
	}

	if got := h.dispatch(b, Join{DocumentID: "X"}); got != OutcomeDenied {
		t.Fatalf("Join B = %v, want denied", got)
	}
	if ids := h.rosterIDs("X"); !equalStrings(ids, []string{"A"}) {
		t.Fatalf("Roster after B = %v, want [A]", ids)
	}

	h.dispatch(a, SendUpdate{DocumentID: "X", Payload: []byte{0xDE, 0xAD}})
	if len(sa.updates()) != 0 || len(sb.updates()) != 0 {
		t.Error("Expected no update delivery anywhere")
	}

	h.dispatch(a, Disconnect{})
	if ids := h.rosterIDs("X"); len(ids) != 0 {
		t.Errorf("Roster after disconnect = %v, want empty", ids)
	}
	if docs := h.coord.Registry().Documents(); len(docs) != 0 {
		t.Errorf("Expected no active documents, got %v", docs)
	}
}

func TestScenario_EditorOrderPreserved(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("Y", "O", core.PermissionEntry{UserID: "E", Role: core.RoleEditor})

	o, so := h.open("co", "O")
	e, se := h.open("ce", "E")

	h.dispatch(o, Join{DocumentID: "Y"})
	h.dispatch(e, Join{DocumentID: "Y"})

	if ids := h.rosterIDs("Y"); !equalStrings(ids, []string{"O", "E"}) {
		t.Fatalf("Roster = %v, want [O E]", ids)
	}
	for name, sink := range map[string]*recordingSink{"O": so, "E": se} {
		roster, _ := sink.lastRoster()
		if !equalStrings(rosterIDs(roster), []string{"O", "E"}) {
			t.Errorf("%s last roster = %v, want [O E]", name, rosterIDs(roster))
		}
	}

	h.dispatch(e, SendUpdate{DocumentID: "Y", Payload: []byte("P1")})
	h.dispatch(e, SendUpdate{DocumentID: "Y", Payload: []byte("P2")})

	got := so.updates()
	if len(got) != 2 || string(got[0]) != "P1" || string(got[1]) != "P2" {
		t.Errorf("O observed %q, want [P1 P2]", got)
	}
}

func TestConcurrentSendersPreservePerSenderOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.put("doc", "owner",
		core.PermissionEntry{UserID: "s1", Role: core.RoleEditor},
		core.PermissionEntry{UserID: "s2", Role: core.RoleEditor},
	)

	recv, sink := h.open("recv", "owner")
	h.dispatch(recv, Join{DocumentID: "doc"})

	const perSender = 200
	senders := []string{"s1", "s2"}

	var wg sync.WaitGroup
	for _, name := range senders {
		conn, _ := h.open("conn-"+name, name)
		h.dispatch(conn, Join{DocumentID: "doc"})

		wg.Add(1)
		go func(conn *Connection, name string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				h.dispatch(conn, SendUpdate{DocumentID: "doc", Payload: []byte(fmt.Sprintf("%s:%04d", name, i))})
			}
		}(conn, name)
	}
	wg.Wait()

	next := map[string]int{}
	for _, p := range sink.updates() {
		parts := bytes.SplitN(p, []byte(":"), 2)
		name := string(parts[0])
		want := fmt.Sprintf("%04d", next[name])
		if string(parts[1]) != want {
			t.Fatalf("Sender %s: got %s, want %s", name, parts[1], want)
		}
		next[name]++
	}
	for _, name := range senders {
		if next[name] != perSender {
			t.Errorf("Sender %s: received %d updates, want %d", name, next[name], perSender)
		}
	}
}

func TestConcurrentJoinsAndDisconnects(t *testing.T) {
	h := newHarness(t, Options{})
	entries := make([]core.PermissionEntry, 0, 40)
	for i := 0; i < 40; i++ {
		entries = append(entries, core.PermissionEntry{UserID: fmt.Sprintf("u%d", i), Role: core.RoleViewer})
	}
	h.store.put("doc", "owner", entries...)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _ := h.open(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i))
			h.dispatch(conn, Join{DocumentID: "doc"})
			if i%4 == 0 {
				h.dispatch(conn, Disconnect{})
			}
		}(i)
	}
	wg.Wait()

	if got := len(h.coord.Registry().Roster("doc")); got != 30 {
		t.Errorf("Roster size = %d, want 30", got)
	}
	if got := h.coord.Connections(); got != 30 {
		t.Errorf("Open connections = %d, want 30", got)
	}
}
