package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cwrk-planet/match-service/internal/domain"
	"github.com/cwrk-planet/match-service/internal/registry"
)

type recordingNotifier struct {
	mu   sync.Mutex
	reg  *registry.Registry
	sent map[string][]Event
}

func newRecordingNotifier(reg *registry.Registry) *recordingNotifier {
	return &recordingNotifier{reg: reg, sent: make(map[string][]Event)}
}

func (n *recordingNotifier) Notify(connID string, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[connID] = append(n.sent[connID], ev)
}

func (n *recordingNotifier) Broadcast(ev Event) {
	for id := range n.reg.Snapshot() {
		n.Notify(id, ev)
	}
}

func (n *recordingNotifier) events(connID, typ string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.sent[connID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	reg      *registry.Registry
	notifier *recordingNotifier
	presence *PresenceService
	match    *MatchService
	signal   *SignalService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	n := newRecordingNotifier(reg)
	presence := NewPresenceService(reg, n)
	return &fixture{
		reg:      reg,
		notifier: n,
		presence: presence,
		match:    NewMatchService(reg, presence, n, nil),
		signal:   NewSignalService(reg, presence, n, nil),
	}
}

func (f *fixture) connect(t *testing.T, conn, session string) {
	t.Helper()
	if _, err := f.reg.Register(conn, session, "device-"+conn); err != nil {
		t.Fatalf("register %s: %v", conn, err)
	}
}

func (f *fixture) status(t *testing.T, conn string) domain.Participant {
	t.Helper()
	p, ok := f.reg.Get(conn)
	if !ok {
		t.Fatalf("%s not registered", conn)
	}
	return p
}

func matchPayload(t *testing.T, n *recordingNotifier, conn string) MatchFoundPayload {
	t.Helper()
	evs := n.events(conn, EventMatchFound)
	if len(evs) != 1 {
		t.Fatalf("%s: expected 1 matchFound, got %d", conn, len(evs))
	}
	return evs[0].Payload.(MatchFoundPayload)
}

func TestMatch_TwoSessionsArePaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")

	if err := f.match.Enqueue(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if err := f.match.Enqueue(ctx, "B"); err != nil {
		t.Fatal(err)
	}

	pa := matchPayload(t, f.notifier, "A")
	pb := matchPayload(t, f.notifier, "B")
	if pa.RoomID == "" || pa.RoomID != pb.RoomID {
		t.Fatalf("room ids differ: %q vs %q", pa.RoomID, pb.RoomID)
	}
	if pa.IsInitiator == pb.IsInitiator {
		t.Fatalf("exactly one initiator expected: A=%v B=%v", pa.IsInitiator, pb.IsInitiator)
	}
	if !pa.IsInitiator {
		t.Fatal("the earlier entry should initiate")
	}
	if pa.PeerInfo.ConnectionID != "B" || pa.PeerInfo.DeviceInfo != "device-B" {
		t.Fatalf("A peer info: %+v", pa.PeerInfo)
	}
	if pb.PeerInfo.ConnectionID != "A" {
		t.Fatalf("B peer info: %+v", pb.PeerInfo)
	}

	for _, id := range []string{"A", "B"} {
		p := f.status(t, id)
		if p.Status != domain.StatusInCall || p.RoomID != pa.RoomID {
			t.Fatalf("%s: %+v", id, p)
		}
	}
	if len(f.match.Waiting()) != 0 {
		t.Fatalf("waiting set not drained: %v", f.match.Waiting())
	}
}

func TestMatch_SameSessionNeverPaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "C", "s1")

	_ = f.match.Enqueue(ctx, "A")
	_ = f.match.Enqueue(ctx, "C")

	if _, ok := f.match.TryMatch(ctx); ok {
		t.Fatal("duplicate session must not be matched")
	}
	for _, id := range []string{"A", "C"} {
		if p := f.status(t, id); p.Status != domain.StatusSearching {
			t.Fatalf("%s should still be searching: %+v", id, p)
		}
	}

	f.connect(t, "D", "s2")
	_ = f.match.Enqueue(ctx, "D")

	pa := matchPayload(t, f.notifier, "A")
	if pa.PeerInfo.ConnectionID != "D" {
		t.Fatalf("A should be paired with D, got %+v", pa.PeerInfo)
	}
	if got := f.match.Waiting(); len(got) != 1 || got[0] != "C" {
		t.Fatalf("C should remain queued, got %v", got)
	}
	if len(f.notifier.events("C", EventMatchFound)) != 0 {
		t.Fatal("C must not be matched")
	}
}

func TestMatch_SkipsToFirstDifferentSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "A2", "s1")
	f.connect(t, "B", "s2")
	f.connect(t, "C", "s3")

	f.seedWaiting(t, "A", "A2", "B", "C")

	m, ok := f.match.TryMatch(ctx)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Initiator.ConnectionID != "A" || m.Responder.ConnectionID != "B" {
		t.Fatalf("insertion order not respected: %+v", m)
	}
	if got := f.match.Waiting(); len(got) != 2 || got[0] != "A2" || got[1] != "C" {
		t.Fatalf("remaining=%v", got)
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")

	_ = f.match.Enqueue(ctx, "A")
	if err := f.match.Enqueue(ctx, "A"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if got := f.match.Waiting(); len(got) != 1 {
		t.Fatalf("waiting=%v", got)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.match.Enqueue(ctx, "ghost"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	_ = f.match.Enqueue(ctx, "A")
	_ = f.match.Enqueue(ctx, "B")
	if err := f.match.Enqueue(ctx, "A"); !errors.Is(err, domain.ErrAlreadyInCall) {
		t.Fatalf("expected already in call, got %v", err)
	}
}

func TestDequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")

	_ = f.match.Enqueue(ctx, "A")
	f.match.Dequeue(ctx, "A")

	if p := f.status(t, "A"); p.Status != domain.StatusOnline {
		t.Fatalf("status=%s", p.Status)
	}
	if len(f.match.Waiting()) != 0 {
		t.Fatal("still queued")
	}

	// no-op when not searching
	f.match.Dequeue(ctx, "A")
	if p := f.status(t, "A"); p.Status != domain.StatusOnline {
		t.Fatalf("status=%s", p.Status)
	}
}

func TestDequeue_MatchedParticipantUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	_ = f.match.Enqueue(ctx, "A")
	_ = f.match.Enqueue(ctx, "B")

	f.match.Dequeue(ctx, "A")
	if p := f.status(t, "A"); p.Status != domain.StatusInCall {
		t.Fatalf("matched participant must stay in call: %+v", p)
	}
}

func TestDisconnectedSearcherNeverSelected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	_ = f.match.Enqueue(ctx, "A")

	f.match.Remove("A")
	f.reg.Remove("A")

	_ = f.match.Enqueue(ctx, "B")
	if _, ok := f.match.TryMatch(ctx); ok {
		t.Fatal("nobody left to match with")
	}
	if len(f.notifier.events("B", EventMatchFound)) != 0 {
		t.Fatal("B matched with a disconnected participant")
	}
	if got := f.match.Waiting(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("waiting=%v", got)
	}
}

func (f *fixture) seedWaiting(t *testing.T, ids ...string) {
	t.Helper()
	f.match.mu.Lock()
	defer f.match.mu.Unlock()
	for _, id := range ids {
		if _, err := f.reg.SetStatus(id, domain.StatusSearching); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
		f.match.waiting = append(f.match.waiting, id)
		f.match.queued[id] = struct{}{}
	}
}

func TestMatch_PrunesVanishedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	f.connect(t, "C", "s3")
	f.seedWaiting(t, "A", "B")

	// B is gone from the registry but its queue entry was never removed
	f.reg.Remove("B")
	_ = f.match.Enqueue(ctx, "C")

	if peer := matchPayload(t, f.notifier, "C").PeerInfo.ConnectionID; peer != "A" {
		t.Fatalf("C paired with %s", peer)
	}
	if got := f.match.Waiting(); len(got) != 0 {
		t.Fatalf("vanished entry not pruned: %v", got)
	}
}

func TestMatch_CandidateGoneBeforeCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	f.connect(t, "C", "s3")
	f.seedWaiting(t, "A", "B", "C")

	// room ids are generated between selection and commit; B drops there
	calls := 0
	f.match.newRoomID = func() string {
		calls++
		if calls == 1 {
			f.reg.Remove("B")
		}
		return fmt.Sprintf("room-%d", calls)
	}

	m, ok := f.match.TryMatch(ctx)
	if !ok {
		t.Fatal("retry should pair the survivor")
	}
	if m.RoomID != "room-2" || m.Initiator.ConnectionID != "A" || m.Responder.ConnectionID != "C" {
		t.Fatalf("unexpected match: %+v", m)
	}
	if p := f.status(t, "A"); p.RoomID != "room-2" {
		t.Fatalf("A: %+v", p)
	}
}

func TestMatch_RetryRestoresSurvivor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	f.seedWaiting(t, "A", "B")

	f.match.newRoomID = func() string {
		f.reg.Remove("B")
		return "x"
	}

	if m, ok := f.match.TryMatch(ctx); ok {
		t.Fatalf("no match expected, got %+v", m)
	}
	if got := f.match.Waiting(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("survivor must stay queued, got %v", got)
	}
	if p := f.status(t, "A"); p.Status != domain.StatusSearching {
		t.Fatalf("A: %+v", p)
	}
	if len(f.notifier.events("A", EventMatchFound)) != 0 {
		t.Fatal("A must not be notified")
	}
}

func TestMatch_ConcurrentEnqueueNeverDoubleBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 40
	for i := 0; i < n; i++ {
		f.connect(t, fmt.Sprintf("c%d", i), fmt.Sprintf("s%d", i%7))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.match.Enqueue(ctx, fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	rooms := map[string][]domain.Participant{}
	for _, p := range f.reg.All() {
		if p.InCall() != (p.RoomID != "") {
			t.Fatalf("invariant broken: %+v", p)
		}
		if p.RoomID != "" {
			rooms[p.RoomID] = append(rooms[p.RoomID], p)
		}
		if got := len(f.notifier.events(p.ConnectionID, EventMatchFound)); got > 1 {
			t.Fatalf("%s matched %d times", p.ConnectionID, got)
		}
	}
	for id, members := range rooms {
		if len(members) != 2 {
			t.Fatalf("room %s has %d members", id, len(members))
		}
		if members[0].SessionID == members[1].SessionID {
			t.Fatalf("room %s pairs one session: %s", id, members[0].SessionID)
		}
	}
}

func TestMatch_ResponderNotifiedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")

	var order []string
	rec := &orderNotifier{inner: f.notifier, order: &order}
	f.match.notifier = rec

	_ = f.match.Enqueue(ctx, "A")
	_ = f.match.Enqueue(ctx, "B")

	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Fatalf("matchFound order=%v, want responder then initiator", order)
	}
}

type orderNotifier struct {
	inner Notifier
	order *[]string
}

func (o *orderNotifier) Notify(connID string, ev Event) {
	if ev.Type == EventMatchFound {
		*o.order = append(*o.order, connID)
	}
	o.inner.Notify(connID, ev)
}

func (o *orderNotifier) Broadcast(ev Event) { o.inner.Broadcast(ev) }

func pairAB(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	f.connect(t, "C", "s3")
	_ = f.match.Enqueue(ctx, "A")
	_ = f.match.Enqueue(ctx, "B")
	return matchPayload(t, f.notifier, "A").RoomID
}

func TestForward_OnlyToPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := pairAB(t, f)

	sdp := json.RawMessage(`{"type":"offer","sdp":"X"}`)
	if err := f.signal.Forward(ctx, SignalOffer, room, "A", sdp); err != nil {
		t.Fatalf("forward: %v", err)
	}

	got := f.notifier.events("B", EventReceiveOffer)
	if len(got) != 1 {
		t.Fatalf("B received %d offers", len(got))
	}
	p := got[0].Payload.(SDPPayload)
	if string(p.SDP) != string(sdp) || p.SenderID != "A" {
		t.Fatalf("payload=%+v", p)
	}
	if len(f.notifier.events("C", EventReceiveOffer)) != 0 || len(f.notifier.events("A", EventReceiveOffer)) != 0 {
		t.Fatal("offer leaked outside the peer")
	}
}

func TestForward_Kinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := pairAB(t, f)

	_ = f.signal.Forward(ctx, SignalAnswer, room, "B", json.RawMessage(`"ans"`))
	_ = f.signal.Forward(ctx, SignalICECandidate, room, "B", json.RawMessage(`{"candidate":"c1"}`))

	if len(f.notifier.events("A", EventReceiveAnswer)) != 1 {
		t.Fatal("answer not relayed")
	}
	cands := f.notifier.events("A", EventICECandidate)
	if len(cands) != 1 || cands[0].Payload.(CandidatePayload).SenderID != "B" {
		t.Fatalf("candidate not relayed: %+v", cands)
	}

	if err := f.signal.Forward(ctx, SignalKind("bye"), room, "B", nil); !errors.Is(err, domain.ErrUnknownSignal) {
		t.Fatalf("expected unknown signal, got %v", err)
	}
}

func TestForward_StaleAndOutsider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := pairAB(t, f)

	if err := f.signal.Forward(ctx, SignalOffer, room, "C", json.RawMessage(`1`)); !IsStale(err) {
		t.Fatalf("outsider should be dropped, got %v", err)
	}
	_ = f.signal.EndRoom(ctx, room, "A")
	if err := f.signal.Forward(ctx, SignalOffer, room, "A", json.RawMessage(`1`)); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("forward after teardown should be dropped, got %v", err)
	}
	if len(f.notifier.events("B", EventReceiveOffer)) != 0 {
		t.Fatal("nothing should have been relayed")
	}
}

func TestEndRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := pairAB(t, f)

	if err := f.signal.EndRoom(ctx, room, "A"); err != nil {
		t.Fatalf("end room: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		p := f.status(t, id)
		if p.Status != domain.StatusOnline || p.RoomID != "" {
			t.Fatalf("%s: %+v", id, p)
		}
		if len(f.notifier.events(id, EventCallEnded)) != 1 {
			t.Fatalf("%s did not get callEnded", id)
		}
	}

	if err := f.signal.EndRoom(ctx, room, "A"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("second end must be a no-op, got %v", err)
	}
	if len(f.notifier.events("B", EventCallEnded)) != 1 {
		t.Fatal("second end must not notify again")
	}

	// both can search again
	if err := f.match.Enqueue(ctx, "A"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
}

func TestPeerDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := pairAB(t, f)

	d, ok := f.reg.Remove("B")
	if !ok {
		t.Fatal("remove failed")
	}
	f.signal.PeerDisconnected(ctx, d)

	evs := f.notifier.events("A", EventPeerDisconnected)
	if len(evs) != 1 || evs[0].Payload.(RoomPayload).RoomID != room {
		t.Fatalf("A peerDisconnected=%+v", evs)
	}
	if p := f.status(t, "A"); p.Status != domain.StatusOnline || p.RoomID != "" {
		t.Fatalf("A: %+v", p)
	}
	if len(f.notifier.events("A", EventCallEnded)) != 0 {
		t.Fatal("disconnect is not a graceful end")
	}

	// departure of a participant outside any room is a no-op
	d, _ = f.reg.Remove("C")
	f.signal.PeerDisconnected(ctx, d)
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")

	f.presence.AnnounceStatus("A", domain.StatusOnline)
	for _, id := range []string{"A", "B"} {
		evs := f.notifier.events(id, EventUserStatusUpdate)
		if len(evs) != 1 {
			t.Fatalf("%s: %d status updates", id, len(evs))
		}
		if p := evs[0].Payload.(StatusUpdatePayload); p.ConnectionID != "A" || p.Status != domain.StatusOnline {
			t.Fatalf("payload=%+v", p)
		}
	}

	f.presence.SendSnapshot("B")
	snap := f.notifier.events("B", EventCurrentUsers)
	if len(snap) != 1 {
		t.Fatal("snapshot not sent")
	}
	users := snap[0].Payload.(map[string]PresenceEntry)
	if len(users) != 2 || users["A"].Status != domain.StatusOnline {
		t.Fatalf("snapshot=%v", users)
	}
	if len(f.notifier.events("A", EventCurrentUsers)) != 0 {
		t.Fatal("snapshot must go to the requester only")
	}

	f.presence.AnnounceCount()
	if evs := f.notifier.events("A", EventOnlineUsersCount); len(evs) != 1 || evs[0].Payload.(int) != 2 {
		t.Fatalf("count=%+v", evs)
	}

	f.reg.Remove("A")
	f.presence.AnnounceDisconnect("A")
	if evs := f.notifier.events("B", EventUserDisconnected); len(evs) != 1 || evs[0].Payload.(string) != "A" {
		t.Fatalf("disconnect=%+v", evs)
	}
}

func TestPresence_AnnouncesLatestStatus(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "s1")
	_, _ = f.reg.SetStatus("A", domain.StatusSearching)

	// a late announcement of an older status carries the current one
	f.presence.AnnounceStatus("A", domain.StatusOnline)
	evs := f.notifier.events("A", EventUserStatusUpdate)
	if got := evs[0].Payload.(StatusUpdatePayload).Status; got != domain.StatusSearching {
		t.Fatalf("status=%s", got)
	}
}

func TestPresence_DepartedParticipantNotAnnounced(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "s1")
	f.connect(t, "B", "s2")
	f.reg.Remove("A")

	f.presence.AnnounceStatus("A", domain.StatusInCall)
	if evs := f.notifier.events("B", EventUserStatusUpdate); len(evs) != 0 {
		t.Fatalf("late update for a departed participant: %+v", evs)
	}
}

func TestPresence_EmptySnapshot(t *testing.T) {
	f := newFixture(t)
	if snap := f.presence.Snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot=%v", snap)
	}
}
