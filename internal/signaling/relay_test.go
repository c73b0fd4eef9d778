package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/pairlink/signaling-relay/internal/metrics"
	"github.com/pairlink/signaling-relay/internal/registry"
)

// fakePeer records every delivered message in order.
type fakePeer struct {
	id string

	mu       sync.Mutex
	messages []SignalMessage
	failWith error
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Deliver(msg SignalMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePeer) received() []SignalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SignalMessage(nil), p.messages...)
}

func (p *fakePeer) last(t *testing.T) SignalMessage {
	t.Helper()
	msgs := p.received()
	if len(msgs) == 0 {
		t.Fatalf("peer %s received no messages", p.id)
	}
	return msgs[len(msgs)-1]
}

func newTestRelay(t *testing.T) (*Relay, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewRelay(registry.New(0), slog.Default(), m, 64), m
}

func register(r *Relay, id string) *fakePeer {
	p := &fakePeer{id: id}
	r.Register(p)
	return p
}

func TestJoinAssignsRolesByArrivalOrder(t *testing.T) {
	r, _ := newTestRelay(t)
	a := register(r, "conn-a")
	b := register(r, "conn-b")

	r.Join("conn-a", "ROOM1")

	got := a.last(t)
	if got.Type != MessageTypeRoomJoined {
		t.Fatalf("first message to creator = %q, want room-joined", got.Type)
	}
	if got.IsInitiator == nil || !*got.IsInitiator {
		t.Fatalf("creator isInitiator = %v, want true", got.IsInitiator)
	}
	if got.ParticipantCount != 1 {
		t.Fatalf("creator participantCount = %d, want 1", got.ParticipantCount)
	}
	if got.RoomID != "ROOM1" {
		t.Fatalf("creator roomId = %q, want ROOM1", got.RoomID)
	}

	r.Join("conn-b", "ROOM1")

	joined := b.last(t)
	if joined.Type != MessageTypeRoomJoined {
		t.Fatalf("joiner got %q, want room-joined", joined.Type)
	}
	if joined.IsInitiator == nil || *joined.IsInitiator {
		t.Fatalf("joiner isInitiator = %v, want false", joined.IsInitiator)
	}
	if joined.ParticipantCount != 2 {
		t.Fatalf("joiner participantCount = %d, want 2", joined.ParticipantCount)
	}

	notified := a.last(t)
	if notified.Type != MessageTypePeerJoined {
		t.Fatalf("initiator got %q, want peer-joined", notified.Type)
	}
	if notified.PeerID != "conn-b" {
		t.Fatalf("peer-joined peerId = %q, want conn-b", notified.PeerID)
	}

	if role, ok := r.Role("conn-a"); !ok || role != RoleInitiator {
		t.Fatalf("conn-a role = %v, %v", role, ok)
	}
	if role, ok := r.Role("conn-b"); !ok || role != RoleJoiner {
		t.Fatalf("conn-b role = %v, %v", role, ok)
	}
}

func TestJoinerRoomJoinedPrecedesPeerJoined(t *testing.T) {
	// Both events for this join originate from one call; the joiner's ack is
	// always written before the initiator is notified.
	r, _ := newTestRelay(t)
	register(r, "conn-a")
	b := register(r, "conn-b")

	r.Join("conn-a", "ROOM1")
	r.Join("conn-b", "ROOM1")

	msgs := b.received()
	if len(msgs) != 1 || msgs[0].Type != MessageTypeRoomJoined {
		t.Fatalf("joiner messages = %v, want exactly one room-joined", msgs)
	}
}

func TestJoinRoomIDNormalized(t *testing.T) {
	r, _ := newTestRelay(t)
	a := register(r, "conn-a")
	b := register(r, "conn-b")

	r.Join("conn-a", "abc123")
	r.Join("conn-b", "  ABC123  ")

	if got := b.last(t); got.Type != MessageTypeRoomJoined || got.ParticipantCount != 2 {
		t.Fatalf("case-insensitive join failed: %+v", got)
	}
	if got := a.last(t); got.Type != MessageTypePeerJoined {
		t.Fatalf("initiator got %q, want peer-joined", got.Type)
	}
}

func TestJoinRejections(t *testing.T) {
	t.Run("empty room id", func(t *testing.T) {
		r, m := newTestRelay(t)
		a := register(r, "conn-a")

		r.Join("conn-a", "   ")

		got := a.last(t)
		if got.Type != MessageTypeError || got.Message != "Failed to join room" {
			t.Fatalf("got %+v", got)
		}
		if got.Details != "room id is required" {
			t.Fatalf("details = %q", got.Details)
		}
		if m.Get(metrics.JoinRejectedInvalidRoom) != 1 {
			t.Fatalf("invalid-room counter = %d", m.Get(metrics.JoinRejectedInvalidRoom))
		}
	})

	t.Run("room id too long", func(t *testing.T) {
		r, m := newTestRelay(t)
		a := register(r, "conn-a")

		long := make([]byte, 65)
		for i := range long {
			long[i] = 'A'
		}
		r.Join("conn-a", string(long))

		if got := a.last(t); got.Details != "room id too long" {
			t.Fatalf("details = %q", got.Details)
		}
		if m.Get(metrics.JoinRejectedInvalidRoom) != 1 {
			t.Fatal("invalid-room counter not incremented")
		}
	})

	t.Run("room full leaves membership unchanged", func(t *testing.T) {
		r, m := newTestRelay(t)
		a := register(r, "conn-a")
		b := register(r, "conn-b")
		c := register(r, "conn-c")

		r.Join("conn-a", "ROOM1")
		r.Join("conn-b", "ROOM1")
		beforeA := len(a.received())
		beforeB := len(b.received())

		r.Join("conn-c", "ROOM1")

		got := c.last(t)
		if got.Type != MessageTypeError || got.Details != "room is full" {
			t.Fatalf("got %+v", got)
		}
		if m.Get(metrics.JoinRejectedRoomFull) != 1 {
			t.Fatal("room-full counter not incremented")
		}
		// Existing members see nothing.
		if len(a.received()) != beforeA || len(b.received()) != beforeB {
			t.Fatal("rejected join disturbed existing members")
		}
		if _, ok := r.Role("conn-c"); ok {
			t.Fatal("rejected connection was assigned a role")
		}
	})

	t.Run("second join from same connection", func(t *testing.T) {
		r, m := newTestRelay(t)
		a := register(r, "conn-a")

		r.Join("conn-a", "ROOM1")
		r.Join("conn-a", "ROOM2")

		got := a.last(t)
		if got.Type != MessageTypeError || got.Details != "already joined a room" {
			t.Fatalf("got %+v", got)
		}
		if m.Get(metrics.JoinRejectedAlreadyJoined) != 1 {
			t.Fatal("already-joined counter not incremented")
		}
		if role, ok := r.Role("conn-a"); !ok || role != RoleInitiator {
			t.Fatal("original membership disturbed by rejected second join")
		}
	})

	t.Run("room quota", func(t *testing.T) {
		m := metrics.New()
		r := NewRelay(registry.New(1), slog.Default(), m, 64)
		register(r, "conn-a")
		b := register(r, "conn-b")

		r.Join("conn-a", "ROOM1")
		r.Join("conn-b", "ROOM2")

		got := b.last(t)
		if got.Type != MessageTypeError || got.Details != "too many rooms" {
			t.Fatalf("got %+v", got)
		}
		if m.Get(metrics.JoinRejectedTooManyRooms) != 1 {
			t.Fatal("too-many-rooms counter not incremented")
		}
	})
}

func TestForwardDeliversVerbatimAndNeverEchoes(t *testing.T) {
	r, m := newTestRelay(t)
	a := register(r, "conn-a")
	b := register(r, "conn-b")
	r.Join("conn-a", "ROOM1")
	r.Join("conn-b", "ROOM1")

	const sdp = `{"type":"offer","sdp":"v=0\r\n"}`
	msg, err := ParseClientMessage([]byte(`{"type":"offer","roomId":"ROOM1","offer":` + sdp + `}`))
	if err != nil {
		t.Fatal(err)
	}
	beforeA := len(a.received())

	r.Forward("conn-a", msg)

	got := b.last(t)
	if got.Type != MessageTypeOffer {
		t.Fatalf("peer got %q, want offer", got.Type)
	}
	if string(got.Offer) != sdp {
		t.Fatalf("offer mutated in transit:\n got %s\nwant %s", got.Offer, sdp)
	}
	if got.RoomID != "" {
		t.Fatalf("relayed offer leaked roomId %q", got.RoomID)
	}
	if len(a.received()) != beforeA {
		t.Fatal("offer echoed back to its sender")
	}
	if m.Get(metrics.OfferForwarded) != 1 {
		t.Fatal("offer counter not incremented")
	}
}

func TestForwardAnswerAndCandidate(t *testing.T) {
	r, m := newTestRelay(t)
	a := register(r, "conn-a")
	register(r, "conn-b")
	r.Join("conn-a", "ROOM1")
	r.Join("conn-b", "ROOM1")

	answer, err := ParseClientMessage([]byte(`{"type":"answer","roomId":"ROOM1","answer":{"type":"answer","sdp":"v=0"}}`))
	if err != nil {
		t.Fatal(err)
	}
	r.Forward("conn-b", answer)
	if got := a.last(t); got.Type != MessageTypeAnswer || got.Answer == nil {
		t.Fatalf("got %+v", got)
	}

	cand, err := ParseClientMessage([]byte(`{"type":"ice-candidate","roomId":"ROOM1","candidate":{"candidate":"candidate:1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	r.Forward("conn-b", cand)
	if got := a.last(t); got.Type != MessageTypeICECandidate || got.Candidate == nil {
		t.Fatalf("got %+v", got)
	}

	if m.Get(metrics.AnswerForwarded) != 1 || m.Get(metrics.CandidateForwarded) != 1 {
		t.Fatal("forward counters not incremented")
	}
}

func TestForwardUnknownRoom(t *testing.T) {
	r, m := newTestRelay(t)
	a := register(r, "conn-a")

	msg, err := ParseClientMessage([]byte(`{"type":"offer","roomId":"NOPE","offer":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	r.Forward("conn-a", msg)

	got := a.last(t)
	if got.Type != MessageTypeError || got.Message != "Failed to send offer" {
		t.Fatalf("got %+v", got)
	}
	if got.Details != "room not found" {
		t.Fatalf("details = %q", got.Details)
	}
	if m.Get(metrics.ForwardRoomNotFound) != 1 {
		t.Fatal("room-not-found counter not incremented")
	}
}

func TestForwardAloneInRoomIsSilentDrop(t *testing.T) {
	r, m := newTestRelay(t)
	a := register(r, "conn-a")
	r.Join("conn-a", "ROOM1")
	before := len(a.received())

	msg, err := ParseClientMessage([]byte(`{"type":"ice-candidate","roomId":"ROOM1","candidate":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	r.Forward("conn-a", msg)

	if len(a.received()) != before {
		t.Fatal("sender received a message for a dropped forward")
	}
	if m.Get(metrics.ForwardNoPeerDrop) != 1 {
		t.Fatal("no-peer-drop counter not incremented")
	}
}

func TestDisconnectNotifiesRemainingPeer(t *testing.T) {
	r, m := newTestRelay(t)
	a := register(r, "conn-a")
	register(r, "conn-b")
	r.Join("conn-a", "ROOM1")
	r.Join("conn-b", "ROOM1")

	r.Disconnect("conn-b")

	got := a.last(t)
	if got.Type != MessageTypePeerDisconnected {
		t.Fatalf("remaining peer got %q, want peer-disconnected", got.Type)
	}
	if m.Get(metrics.PeerDisconnectedSent) != 1 {
		t.Fatal("peer-disconnected counter not incremented")
	}
	if _, ok := r.Role("conn-b"); ok {
		t.Fatal("disconnected connection still has a role")
	}
}

func TestDisconnectLastMemberDeletesRoom(t *testing.T) {
	reg := registry.New(0)
	r := NewRelay(reg, slog.Default(), metrics.New(), 64)
	register(r, "conn-a")

	r.Join("conn-a", "ROOM1")
	r.Disconnect("conn-a")

	if reg.HasRoom("ROOM1") {
		t.Fatal("room survived its last member")
	}

	// The id is reusable immediately.
	register(r, "conn-c")
	r.Join("conn-c", "ROOM1")
	if role, ok := r.Role("conn-c"); !ok || role != RoleInitiator {
		t.Fatalf("rejoin after deletion: role = %v, %v", role, ok)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r, m := newTestRelay(t)
	a := register(r, "conn-a")
	register(r, "conn-b")
	r.Join("conn-a", "ROOM1")
	r.Join("conn-b", "ROOM1")

	r.Disconnect("conn-b")
	r.Disconnect("conn-b")
	r.Disconnect("never-connected")

	var count int
	for _, msg := range a.received() {
		if msg.Type == MessageTypePeerDisconnected {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("peer-disconnected delivered %d times, want 1", count)
	}
	if m.Get(metrics.PeerDisconnectedSent) != 1 {
		t.Fatalf("counter = %d, want 1", m.Get(metrics.PeerDisconnectedSent))
	}
}

func TestDeliveryFailureDoesNotAffectOthers(t *testing.T) {
	r, _ := newTestRelay(t)
	a := register(r, "conn-a")
	a.failWith = errors.New("write: broken pipe")
	b := register(r, "conn-b")

	r.Join("conn-a", "ROOM1")
	r.Join("conn-b", "ROOM1")

	// The joiner's ack goes through even though the initiator's socket
	// rejects the peer-joined notification.
	if got := b.last(t); got.Type != MessageTypeRoomJoined {
		t.Fatalf("joiner got %q", got.Type)
	}

	msg, err := ParseClientMessage([]byte(`{"type":"offer","roomId":"ROOM1","offer":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	r.Forward("conn-b", msg)
	// Forward attempted delivery and logged the failure; membership intact.
	if role, ok := r.Role("conn-a"); !ok || role != RoleInitiator {
		t.Fatal("delivery failure disturbed membership")
	}
}

func TestTwoRoomsAreIsolated(t *testing.T) {
	r, _ := newTestRelay(t)
	register(r, "a1")
	a2 := register(r, "a2")
	register(r, "b1")
	b2 := register(r, "b2")

	r.Join("a1", "ROOMA")
	r.Join("a2", "ROOMA")
	r.Join("b1", "ROOMB")
	r.Join("b2", "ROOMB")

	offer := func(room string) SignalMessage {
		msg, err := ParseClientMessage([]byte(`{"type":"offer","roomId":"` + room + `","offer":{"room":"` + room + `"}}`))
		if err != nil {
			t.Fatal(err)
		}
		return msg
	}
	r.Forward("a1", offer("ROOMA"))
	r.Forward("b1", offer("ROOMB"))

	var gotA struct {
		Room string `json:"room"`
	}
	if err := json.Unmarshal(a2.last(t).Offer, &gotA); err != nil || gotA.Room != "ROOMA" {
		t.Fatalf("room A peer got %s (err %v)", a2.last(t).Offer, err)
	}
	if err := json.Unmarshal(b2.last(t).Offer, &gotA); err != nil || gotA.Room != "ROOMB" {
		t.Fatalf("room B peer got %s (err %v)", b2.last(t).Offer, err)
	}
}
