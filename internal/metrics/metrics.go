package metrics

import "sync"

// Event counter names used by the signaling relay.
const (
	RoomCreated  = "room_created"
	RoomDeleted  = "room_deleted"
	JoinAccepted = "join_accepted"

	JoinRejectedInvalidRoom   = "join_rejected_invalid_room"
	JoinRejectedRoomFull      = "join_rejected_room_full"
	JoinRejectedAlreadyJoined = "join_rejected_already_joined"
	JoinRejectedTooManyRooms  = "join_rejected_too_many_rooms"

	OfferForwarded     = "offer_forwarded"
	AnswerForwarded    = "answer_forwarded"
	CandidateForwarded = "candidate_forwarded"

	ForwardRoomNotFound = "forward_room_not_found"
	ForwardNoPeerDrop   = "forward_no_peer_drop"

	PeerDisconnectedSent = "peer_disconnected_sent"

	MessageRejectedMalformed = "message_rejected_malformed"
	ConnectionRateLimited    = "connection_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters are exposed for scraping via PrometheusHandler; keeping the
// registry in-process keeps the relay's routing logic directly testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
