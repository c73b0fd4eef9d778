package signaling

import (
	"log/slog"
	"sync"

	"github.com/pairlink/signaling-relay/internal/metrics"
	"github.com/pairlink/signaling-relay/internal/registry"
)

// Role is assigned once, at the connection's successful join, by arrival
// order: the first member of a room initiates the WebRTC offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Peer is the delivery side of a connection, implemented by the WebSocket
// session. Deliver must be safe to call from any goroutine.
type Peer interface {
	ID() string
	Deliver(msg SignalMessage) error
}

type connState struct {
	roomID string
	role   Role
}

// Relay routes signaling messages between the two members of a room.
//
// The relay owns the connection-to-role/room association; the injected
// registry owns membership only. Registry mutation and the decision of who to
// notify happen atomically under mu; the actual writes happen after release
// so a slow peer socket never stalls unrelated rooms. Notifications decided
// by one handler invocation are delivered in order from that one goroutine,
// which is what guarantees a joiner's room-joined always precedes the
// initiator's peer-joined.
//
// Every failure is reported only to the connection that triggered it, as an
// error event; no failure disturbs any other connection's state.
type Relay struct {
	log             *slog.Logger
	metrics         *metrics.Metrics
	reg             *registry.Registry
	maxRoomIDLength int

	mu    sync.Mutex
	peers map[string]Peer
	conns map[string]connState
}

func NewRelay(reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics, maxRoomIDLength int) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = registry.New(0)
	}
	return &Relay{
		log:             logger,
		metrics:         m,
		reg:             reg,
		maxRoomIDLength: maxRoomIDLength,
		peers:           make(map[string]Peer),
		conns:           make(map[string]connState),
	}
}

// Register makes a connection reachable for notifications. It must be called
// before the connection's first message is handled.
func (r *Relay) Register(p Peer) {
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.mu.Unlock()
}

// Join handles a join-room request from connID.
func (r *Relay) Join(connID, roomID string) {
	normalized := registry.NormalizeRoomID(roomID)

	r.mu.Lock()
	requester := r.peers[connID]

	if normalized == "" {
		r.mu.Unlock()
		r.metrics.Inc(metrics.JoinRejectedInvalidRoom)
		r.deliverError(requester, "Failed to join room", "room id is required")
		return
	}
	if r.maxRoomIDLength > 0 && len(normalized) > r.maxRoomIDLength {
		r.mu.Unlock()
		r.metrics.Inc(metrics.JoinRejectedInvalidRoom)
		r.deliverError(requester, "Failed to join room", "room id too long")
		return
	}
	if _, joined := r.conns[connID]; joined {
		r.mu.Unlock()
		r.metrics.Inc(metrics.JoinRejectedAlreadyJoined)
		r.deliverError(requester, "Failed to join room", "already joined a room")
		return
	}

	res, err := r.reg.Join(normalized, connID)
	if err != nil {
		r.mu.Unlock()
		switch err {
		case registry.ErrRoomFull:
			r.metrics.Inc(metrics.JoinRejectedRoomFull)
			r.deliverError(requester, "Failed to join room", "room is full")
		case registry.ErrTooManyRooms:
			r.metrics.Inc(metrics.JoinRejectedTooManyRooms)
			r.deliverError(requester, "Failed to join room", "too many rooms")
		case registry.ErrAlreadyJoined:
			r.metrics.Inc(metrics.JoinRejectedAlreadyJoined)
			r.deliverError(requester, "Failed to join room", "already joined a room")
		default:
			r.deliverError(requester, "Failed to join room", err.Error())
		}
		return
	}

	role := RoleJoiner
	if res.IsInitiator {
		role = RoleInitiator
	}
	r.conns[connID] = connState{roomID: normalized, role: role}

	// Resolve the existing member's handle while still holding mu so a
	// concurrent disconnect can't hand us a stale peer.
	var existing Peer
	if res.ParticipantCount == 2 && len(res.Peers) == 1 {
		existing = r.peers[res.Peers[0]]
	}
	r.mu.Unlock()

	if res.Status == registry.RoomCreated {
		r.metrics.Inc(metrics.RoomCreated)
	}
	r.metrics.Inc(metrics.JoinAccepted)
	r.log.Info("join",
		"conn_id", connID,
		"room_id", normalized,
		"role", role,
		"participant_count", res.ParticipantCount,
		"room_created", res.Status == registry.RoomCreated,
	)

	isInitiator := res.IsInitiator
	r.deliver(requester, SignalMessage{
		Type:             MessageTypeRoomJoined,
		RoomID:           normalized,
		IsInitiator:      &isInitiator,
		ParticipantCount: res.ParticipantCount,
	})

	// Emitted strictly after the requester's room-joined.
	if existing != nil {
		r.deliver(existing, SignalMessage{
			Type:   MessageTypePeerJoined,
			PeerID: connID,
		})
	}
}

// Forward relays an offer, answer, or ice-candidate verbatim to the other
// member of the room. A missing peer is a silent drop: the peer may have just
// left, and the sender will learn via peer-disconnected.
func (r *Relay) Forward(connID string, msg SignalMessage) {
	r.mu.Lock()
	requester := r.peers[connID]

	peerIDs, ok := r.reg.Peers(msg.RoomID, connID)
	if !ok {
		r.mu.Unlock()
		r.metrics.Inc(metrics.ForwardRoomNotFound)
		r.deliverError(requester, failedForwardMessage(msg.Type), "room not found")
		return
	}

	targets := make([]Peer, 0, len(peerIDs))
	for _, id := range peerIDs {
		if p := r.peers[id]; p != nil {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		r.metrics.Inc(metrics.ForwardNoPeerDrop)
		r.log.Debug("dropping relay message with no peer", "conn_id", connID, "type", msg.Type)
		return
	}

	r.metrics.Inc(forwardMetric(msg.Type))
	out := withPayload(msg.Type, msg.payload())
	for _, target := range targets {
		r.deliver(target, out)
	}
}

// Disconnect removes the connection from its room, notifies a remaining
// peer, and clears the role/room association. It is idempotent: the transport
// close and an explicit disconnect message may both land here.
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	delete(r.peers, connID)
	_, wasJoined := r.conns[connID]
	delete(r.conns, connID)

	res, left := r.reg.Leave(connID)

	var remaining Peer
	if left && len(res.Remaining) == 1 {
		remaining = r.peers[res.Remaining[0]]
	}
	r.mu.Unlock()

	if !left {
		if wasJoined {
			// Role state without membership means a registry bug, not a
			// client error.
			r.log.Error("connection had role state but no room membership", "conn_id", connID)
		}
		return
	}

	r.log.Info("leave",
		"conn_id", connID,
		"room_id", res.RoomID,
		"room_deleted", res.RoomDeleted,
	)
	if res.RoomDeleted {
		r.metrics.Inc(metrics.RoomDeleted)
	}
	if remaining != nil {
		r.metrics.Inc(metrics.PeerDisconnectedSent)
		r.deliver(remaining, SignalMessage{Type: MessageTypePeerDisconnected})
	}
}

// Role reports the role assigned to connID, if it has joined a room.
func (r *Relay) Role(connID string) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.conns[connID]
	return st.role, ok
}

func (r *Relay) deliver(p Peer, msg SignalMessage) {
	if p == nil {
		return
	}
	if err := p.Deliver(msg); err != nil {
		// Transport failure; the connection's own close path handles cleanup.
		r.log.Warn("failed to deliver message", "conn_id", p.ID(), "type", msg.Type, "err", err)
	}
}

func (r *Relay) deliverError(p Peer, message, details string) {
	r.deliver(p, SignalMessage{
		Type:    MessageTypeError,
		Message: message,
		Details: details,
	})
}

func failedForwardMessage(t MessageType) string {
	switch t {
	case MessageTypeOffer:
		return "Failed to send offer"
	case MessageTypeAnswer:
		return "Failed to send answer"
	case MessageTypeICECandidate:
		return "Failed to send ice candidate"
	default:
		return "Failed to send message"
	}
}

func forwardMetric(t MessageType) string {
	switch t {
	case MessageTypeOffer:
		return metrics.OfferForwarded
	case MessageTypeAnswer:
		return metrics.AnswerForwarded
	default:
		return metrics.CandidateForwarded
	}
}
