// Package registry holds the in-memory room membership state for the
// signaling relay.
//
// A room is a rendezvous point for exactly two connections. Rooms are created
// implicitly on the first successful join and deleted the instant the last
// member leaves; an empty room never exists in the registry.
package registry

import (
	"errors"
	"strings"
	"sync"
)

// roomCapacity is fixed: the relay models a strict two-party call.
const roomCapacity = 2

var (
	ErrRoomFull = errors.New("room is full")
	// ErrAlreadyJoined is returned when a connection that is already a member
	// of a room attempts a second join. Allowing it would desynchronize
	// membership from the role assigned at the first join.
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrTooManyRooms  = errors.New("too many rooms")
)

// JoinStatus distinguishes a join that created the room from one that joined
// an existing room.
type JoinStatus string

const (
	RoomCreated    JoinStatus = "created"
	JoinedExisting JoinStatus = "joined_existing"
)

// JoinResult describes a successful join.
type JoinResult struct {
	Status JoinStatus

	// IsInitiator is true iff the connection is the first member of the room.
	IsInitiator bool

	ParticipantCount int

	// Peers lists the other members of the room after the join, in join order.
	Peers []string
}

// LeaveResult describes the room a connection was removed from.
type LeaveResult struct {
	RoomID      string
	Remaining   []string
	RoomDeleted bool
}

type room struct {
	// members in join order; index 0 is the initiator.
	members []string
}

// Registry is a concurrency-safe mapping of room id to member connections.
//
// The registry owns membership only; role and transport state belong to the
// relay layer. All methods are O(1) in the number of rooms.
type Registry struct {
	// maxRooms bounds the total number of live rooms; <= 0 means unlimited.
	maxRooms int

	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[string]string // connection id -> room id
}

func New(maxRooms int) *Registry {
	return &Registry{
		maxRooms: maxRooms,
		rooms:    make(map[string]*room),
		byConn:   make(map[string]string),
	}
}

// NormalizeRoomID canonicalizes a client-supplied room id. The reference
// client generates short uppercase codes; normalizing here makes lookups
// case-insensitive for hand-typed ids.
func NormalizeRoomID(roomID string) string {
	return strings.ToUpper(strings.TrimSpace(roomID))
}

// Join adds connID to the room, creating the room if needed.
//
// It fails with ErrAlreadyJoined if connID is already a member of any room,
// ErrRoomFull if the room has two members, and ErrTooManyRooms if creating
// the room would exceed the room quota. No state is mutated on failure.
func (r *Registry) Join(roomID, connID string) (JoinResult, error) {
	roomID = NormalizeRoomID(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connID]; ok {
		return JoinResult{}, ErrAlreadyJoined
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		if r.maxRooms > 0 && len(r.rooms) >= r.maxRooms {
			return JoinResult{}, ErrTooManyRooms
		}
		rm = &room{}
		r.rooms[roomID] = rm
		r.byConn[connID] = roomID
		rm.members = append(rm.members, connID)
		return JoinResult{
			Status:           RoomCreated,
			IsInitiator:      true,
			ParticipantCount: 1,
		}, nil
	}

	if len(rm.members) >= roomCapacity {
		return JoinResult{}, ErrRoomFull
	}

	peers := append([]string(nil), rm.members...)
	rm.members = append(rm.members, connID)
	r.byConn[connID] = roomID

	return JoinResult{
		Status:           JoinedExisting,
		IsInitiator:      false,
		ParticipantCount: len(rm.members),
		Peers:            peers,
	}, nil
}

// Leave removes connID from whatever room contains it. The second return is
// false when the connection was not a member of any room. A room left with no
// members is deleted.
func (r *Registry) Leave(connID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byConn[connID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(r.byConn, connID)

	rm := r.rooms[roomID]
	for i, member := range rm.members {
		if member == connID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}

	res := LeaveResult{
		RoomID:    roomID,
		Remaining: append([]string(nil), rm.members...),
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		res.RoomDeleted = true
	}
	return res, true
}

// Peers returns the members of roomID excluding exceptConnID. The second
// return is false when the room does not exist.
func (r *Registry) Peers(roomID, exceptConnID string) ([]string, bool) {
	roomID = NormalizeRoomID(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	peers := make([]string, 0, len(rm.members))
	for _, member := range rm.members {
		if member != exceptConnID {
			peers = append(peers, member)
		}
	}
	return peers, true
}

// MemberCount returns 0 for unknown rooms.
func (r *Registry) MemberCount(roomID string) int {
	roomID = NormalizeRoomID(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

func (r *Registry) HasRoom(roomID string) bool {
	roomID = NormalizeRoomID(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[roomID]
	return ok
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
