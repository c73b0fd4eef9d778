package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	// Client -> server.
	MessageTypeJoinRoom   MessageType = "join-room"
	MessageTypeDisconnect MessageType = "disconnect"

	// Both directions: carries roomId inbound, payload only outbound.
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"

	// Server -> client.
	MessageTypeRoomJoined       MessageType = "room-joined"
	MessageTypePeerJoined       MessageType = "peer-joined"
	MessageTypePeerDisconnected MessageType = "peer-disconnected"
	MessageTypeError            MessageType = "error"
)

// SignalMessage is the JSON envelope for every message on the signaling
// socket.
//
// Offer, Answer, and Candidate are kept as raw JSON so the relay forwards
// them byte-for-byte; their contents belong entirely to the two endpoints.
type SignalMessage struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"roomId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// room-joined fields.
	IsInitiator      *bool `json:"isInitiator,omitempty"`
	ParticipantCount int   `json:"participantCount,omitempty"`

	// peer-joined field.
	PeerID string `json:"peerId,omitempty"`

	// error fields.
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// ParseClientMessage strictly decodes an inbound signaling message: unknown
// fields, trailing data, server-only types, and payload/type mismatches are
// all rejected. Room existence and membership are semantic checks that belong
// to the relay, not the parser.
func ParseClientMessage(data []byte) (SignalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalMessage
	if err := dec.Decode(&msg); err != nil {
		return SignalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validateClient(); err != nil {
		return SignalMessage{}, err
	}
	return msg, nil
}

func (m SignalMessage) validateClient() error {
	switch m.Type {
	case MessageTypeJoinRoom:
		// An empty roomId is rejected by the relay with a proper error event,
		// not at parse time.
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("join-room message has unexpected payload fields")
		}
	case MessageTypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected payload fields")
		}
	case MessageTypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected payload fields")
		}
	case MessageTypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("ice-candidate message has unexpected payload fields")
		}
	case MessageTypeDisconnect:
		if m.RoomID != "" || m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("disconnect message has unexpected fields")
		}
	case MessageTypeRoomJoined, MessageTypePeerJoined, MessageTypePeerDisconnected, MessageTypeError:
		return fmt.Errorf("message type %q is server to client only", m.Type)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}

	if m.IsInitiator != nil || m.ParticipantCount != 0 || m.PeerID != "" || m.Message != "" || m.Details != "" {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	return nil
}

// payload returns the opaque blob carried by a relayable message.
func (m SignalMessage) payload() json.RawMessage {
	switch m.Type {
	case MessageTypeOffer:
		return m.Offer
	case MessageTypeAnswer:
		return m.Answer
	case MessageTypeICECandidate:
		return m.Candidate
	default:
		return nil
	}
}

// withPayload builds the outbound relayed envelope: same type, same blob,
// no room id.
func withPayload(t MessageType, payload json.RawMessage) SignalMessage {
	msg := SignalMessage{Type: t}
	switch t {
	case MessageTypeOffer:
		msg.Offer = payload
	case MessageTypeAnswer:
		msg.Answer = payload
	case MessageTypeICECandidate:
		msg.Candidate = payload
	}
	return msg
}
