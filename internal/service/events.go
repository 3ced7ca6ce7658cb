package service

import (
	"encoding/json"

	"github.com/cwrk-planet/match-service/internal/domain"
)

// Outbound event types.
const (
	EventOnlineUsersCount = "onlineUsersCount"
	EventUserStatusUpdate = "userStatusUpdate"
	EventUserDisconnected = "userDisconnected"
	EventCurrentUsers     = "currentUsers"
	EventMatchFound       = "matchFound"
	EventCallEnded        = "callEnded"
	EventPeerDisconnected = "peerDisconnected"
	EventReceiveOffer     = "receiveOffer"
	EventReceiveAnswer    = "receiveAnswer"
	EventICECandidate     = "iceCandidate"
)

// Event is one outbound message to a client.
type Event struct {
	Type    string
	Payload any
}

// Notifier delivers events to connected clients. Implementations must not
// block the caller and must keep per-recipient order.
type Notifier interface {
	Notify(connID string, ev Event)
	Broadcast(ev Event)
}

type StatusUpdatePayload struct {
	ConnectionID string        `json:"connectionId"`
	Status       domain.Status `json:"status"`
}

type PresenceEntry struct {
	Status domain.Status `json:"status"`
}

type PeerInfoPayload struct {
	ConnectionID string `json:"connectionId"`
	DeviceInfo   string `json:"deviceInfo"`
}

type MatchFoundPayload struct {
	RoomID      string          `json:"roomId"`
	PeerInfo    PeerInfoPayload `json:"peerInfo"`
	IsInitiator bool            `json:"isInitiator"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type SDPPayload struct {
	SDP      json.RawMessage `json:"sdp"`
	SenderID string          `json:"senderId"`
}

type CandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	SenderID  string          `json:"senderId"`
}
