package ws

import "encoding/json"

// Inbound event types.
const (
	TypeGetInitialPresence = "getInitialPresence"
	TypeJoinCall           = "joinCall"
	TypeLeaveQueue         = "leaveQueue"
	TypeEndCall            = "endCall"
	TypeOffer              = "offer"
	TypeAnswer             = "answer"
	TypeICECandidate       = "ice-candidate"
)

// TypeConnected is sent once, first, to a freshly accepted connection.
const TypeConnected = "connected"

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// Message is one frame on the wire, in both directions.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type SDPPayload struct {
	RoomID string          `json:"roomId"`
	SDP    json.RawMessage `json:"sdp"`
}

type CandidatePayload struct {
	RoomID    string          `json:"roomId"`
	Candidate json.RawMessage `json:"candidate"`
}
