package domain

import "time"

type Status string

const (
	StatusOnline    Status = "online"
	StatusSearching Status = "searching"
	StatusInCall    Status = "in_call"
)

const UnknownDevice = "Unknown Device"

// Participant is one live connection. Values handed out by the registry are
// copies; mutate only through the registry.
type Participant struct {
	ConnectionID string
	SessionID    string
	DeviceInfo   string
	Status       Status
	RoomID       string
	ConnectedAt  time.Time
}

func (p Participant) InCall() bool { return p.Status == StatusInCall }
