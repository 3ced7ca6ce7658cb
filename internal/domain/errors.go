package domain

import "errors"

var (
	ErrMissingSession      = errors.New("missing session id")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAlreadyInCall       = errors.New("participant already in call")
	ErrRoomNotFound        = errors.New("room not found")
	ErrNotInRoom           = errors.New("participant not in the room")
	ErrUnknownSignal       = errors.New("unknown signal kind")
)
