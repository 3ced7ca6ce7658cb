package domain

// Match is a committed pairing. Initiator sends the first offer.
type Match struct {
	RoomID    string
	Initiator Participant
	Responder Participant
}
