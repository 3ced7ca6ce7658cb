// Package registry is the in-memory store of live connections and the rooms
// pairing them. It is the only owner of participant state.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cwrk-planet/match-service/internal/domain"
)

// Departure is the result of removing a connection. Peer is set when the
// removed participant was in a call; it has already been reverted to online.
type Departure struct {
	Participant domain.Participant
	Peer        *domain.Participant
}

type Stats struct {
	Online    int `json:"online"`
	Searching int `json:"searching"`
	InCall    int `json:"inCall"`
	Rooms     int `json:"rooms"`
}

type Registry struct {
	mu           sync.RWMutex
	participants map[string]*domain.Participant
	rooms        map[string][2]string // roomID -> members

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		participants: make(map[string]*domain.Participant),
		rooms:        make(map[string][2]string),
		now:          time.Now,
	}
}

func (r *Registry) Register(connID, sessionID, deviceInfo string) (domain.Participant, error) {
	if sessionID == "" {
		return domain.Participant{}, domain.ErrMissingSession
	}
	if deviceInfo == "" {
		deviceInfo = domain.UnknownDevice
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[connID]; ok {
		return domain.Participant{}, fmt.Errorf("register %s: %w", connID, domain.ErrDuplicateConnection)
	}
	p := &domain.Participant{
		ConnectionID: connID,
		SessionID:    sessionID,
		DeviceInfo:   deviceInfo,
		Status:       domain.StatusOnline,
		ConnectedAt:  r.now(),
	}
	r.participants[connID] = p

	return *p, nil
}

func (r *Registry) Get(connID string) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[connID]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Remove deletes connID. Idempotent. A room the participant was in is torn
// down in the same critical section.
func (r *Registry) Remove(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return Departure{}, false
	}
	delete(r.participants, connID)

	d := Departure{Participant: *p}
	if p.InCall() {
		if peer := r.dissolveLocked(p.RoomID, connID); peer != nil {
			d.Peer = peer
		}
	}
	return d, true
}

// SetStatus moves a participant between online and searching. Rooms are
// created by Pair and dissolved by EndRoom/Remove only, so in_call is
// neither a valid target nor a valid source here.
func (r *Registry) SetStatus(connID string, status domain.Status) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if status == domain.StatusInCall || p.InCall() {
		return *p, fmt.Errorf("%s -> %s: %w", p.Status, status, domain.ErrInvalidTransition)
	}
	p.Status = status
	p.RoomID = ""

	return *p, nil
}

// Transition is SetStatus guarded by the expected current status.
func (r *Registry) Transition(connID string, from, to domain.Status) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if p.Status != from || from == domain.StatusInCall || to == domain.StatusInCall {
		return *p, fmt.Errorf("%s -> %s: %w", p.Status, to, domain.ErrInvalidTransition)
	}
	p.Status = to
	p.RoomID = ""

	return *p, nil
}

// Pair puts a and b in roomID. Nothing changes when either is gone; the
// missing ids are returned instead.
func (r *Registry) Pair(a, b, roomID string) (domain.Match, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pa, okA := r.participants[a]
	pb, okB := r.participants[b]
	if !okA || !okB {
		var missing []string
		if !okA {
			missing = append(missing, a)
		}
		if !okB {
			missing = append(missing, b)
		}
		return domain.Match{}, missing, nil
	}
	if a == b || pa.InCall() || pb.InCall() {
		return domain.Match{}, nil, fmt.Errorf("pair %s/%s: %w", a, b, domain.ErrInvalidTransition)
	}
	if _, taken := r.rooms[roomID]; taken {
		return domain.Match{}, nil, fmt.Errorf("pair room %s: %w", roomID, domain.ErrInvalidTransition)
	}

	pa.Status, pa.RoomID = domain.StatusInCall, roomID
	pb.Status, pb.RoomID = domain.StatusInCall, roomID
	r.rooms[roomID] = [2]string{a, b}

	return domain.Match{RoomID: roomID, Initiator: *pa, Responder: *pb}, nil, nil
}

// Peer returns the member of roomID other than connID.
func (r *Registry) Peer(roomID, connID string) (domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return domain.Participant{}, domain.ErrRoomNotFound
	}
	other, ok := otherMember(members, connID)
	if !ok {
		return domain.Participant{}, domain.ErrNotInRoom
	}
	p, ok := r.participants[other]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return *p, nil
}

// EndRoom dissolves roomID on behalf of requester, a member of it. Both
// former members are returned already reverted to online.
func (r *Registry) EndRoom(roomID, requester string) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if _, ok := otherMember(members, requester); !ok {
		return nil, domain.ErrNotInRoom
	}

	delete(r.rooms, roomID)
	out := make([]domain.Participant, 0, len(members))
	for _, id := range members {
		if p, ok := r.participants[id]; ok {
			p.Status, p.RoomID = domain.StatusOnline, ""
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Snapshot returns the status of every registered participant.
func (r *Registry) Snapshot() map[string]domain.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.Status, len(r.participants))
	for id, p := range r.participants {
		out[id] = p.Status
	}
	return out
}

// All returns copies of every participant, in no particular order.
func (r *Registry) All() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Online: len(r.participants), Rooms: len(r.rooms)}
	for _, p := range r.participants {
		switch p.Status {
		case domain.StatusSearching:
			s.Searching++
		case domain.StatusInCall:
			s.InCall++
		}
	}
	return s
}

// dissolveLocked drops roomID and reverts the member other than leaving.
func (r *Registry) dissolveLocked(roomID, leaving string) *domain.Participant {
	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	delete(r.rooms, roomID)

	other, ok := otherMember(members, leaving)
	if !ok {
		return nil
	}
	peer, ok := r.participants[other]
	if !ok {
		return nil
	}
	peer.Status, peer.RoomID = domain.StatusOnline, ""
	cp := *peer
	return &cp
}

func otherMember(members [2]string, connID string) (string, bool) {
	switch connID {
	case members[0]:
		return members[1], true
	case members[1]:
		return members[0], true
	default:
		return "", false
	}
}
