package service

import (
	"sync"

	"github.com/cwrk-planet/match-service/internal/domain"
	"github.com/cwrk-planet/match-service/internal/registry"
)

type PresenceService struct {
	reg      *registry.Registry
	notifier Notifier

	// serializes read-then-broadcast so racing announcements for the same
	// participant converge on its latest status
	mu sync.Mutex
}

func NewPresenceService(reg *registry.Registry, n Notifier) *PresenceService {
	return &PresenceService{reg: reg, notifier: n}
}

// AnnounceStatus tells every client, the subject included, that connID
// changed status. The registry's current value wins over status, and nothing
// is sent once the participant is gone: its userDisconnected is final.
func (s *PresenceService) AnnounceStatus(connID string, status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.reg.Get(connID)
	if !ok {
		return
	}
	status = p.Status
	s.notifier.Broadcast(Event{
		Type:    EventUserStatusUpdate,
		Payload: StatusUpdatePayload{ConnectionID: connID, Status: status},
	})
}

func (s *PresenceService) AnnounceDisconnect(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifier.Broadcast(Event{Type: EventUserDisconnected, Payload: connID})
}

func (s *PresenceService) AnnounceCount() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifier.Broadcast(Event{Type: EventOnlineUsersCount, Payload: s.reg.Count()})
}

func (s *PresenceService) Snapshot() map[string]domain.Status {
	return s.reg.Snapshot()
}

// SendSnapshot seeds connID's presence view with every known status.
func (s *PresenceService) SendSnapshot(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.reg.Snapshot()
	users := make(map[string]PresenceEntry, len(snap))
	for id, st := range snap {
		users[id] = PresenceEntry{Status: st}
	}
	s.notifier.Notify(connID, Event{Type: EventCurrentUsers, Payload: users})
}
