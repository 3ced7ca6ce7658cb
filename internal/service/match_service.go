package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cwrk-planet/match-service/internal/domain"
	"github.com/cwrk-planet/match-service/internal/metrics"
	"github.com/cwrk-planet/match-service/internal/registry"
	"github.com/cwrk-planet/match-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MatchService owns the waiting set and pairs its members into rooms.
//
// Lock order is MatchService.mu, then the registry's lock. The Notifier must
// never block: matchFound is pushed while mu is held.
type MatchService struct {
	reg      *registry.Registry
	presence *PresenceService
	notifier Notifier
	metrics  *metrics.Metrics

	mu      sync.Mutex
	waiting []string // insertion order
	queued  map[string]struct{}

	newRoomID func() string
}

func NewMatchService(reg *registry.Registry, presence *PresenceService, n Notifier, m *metrics.Metrics) *MatchService {
	return &MatchService{
		reg:       reg,
		presence:  presence,
		notifier:  n,
		metrics:   m,
		queued:    make(map[string]struct{}),
		newRoomID: uuid.NewString,
	}
}

// Enqueue marks connID as searching and tries to pair it. Enqueueing an
// already queued connection is a no-op.
func (s *MatchService) Enqueue(ctx context.Context, connID string) error {
	s.mu.Lock()
	if _, ok := s.queued[connID]; ok {
		s.mu.Unlock()
		return nil
	}
	p, err := s.reg.Transition(connID, domain.StatusOnline, domain.StatusSearching)
	if err != nil {
		s.mu.Unlock()
		if p.InCall() {
			return fmt.Errorf("enqueue %s: %w", connID, domain.ErrAlreadyInCall)
		}
		return fmt.Errorf("enqueue %s: %w", connID, err)
	}
	s.waiting = append(s.waiting, connID)
	s.queued[connID] = struct{}{}
	s.metrics.SetWaiting(len(s.waiting))
	s.mu.Unlock()

	logger.FromCtx(ctx).Debug("queue: enqueued", "conn", connID, logger.Fingerprint("session", p.SessionID))
	s.presence.AnnounceStatus(connID, domain.StatusSearching)

	s.TryMatch(ctx)
	return nil
}

// Dequeue takes connID out of the waiting set and reverts it to online if
// it was still searching. Already matched participants are left alone.
func (s *MatchService) Dequeue(ctx context.Context, connID string) {
	s.mu.Lock()
	removed := s.removeLocked(connID)
	_, err := s.reg.Transition(connID, domain.StatusSearching, domain.StatusOnline)
	s.mu.Unlock()

	if err != nil {
		logger.FromCtx(ctx).Debug("queue: dequeue ignored", "conn", connID, "queued", removed, "err", err)
		return
	}
	s.presence.AnnounceStatus(connID, domain.StatusOnline)
}

// Remove drops connID from the waiting set without touching its status.
func (s *MatchService) Remove(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(connID)
}

// Waiting returns the waiting set in scan order.
func (s *MatchService) Waiting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.waiting...)
}

// TryMatch pairs the head of the waiting set with the first later entry of
// a different session. Both members are notified once the room is committed.
func (s *MatchService) TryMatch(ctx context.Context) (domain.Match, bool) {
	s.mu.Lock()
	m, ok := s.matchLocked(ctx)
	s.metrics.SetWaiting(len(s.waiting))
	if !ok {
		s.mu.Unlock()
		return domain.Match{}, false
	}

	// The responder is told first: whatever the initiator sends afterwards is
	// queued behind this event on the responder's connection. Both pushes
	// happen before a disconnect of either member can get past Remove, so
	// peerDisconnected never overtakes matchFound.
	s.notifier.Notify(m.Responder.ConnectionID, matchFound(m.RoomID, m.Initiator, false))
	s.notifier.Notify(m.Initiator.ConnectionID, matchFound(m.RoomID, m.Responder, true))
	s.mu.Unlock()

	s.metrics.Matched()
	logger.FromCtx(ctx).Info("queue: match found",
		"room", m.RoomID,
		"initiator", m.Initiator.ConnectionID,
		"responder", m.Responder.ConnectionID)

	s.presence.AnnounceStatus(m.Initiator.ConnectionID, domain.StatusInCall)
	s.presence.AnnounceStatus(m.Responder.ConnectionID, domain.StatusInCall)

	return m, true
}

func (s *MatchService) matchLocked(ctx context.Context) (domain.Match, bool) {
	for len(s.waiting) >= 2 {
		a := s.waiting[0]
		pa, ok := s.reg.Get(a)
		if !ok {
			s.removeLocked(a)
			continue
		}

		b := ""
		var gone []string
		for _, id := range s.waiting[1:] {
			pb, ok := s.reg.Get(id)
			if !ok {
				gone = append(gone, id)
				continue
			}
			if pb.SessionID != pa.SessionID {
				b = id
				break
			}
		}
		for _, id := range gone {
			s.removeLocked(id)
		}
		if b == "" {
			return domain.Match{}, false
		}

		s.removeLocked(a)
		s.removeLocked(b)

		m, missing, err := s.reg.Pair(a, b, s.newRoomID())
		if err != nil {
			// neither side changed; put back whoever is still searching
			logger.FromCtx(ctx).Warn("queue: pair failed", "a", a, "b", b, "err", err)
			s.restoreLocked(ctx, a, b)
			return domain.Match{}, false
		}
		if len(missing) > 0 {
			logger.FromCtx(ctx).Info("queue: candidate left before commit, retrying", "missing", missing)
			s.metrics.MatchRetried()
			s.restoreLocked(ctx, lo.Without([]string{a, b}, missing...)...)
			continue
		}
		return m, true
	}
	return domain.Match{}, false
}

// restoreLocked puts ids back at the head of the waiting set, in order,
// skipping anyone no longer registered as searching.
func (s *MatchService) restoreLocked(ctx context.Context, ids ...string) {
	head := make([]string, 0, len(ids))
	for _, id := range ids {
		p, ok := s.reg.Get(id)
		if !ok || p.Status != domain.StatusSearching {
			continue
		}
		if _, dup := s.queued[id]; dup {
			continue
		}
		s.queued[id] = struct{}{}
		head = append(head, id)
	}
	if len(head) == 0 {
		return
	}
	logger.FromCtx(ctx).Debug("queue: restored", "ids", head)
	s.waiting = append(head, s.waiting...)
}

func (s *MatchService) removeLocked(connID string) bool {
	if _, ok := s.queued[connID]; !ok {
		return false
	}
	delete(s.queued, connID)
	s.waiting = lo.Without(s.waiting, connID)
	return true
}

func matchFound(roomID string, peer domain.Participant, initiator bool) Event {
	return Event{
		Type: EventMatchFound,
		Payload: MatchFoundPayload{
			RoomID:      roomID,
			PeerInfo:    PeerInfoPayload{ConnectionID: peer.ConnectionID, DeviceInfo: peer.DeviceInfo},
			IsInitiator: initiator,
		},
	}
}

// IsStale reports errors that mean the referenced room or peer is gone.
func IsStale(err error) bool {
	return errors.Is(err, domain.ErrRoomNotFound) ||
		errors.Is(err, domain.ErrNotInRoom) ||
		errors.Is(err, domain.ErrParticipantNotFound)
}
