package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cwrk-planet/match-service/internal/domain"
	"github.com/cwrk-planet/match-service/internal/metrics"
	"github.com/cwrk-planet/match-service/internal/registry"
	"github.com/cwrk-planet/match-service/pkg/logger"
)

// SignalKind is an inbound negotiation message type.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// SignalService relays negotiation payloads between the two members of a
// room and tears rooms down. Payloads are never inspected.
type SignalService struct {
	reg      *registry.Registry
	presence *PresenceService
	notifier Notifier
	metrics  *metrics.Metrics
}

func NewSignalService(reg *registry.Registry, presence *PresenceService, n Notifier, m *metrics.Metrics) *SignalService {
	return &SignalService{reg: reg, presence: presence, notifier: n, metrics: m}
}

// Forward delivers payload to the member of roomID other than senderID.
// The error is informational: stale rooms and outsiders are dropped.
func (s *SignalService) Forward(ctx context.Context, kind SignalKind, roomID, senderID string, payload json.RawMessage) error {
	ev, err := relayEvent(kind, senderID, payload)
	if err != nil {
		s.metrics.Dropped(metrics.DropReasonUnknownType)
		return err
	}

	peer, err := s.reg.Peer(roomID, senderID)
	if err != nil {
		s.metrics.Dropped(metrics.DropReasonStaleRoom)
		logger.FromCtx(ctx).Debug("relay: dropped",
			"kind", kind, "room", roomID, "sender", senderID, "err", err)
		return fmt.Errorf("forward %s in %s: %w", kind, roomID, err)
	}

	s.notifier.Notify(peer.ConnectionID, ev)
	s.metrics.Relayed(string(kind))
	return nil
}

// EndRoom ends roomID at the request of one of its members. Both members
// get callEnded and are back online afterwards. Ending an ended room is a
// no-op.
func (s *SignalService) EndRoom(ctx context.Context, roomID, requesterID string) error {
	members, err := s.reg.EndRoom(roomID, requesterID)
	if err != nil {
		logger.FromCtx(ctx).Debug("relay: end room ignored", "room", roomID, "by", requesterID, "err", err)
		return fmt.Errorf("end room %s: %w", roomID, err)
	}

	s.metrics.RoomEnded(metrics.EndReasonCallEnded)
	logger.FromCtx(ctx).Info("relay: call ended", "room", roomID, "by", requesterID)

	for _, p := range members {
		s.notifier.Notify(p.ConnectionID, Event{Type: EventCallEnded, Payload: RoomPayload{RoomID: roomID}})
	}
	for _, p := range members {
		s.presence.AnnounceStatus(p.ConnectionID, domain.StatusOnline)
	}
	return nil
}

// PeerDisconnected finishes the teardown of a room whose member vanished.
// d comes from registry.Remove, which already reverted the peer.
func (s *SignalService) PeerDisconnected(ctx context.Context, d registry.Departure) {
	if d.Peer == nil {
		return
	}

	s.metrics.RoomEnded(metrics.EndReasonDisconnected)
	logger.FromCtx(ctx).Info("relay: peer disconnected",
		"room", d.Participant.RoomID,
		"left", d.Participant.ConnectionID,
		"peer", d.Peer.ConnectionID)

	s.notifier.Notify(d.Peer.ConnectionID, Event{
		Type:    EventPeerDisconnected,
		Payload: RoomPayload{RoomID: d.Participant.RoomID},
	})
	s.presence.AnnounceStatus(d.Peer.ConnectionID, domain.StatusOnline)
}

func relayEvent(kind SignalKind, senderID string, payload json.RawMessage) (Event, error) {
	switch kind {
	case SignalOffer:
		return Event{Type: EventReceiveOffer, Payload: SDPPayload{SDP: payload, SenderID: senderID}}, nil
	case SignalAnswer:
		return Event{Type: EventReceiveAnswer, Payload: SDPPayload{SDP: payload, SenderID: senderID}}, nil
	case SignalICECandidate:
		return Event{Type: EventICECandidate, Payload: CandidatePayload{Candidate: payload, SenderID: senderID}}, nil
	default:
		return Event{}, fmt.Errorf("%q: %w", kind, domain.ErrUnknownSignal)
	}
}
