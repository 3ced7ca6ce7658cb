package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cwrk-planet/match-service/internal/domain"
	"github.com/cwrk-planet/match-service/internal/metrics"
	"github.com/cwrk-planet/match-service/internal/registry"
	"github.com/cwrk-planet/match-service/internal/service"
	"github.com/cwrk-planet/match-service/pkg/errs"
	"github.com/cwrk-planet/match-service/pkg/httputil"
	"github.com/cwrk-planet/match-service/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	HeaderSessionID  = "X-Session-ID"
	HeaderDeviceInfo = "X-Device-Info"

	maxSessionIDBytes  = 128
	maxDeviceInfoBytes = 256
)

type Presence interface {
	AnnounceStatus(connID string, status domain.Status)
	AnnounceDisconnect(connID string)
	AnnounceCount()
	SendSnapshot(connID string)
}

type Matchmaker interface {
	Enqueue(ctx context.Context, connID string) error
	Dequeue(ctx context.Context, connID string)
	Remove(connID string) bool
}

type Relay interface {
	Forward(ctx context.Context, kind service.SignalKind, roomID, senderID string, payload json.RawMessage) error
	EndRoom(ctx context.Context, roomID, requesterID string) error
	PeerDisconnected(ctx context.Context, d registry.Departure)
}

type Options struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	AllowedOrigins  []string // "*" allows any
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	reg      *registry.Registry
	presence Presence
	match    Matchmaker
	relay    Relay
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	opts    Options
	origins map[string]struct{}
	anyOrig bool

	newID func() string
}

func NewServer(hub *Hub, reg *registry.Registry, presence Presence, match Matchmaker, relay Relay, m *metrics.Metrics, opts Options) *Server {
	s := &Server{
		hub:      hub,
		reg:      reg,
		presence: presence,
		match:    match,
		relay:    relay,
		metrics:  m,
		tracer:   otel.Tracer("match-service/ws"),
		opts:     opts,
		origins:  make(map[string]struct{}, len(opts.AllowedOrigins)),
		newID:    func() string { return ulid.Make().String() },
	}
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			s.anyOrig = true
		}
		s.origins[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// HandleWS is the gateway endpoint: GET /ws?sessionId=...&deviceInfo=...
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get(HeaderSessionID))
	}
	deviceInfo := strings.TrimSpace(q.Get("deviceInfo"))
	if deviceInfo == "" {
		deviceInfo = strings.TrimSpace(r.Header.Get(HeaderDeviceInfo))
	}

	log := logger.FromCtx(r.Context())
	if sessionID == "" {
		s.metrics.Rejected("missing_session")
		log.Warn("ws: rejected", "reason", "missing sessionId", "remote", r.RemoteAddr)
		httputil.Error(w, fmt.Errorf("ws: %w", errs.ErrUnauthorized), "missing sessionId")
		return
	}
	if len(sessionID) > maxSessionIDBytes {
		s.metrics.Rejected("session_too_long")
		httputil.Error(w, fmt.Errorf("ws: %w", errs.ErrInvalidInput), "sessionId too long")
		return
	}
	if !s.originAllowed(r) {
		s.metrics.Rejected("origin")
		log.Warn("ws: rejected", "reason", "origin", "origin", r.Header.Get("Origin"))
		httputil.Error(w, fmt.Errorf("ws: %w", errs.ErrForbidden), "origin not allowed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.metrics.Rejected("upgrade")
		log.Warn("ws: upgrade failed", "err", err)
		return
	}

	id := s.newID()
	p, err := s.reg.Register(id, sessionID, truncate(deviceInfo, maxDeviceInfoBytes))
	if err != nil {
		s.metrics.Rejected("register")
		log.Error("ws: register failed", "conn", id, "err", err)
		_ = conn.Close()
		return
	}

	c := newWsConn(id, conn, s.opts.SendBuffer)
	// queued before the hub can route any broadcast to c
	if b, ok := s.hub.encode(service.Event{Type: TypeConnected, Payload: ConnectedPayload{ConnectionID: id}}); ok {
		c.enqueue(b)
	}
	s.hub.Add(c)
	s.metrics.ConnectionOpened()
	log.Info("ws: connected", "conn", id, logger.Fingerprint("session", p.SessionID), "device", p.DeviceInfo)

	go s.writeLoop(c)

	s.presence.AnnounceStatus(id, domain.StatusOnline)
	s.presence.AnnounceCount()

	ctx := context.WithoutCancel(r.Context())
	s.readLoop(ctx, c)
	s.disconnect(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	pongWait := 2 * s.opts.PingInterval
	limiter := rate.NewLimiter(rate.Limit(s.opts.EventsPerSecond), s.opts.EventBurst)

	c.conn.SetReadLimit(s.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("ws: read failed", "conn", c.id, "err", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.metrics.Dropped(metrics.DropReasonMalformed)
			slog.Debug("ws: malformed frame", "conn", c.id, "err", err)
			continue
		}

		if throttled(msg.Type) && !limiter.Allow() {
			s.metrics.Dropped(metrics.DropReasonRateLimited)
			slog.Debug("ws: event dropped", "conn", c.id, "err", fmt.Errorf("%s: %w", msg.Type, errs.ErrRateLimited))
			continue
		}
		s.dispatch(ctx, c, msg)
	}
}

// throttled reports whether typ counts against the inbound rate limit.
// Leaving the queue and ending a call always go through.
func throttled(typ string) bool {
	switch typ {
	case TypeLeaveQueue, TypeEndCall:
		return false
	default:
		return true
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, msg inbound) {
	ctx, span := s.tracer.Start(ctx, "ws."+msg.Type, trace.WithAttributes(
		attribute.String("ws.conn_id", c.id),
		attribute.String("ws.event", msg.Type),
	))
	defer span.End()

	log := logger.FromCtx(ctx).With("conn", c.id, "event", msg.Type)

	var err error
	switch msg.Type {
	case TypeGetInitialPresence:
		s.presence.SendSnapshot(c.id)

	case TypeJoinCall:
		err = s.match.Enqueue(ctx, c.id)

	case TypeLeaveQueue:
		s.match.Dequeue(ctx, c.id)

	case TypeEndCall:
		var p RoomPayload
		if err = decode(msg.Payload, &p); err == nil {
			err = s.relay.EndRoom(ctx, p.RoomID, c.id)
		}

	case TypeOffer, TypeAnswer:
		var p SDPPayload
		if err = decode(msg.Payload, &p); err == nil {
			err = s.relay.Forward(ctx, service.SignalKind(msg.Type), p.RoomID, c.id, p.SDP)
		}

	case TypeICECandidate:
		var p CandidatePayload
		if err = decode(msg.Payload, &p); err == nil {
			err = s.relay.Forward(ctx, service.SignalICECandidate, p.RoomID, c.id, p.Candidate)
		}

	default:
		s.metrics.Dropped(metrics.DropReasonUnknownType)
		log.Debug("ws: unknown event")
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug("ws: event not applied", "err", err)
	}
}

func (s *Server) writeLoop(c *wsConn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.metrics.Dropped(metrics.DropReasonWriteFailed)
				slog.Debug("ws: write failed", "conn", c.id, "err", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// disconnect runs once per connection after its read loop ends. The queue
// entry goes first so the matcher cannot pick a connection that is leaving.
func (s *Server) disconnect(ctx context.Context, c *wsConn) {
	s.hub.Remove(c)
	_ = c.Close()

	s.match.Remove(c.id)
	d, ok := s.reg.Remove(c.id)
	if !ok {
		return
	}
	s.metrics.ConnectionClosed()

	s.relay.PeerDisconnected(ctx, d)
	s.presence.AnnounceDisconnect(c.id)
	s.presence.AnnounceCount()

	logger.FromCtx(ctx).Info("ws: disconnected",
		"conn", c.id,
		"status", d.Participant.Status,
		"lifetime", time.Since(d.Participant.ConnectedAt).Round(time.Millisecond))
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.anyOrig {
		return true
	}
	_, ok := s.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload: %w", errs.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", errs.ErrInvalidInput)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
