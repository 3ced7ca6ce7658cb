package http

import (
	"net/http"

	"github.com/cwrk-planet/match-service/internal/registry"
	"github.com/cwrk-planet/match-service/pkg/httputil"

	"github.com/pion/webrtc/v4"
)

type StatsSource interface {
	Stats() registry.Stats
}

type Handler struct {
	stats      StatsSource
	iceServers []webrtc.ICEServer
}

func NewHandler(stats StatsSource, ice []webrtc.ICEServer) *Handler {
	return &Handler{stats: stats, iceServers: ice}
}

type iceServerItem struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICEServersResponse struct {
	ICEServers []iceServerItem `json:"iceServers"`
}

// GET /api/ice-servers
func (h *Handler) ICEServers(w http.ResponseWriter, r *http.Request) {
	out := make([]iceServerItem, 0, len(h.iceServers))
	for _, s := range h.iceServers {
		item := iceServerItem{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			item.Credential = cred
		}
		out = append(out, item)
	}
	httputil.OK(w, ICEServersResponse{ICEServers: out})
}

// GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.stats.Stats())
}
