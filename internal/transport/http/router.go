package http

import (
	"net/http"
	"time"

	"github.com/cwrk-planet/match-service/internal/metrics"
	httpmw "github.com/cwrk-planet/match-service/internal/transport/http/middleware"
	"github.com/cwrk-planet/match-service/internal/transport/ws"
	"github.com/cwrk-planet/match-service/pkg/httputil"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Deps struct {
	Handler        *Handler
	WS             *ws.Server
	Metrics        *metrics.Metrics
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(httputil.MiddlewareRequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)

	// WS endpoint; the request logger would hide http.Hijacker
	r.Get("/ws", d.WS.HandleWS)

	r.Group(func(api chi.Router) {
		api.Use(httpmw.WithRequestLogger)
		api.Use(httpmw.RequestLogger)
		api.Use(middlewareChi.Timeout(30 * time.Second))
		api.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.AllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", ws.HeaderSessionID, ws.HeaderDeviceInfo},
			ExposedHeaders:   []string{httputil.HeaderRequestID},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		api.Route("/api", func(rt chi.Router) {
			rt.Get("/ice-servers", d.Handler.ICEServers)
			rt.Get("/stats", d.Handler.Stats)
		})
	})

	r.Handle("/metrics", d.Metrics.Handler())

	// health
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
