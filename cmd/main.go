package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwrk-planet/match-service/config"
	"github.com/cwrk-planet/match-service/internal/metrics"
	"github.com/cwrk-planet/match-service/internal/registry"
	"github.com/cwrk-planet/match-service/internal/service"
	grpcx "github.com/cwrk-planet/match-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/match-service/internal/transport/http"
	"github.com/cwrk-planet/match-service/internal/transport/ws"
	"github.com/cwrk-planet/match-service/pkg/logger"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	}

	root := &cobra.Command{
		Use:          "match-service",
		Short:        "Random video-call matchmaking and WebRTC signaling relay",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serve,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml (default $CONFIG_PATH or ./config/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway and the HTTP/gRPC surfaces",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "ice-servers",
		Short: "Print the ICE servers the configuration resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			for _, s := range cfg.ICEServers {
				fmt.Fprintln(cmd.OutOrStdout(), s.URLs)
			}
			return nil
		},
	})
	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting match-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// --- core ---
	m := metrics.New()
	reg := registry.New()
	hub := ws.NewHub(m)
	presence := service.NewPresenceService(reg, hub)
	matchSvc := service.NewMatchService(reg, presence, hub, m)
	signalSvc := service.NewSignalService(reg, presence, hub, m)

	// --- WS ---
	wsServer := ws.NewServer(hub, reg, presence, matchSvc, signalSvc, m, ws.Options{
		PingInterval:    cfg.WS.PingInterval,
		WriteTimeout:    cfg.WS.WriteTimeout,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		SendBuffer:      cfg.WS.SendBuffer,
		EventsPerSecond: cfg.WS.EventsPerSecond,
		EventBurst:      cfg.WS.EventBurst,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	})

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Handler:        httpx.NewHandler(reg, cfg.ICEServers),
		WS:             wsServer,
		Metrics:        m,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	httpSrv := httpx.NewServer(httpx.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, router, hub.CloseAll)

	// --- run ---
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		errCh <- httpSrv.Run(ctx)
	}()
	servers := 1

	if cfg.GRPC.Addr != "" {
		grpcSrv := grpcx.NewServer(cfg.GRPC.Addr)
		go func() { errCh <- grpcSrv.Run(ctx) }()
		servers++
	}

	var firstErr error
	for i := 0; i < servers; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			slog.Error("server error", "err", err)
			firstErr = err
		}
		// one server stopping takes the other down with it
		cancel()
	}
	slog.Info("stopped")
	return firstErr
}
