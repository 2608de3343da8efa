package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	repo "github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "yacall-server",
		Short:        "Signaling relay and chat server",
		SilenceUsage: true,
		RunE:         run,
	}

	f := cmd.Flags()
	f.String("config", "", "config file (yaml, json or toml)")
	f.String("listen-addr", ":8080", "HTTP listen address")
	f.String("jwt-secret", "", "HS256 secret used to verify tokens")
	f.Duration("jwt-leeway", 30*time.Second, "clock skew tolerated on token expiry")
	f.StringSlice("allowed-origins", nil, "websocket origins to accept (empty accepts all)")
	f.String("static-dir", "", "serve a web client from this directory")
	f.String("log-level", "info", "trace, debug, info, warn or error")
	f.Duration("shutdown-timeout", 5*time.Second, "grace period for open connections")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServer(v, file)
	if err != nil {
		return err
	}

	l, err := logging.Setup(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}

	m := metrics.New()
	repo := repo.NewMessageRepository()
	hub := ws.NewHub(m)

	chatService := service.NewChatService(repo, hub, m)
	presence := service.NewPresenceService(hub)
	relay := service.NewRelayService(hub, chatService, presence, m)

	h := handler.NewHandler(chatService, relay, hub, auth.NewVerifier(cfg.JWTSecret, cfg.JWTLeeway), m)
	h.AllowedOrigins = cfg.AllowedOrigins
	h.StaticDir = cfg.StaticDir

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	errc := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		l.Error().Err(err).Msg("Failed to start server")
		return err
	case <-quit:
	}
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Server exited")
	return nil
}
