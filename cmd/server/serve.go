package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"go-wisp/internal/handlers"
	"go-wisp/internal/logger"
	"go-wisp/internal/middleware"
	"go-wisp/internal/scheduler"
	"go-wisp/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the HTTP API with the monitor and billing loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(parent context.Context) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	wsHub := websocket.NewHub(cfg.Server.AllowedOrigins, logger.WithComponent("websocket"))
	go wsHub.Run(ctx)
	a.monitor.SetEventPublisher(wsHub)
	a.billing.SetEventPublisher(wsHub)
	logger.Info().Msg("WebSocket hub started")

	sched := scheduler.New(a.monitor, a.billing, a.settings, scheduler.Options{
		CheckInterval: cfg.Billing.CheckInterval,
		ErrorPause:    cfg.Monitor.ErrorPause,
	}, logger.WithComponent("scheduler"))
	sched.Start(ctx)
	logger.Info().Msg("Scheduler started")

	h := handlers.NewHandler(a.db, a.monitor, a.stats, a.billing, wsHub, logger.WithComponent("http"))
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	var handler http.Handler = router
	if cfg.Auth.Enabled {
		handler = middleware.AuthMiddleware(cfg.Auth.JWTSecret)(handler)
	} else {
		logger.Warn().Msg("auth.enabled is false, the API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           c.Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down server...")
	case err := <-errCh:
		if err != nil {
			stop()
			sched.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sched.Wait()
	a.monitor.WaitAlerts()
	logger.Info().Msg("Server stopped")
	return nil
}
