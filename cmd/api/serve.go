package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/bubble-relay/internal/config"
	"github.com/zhouzirui/bubble-relay/internal/handler"
	chathandler "github.com/zhouzirui/bubble-relay/internal/handler/chat"
	"github.com/zhouzirui/bubble-relay/internal/service/access"
	"github.com/zhouzirui/bubble-relay/internal/service/ai"
	"github.com/zhouzirui/bubble-relay/internal/service/chat"
	"github.com/zhouzirui/bubble-relay/internal/service/relay"
	"github.com/zhouzirui/bubble-relay/internal/service/usage"
	"github.com/zhouzirui/bubble-relay/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP and websocket server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	if cfg.Storage.DatabasePath == "" {
		log.Warn().Msg("DATABASE_PATH not set, members, history and usage are kept in memory only")
	}

	chatModel, err := ai.NewChatModel(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("failed to initialize chat model: %w", err)
	}
	aiService, err := ai.NewService(ctx, chatModel, ai.Options{
		SystemPrompt: cfg.AI.SystemPrompt,
		IdleTimeout:  cfg.AI.StreamIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize AI service: %w", err)
	}
	log.Info().Str("provider", string(cfg.AI.Provider)).Str("model", cfg.AI.Model).Msg("AI service initialized")

	recorder := usage.NewRecorder(store, usage.DefaultQueueSize)
	defer recorder.Close()

	chatService := chat.NewService(chat.Options{
		ConversationLimit: cfg.Relay.ConversationLimit,
		MaxTurnChars:      cfg.Relay.MaxTurnChars,
		History:           store,
	})
	gate := access.NewGate(cfg.Relay.Admins, cfg.Relay.PublicByDefault, store)
	transport := chathandler.NewTransport(cfg.Transport)

	hub := relay.NewHub(ctx, relay.Deps{
		Transport: transport,
		Generator: aiService,
		Store:     chatService,
		Gate:      gate,
		Usage:     recorder,
		Reporter:  store,
	}, relay.ConfigFrom(cfg))

	router := handler.NewRouter(handler.Deps{
		Chat:      chatService,
		Inbound:   hub,
		Resetter:  hub,
		Transport: transport,
		Reporter:  store,
		Health:    store.Ping,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return startServer(gctx, cfg.Server, router)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("relay hub did not stop in time")
		}
		return nil
	})
	return g.Wait()
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("bubble relay listening")
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
