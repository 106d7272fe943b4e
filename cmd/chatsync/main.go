// chatsync - headless real-time chat client
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/chatsync/internal/api"
	"github.com/ashureev/chatsync/internal/backend"
	"github.com/ashureev/chatsync/internal/chat"
	"github.com/ashureev/chatsync/internal/config"
	"github.com/ashureev/chatsync/internal/conversation"
	"github.com/ashureev/chatsync/internal/credentials"
	"github.com/ashureev/chatsync/internal/lifecycle"
	"github.com/ashureev/chatsync/internal/middleware"
	"github.com/ashureev/chatsync/internal/realtime"
	"github.com/ashureev/chatsync/internal/router"
	"github.com/ashureev/chatsync/internal/session"
	"github.com/ashureev/chatsync/internal/state"
	"github.com/ashureev/chatsync/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		level.Set(slog.LevelDebug)
	}

	slog.Info("Starting chatsync", "ws_url", cfg.WebSocketURL, "api_url", cfg.APIURL, "status_addr", cfg.StatusAddr)

	// Credential store.
	credBackend, err := credentials.NewSQLiteBackend(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize credential store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := credBackend.Close(); closeErr != nil {
			slog.Error("Failed to close credential store", "error", closeErr)
		}
	}()
	creds := credentials.NewAdapter(credBackend, logger)
	slog.Info("Credential store ready", "path", cfg.DBPath)

	// Session.
	st := state.NewStore()
	refreshClient := backend.New(cfg.APIURL, nil, logger)
	synchronizer := session.New(creds, st, refreshClient, logger)
	apiClient := backend.New(cfg.APIURL, &http.Client{
		Timeout:   15 * time.Second,
		Transport: session.NewTransport(http.DefaultTransport, synchronizer),
	}, logger)

	// Real-time connection.
	dialer, err := transport.NewWebSocketDialer(cfg.WebSocketURL, logger)
	if err != nil {
		slog.Error("Failed to initialize websocket dialer", "error", err)
		os.Exit(1)
	}
	registry := realtime.NewRegistry(dialer, realtime.Options{
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		SendRate:       rate.Limit(cfg.Connection.SendRate),
		SendBurst:      cfg.Connection.SendBurst,
	}, logger)

	// Routing and chat surfaces.
	conversations := conversation.NewStore(cfg.DedupWindow)
	rt := router.New(registry, conversations, cfg.AssistantID, logger)
	unbindRouter := rt.Bind(st)
	defer unbindRouter()
	rt.Start()
	defer rt.Stop()
	rt.OnNotification(func(n router.Notification) {
		slog.Info("Notification received", "type", n.Type, "message", n.Message)
	})
	rt.OnControl(func(c router.Control) {
		slog.Info("Control instruction", "command", c.Command)
	})

	hub := chat.NewHub(chat.Deps{
		Conn:    registry,
		Router:  rt,
		Store:   conversations,
		History: apiClient,
		Logger:  logger,
	})
	defer hub.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reload history whenever a different user signs in.
	var (
		userMu   sync.Mutex
		lastUser string
	)
	unsubscribe := st.Subscribe(func(sess state.Session) {
		userMu.Lock()
		defer userMu.Unlock()
		if !sess.IsAuthenticated {
			lastUser = ""
			return
		}
		if sess.UserID == lastUser {
			return
		}
		lastUser = sess.UserID
		go func() {
			if err := hub.LoadHistory(ctx); err != nil {
				slog.Warn("History reload incomplete", "error", err)
			}
		}()
	})
	defer unsubscribe()

	if _, err := hub.Open(ctx, chat.Target{Kind: chat.KindAssistant}); err != nil {
		slog.Warn("Assistant chat opened without history", "error", err)
	}

	// Lifecycle.
	lc := lifecycle.New(registry, creds, lifecycle.Options{
		Debounce:       cfg.Connection.Debounce,
		RetryDelay:     cfg.Connection.RetryDelay,
		SettleDelay:    cfg.Connection.SettleDelay,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
	}, logger)
	defer lc.Close()
	lc.Bind(st)

	if synchronizer.Hydrate() {
		slog.Info("Session restored from credential store")
	} else {
		slog.Info("No stored session, waiting for sign-in")
	}

	// Status API.
	handler := api.NewHandler(api.Deps{
		Lifecycle:     lc,
		Session:       synchronizer,
		State:         st,
		Surfaces:      hub,
		Conversations: conversations,
		Notifications: rt,
		Profiles:      apiClient,
		Logger:        logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	handler.RegisterRoutes(r)

	// Conversation event streams need WriteTimeout disabled.
	srv := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Status API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status API failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Status API forced to shutdown", "error", err)
	}

	slog.Info("chatsync stopped")
}
