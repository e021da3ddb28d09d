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

	"go-meetup/internal/chat"
	"go-meetup/internal/config"
	"go-meetup/internal/db"
	"go-meetup/internal/group"
	"go-meetup/internal/logging"
	myMiddleware "go-meetup/internal/middleware"
	"go-meetup/internal/notification"
	"go-meetup/internal/store"
	"go-meetup/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect to DB: %w", err)
	}
	defer database.Close()
	logger.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	logger.Info("database schema initialized")

	// 3. Redis fan-out between instances
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	// 4. Core
	groupStore := store.NewPostgres(database.Conn, cfg.TxRetries)

	hub := chat.NewHub(
		chat.NewRedisBus(redisClient, cfg.RedisChannel, logger),
		group.NewMembership(groupStore),
		chat.Options{
			WriteWait:      cfg.WriteWait,
			PongWait:       cfg.PongWait,
			MaxMessageSize: cfg.MaxMessageSize,
			SendBuffer:     cfg.SendBuffer,
			OutboundBuffer: cfg.OutboundBuffer,
		},
		logger,
	)
	hubErr := make(chan error, 1)
	go func() { hubErr <- hub.Run(ctx) }()

	dispatcher := notification.NewDispatcher(groupStore, hub, logger)

	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret, cfg.TokenTTL)
	groupService := group.NewService(groupStore, dispatcher, logger)
	chatService := chat.NewService(groupStore, groupService, dispatcher, logger)
	notificationService := notification.NewService(groupStore)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService, logger)

	userHandler := user.NewHandler(userService, logger)
	groupHandler := group.NewHandler(groupService, logger)
	chatHandler := chat.NewHandler(ctx, hub, chatService, authMiddleware, logger)
	notificationHandler := notification.NewHandler(notificationService, logger)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	// The handshake carries its own credential (header or ?token=).
	r.Get("/ws", chatHandler.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Post("/api/groups", groupHandler.Create)
		r.Route("/api/groups/{groupID}", func(r chi.Router) {
			r.Get("/", groupHandler.Get)
			r.Post("/join", groupHandler.Join)
			r.Delete("/membership", groupHandler.Leave)
			r.Get("/participants", groupHandler.Participants)
			r.Post("/participants/{userID}/approve", groupHandler.Approve)
			r.Post("/participants/{userID}/reject", groupHandler.Reject)
			r.Post("/messages", chatHandler.SendMessage)
			r.Get("/messages", chatHandler.GetChatHistory)
		})

		r.Get("/api/notifications", notificationHandler.List)
		r.Post("/api/notifications/{notificationID}/read", notificationHandler.MarkRead)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	case err := <-hubErr:
		if err != nil {
			return fmt.Errorf("hub: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
