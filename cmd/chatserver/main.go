package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/auth"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/chatstore"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/config"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/csrf"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/lockout"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/messaging"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/metrics"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/presence"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/protocol"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/ratelimit"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/rotation"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/session"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/web"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  socket_path:     %s", cfg.Server.SocketPath)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  session_ttl:     %s", cfg.Session.TTL)
	log.Printf("  warning_lead:    %s", cfg.Session.WarningLead)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- PostgreSQL (runs migrations) ---
	chatStore, err := chatstore.Open(cfg.Database.DSN())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	// --- NATS ---
	natsCfg := messaging.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name
	natsClient, err := messaging.NewClient(natsCfg)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Session and auth plumbing ---
	sessionStore := session.NewStore(redisClient, cfg.Session.TTL)
	idGen := session.NewIDGenerator(cfg.Session.Secret)
	tokenizer := csrf.NewTokenizer(cfg.Session.Secret)
	authenticator := auth.New(sessionStore, tokenizer)
	limiter := ratelimit.NewLimiter(redisClient)
	lockouts := lockout.NewStore(redisClient)

	// --- WebSocket transport ---
	wsConfig := ws.ServerConfig{
		SocketPath:     cfg.Server.SocketPath,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}
	server := ws.NewServer(wsConfig, nil)

	// --- Presence coordination ---
	coordinator := presence.NewCoordinator(
		server, sessionStore, authenticator, chatStore, natsClient, cfg.Session.WarningLead)

	server.SetOnConnect(func(ctx context.Context, conn *ws.Connection, sessionID, csrfToken string) error {
		identity, err := coordinator.Connect(ctx, conn.ID, sessionID, csrfToken)
		if err != nil {
			return err
		}
		conn.SessionID = identity.SessionID
		conn.UserID = identity.UserID
		conn.Username = identity.Username
		return nil
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		coordinator.HandleDisconnect(conn.ID)
	})

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingStartMsg); ok {
			coordinator.TypingStart(conn.ID, m.ChatID)
		}
	})
	dispatcher.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingStopMsg); ok {
			coordinator.TypingStop(conn.ID, m.ChatID)
		}
	})
	server.SetOnMessage(dispatcher.Dispatch)

	if err := server.Start(); err != nil {
		log.Fatalf("failed to start transport: %v", err)
	}

	// --- HTTP surface ---
	rotator := rotation.New(sessionStore, idGen, tokenizer, coordinator)
	handler := web.NewHandler(
		sessionStore, idGen, tokenizer, authenticator, rotator,
		chatStore, limiter, lockouts, coordinator)

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET "+cfg.Server.SocketPath, func(w http.ResponseWriter, r *http.Request) {
		if ok, _ := limiter.Allow(r.Context(), remoteIP(r), ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		server.HandleUpgrade(w, r)
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("transport shutdown error: %v", err)
		}
		natsClient.Close()
		if err := chatStore.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	log.Printf("listening on %s", cfg.Server.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("chat server stopped")
}

// remoteIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
