package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kidtalk/chat-app/internal/api"
	"github.com/kidtalk/chat-app/internal/events"
	"github.com/kidtalk/chat-app/internal/filter"
	"github.com/kidtalk/chat-app/internal/metrics"
	"github.com/kidtalk/chat-app/internal/moderation"
	"github.com/kidtalk/chat-app/internal/presence"
	"github.com/kidtalk/chat-app/internal/ratelimit"
	"github.com/kidtalk/chat-app/internal/relationship"
	"github.com/kidtalk/chat-app/internal/relay"
	"github.com/kidtalk/chat-app/internal/store"
	"github.com/kidtalk/chat-app/internal/ws"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded configuration from .env")
	}

	listenAddr := ":8080"
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		listenAddr = addr
	}

	config := ws.DefaultServerConfig()
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	// --- Storage ---
	var st store.Store
	var closeStore func() error
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.OpenPostgres(ctx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		st = pg
		closeStore = pg.Close
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store (data will not survive restart)")
		st = store.NewMemory()
		closeStore = func() error { return nil }
	}

	// --- Notification bus ---
	var bus events.Bus
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := events.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName
		nb, err := events.NewNATSBus(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = nb
	} else {
		log.Printf("NATS_URL not set, using in-process event bus")
		bus = events.NewInProc()
	}

	// --- Rate limiting (Redis) ---
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis ping failed (%v), rate limiting disabled", err)
		} else {
			limiter = ratelimit.NewLimiter(rdb)
		}
		cancel()
	} else {
		log.Printf("REDIS_ADDR not set, rate limiting disabled")
	}

	log.Printf("KidTalk relay server starting")
	log.Printf("  listen_addr:     %s", listenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  server_name:     %s", serverName)

	// --- Domain services ---
	rels := relationship.NewService(st, bus)
	mod := moderation.NewService(st, filter.New(), rels, bus)
	reg := presence.NewRegistry()
	dispatcher := relay.New(reg, rels, mod, bus, limiter)

	if limiter != nil {
		config.AllowConnect = func(remoteIP string) bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			allowed, _ := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
			return allowed
		}
	}

	server := ws.NewServer(config, func(conn *ws.Connection, data []byte) {
		dispatcher.HandleFrame(conn, data)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		dispatcher.HandleDisconnect(conn)
	})

	if err := server.Start(); err != nil {
		log.Fatalf("failed to start websocket transport: %v", err)
	}

	// --- HTTP surface: /ws, /health, /metrics and the guardian API ---
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleUpgrade)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.Handle("/metrics", metrics.Handler())
	api.NewServer(st, rels, mod).Register(mux)

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("transport shutdown error: %v", err)
		}
		bus.Close()
		if err := closeStore(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("listening on %s", listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
