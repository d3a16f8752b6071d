package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/presenceapp/presence-control-plane/internal/api"
	"github.com/presenceapp/presence-control-plane/internal/checkin"
	"github.com/presenceapp/presence-control-plane/internal/config"
	"github.com/presenceapp/presence-control-plane/internal/gate"
	"github.com/presenceapp/presence-control-plane/internal/metrics"
	"github.com/presenceapp/presence-control-plane/internal/notify"
	"github.com/presenceapp/presence-control-plane/internal/rotation"
	"github.com/presenceapp/presence-control-plane/internal/session"
	"github.com/presenceapp/presence-control-plane/internal/store"
	"github.com/presenceapp/presence-control-plane/internal/token"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}
	defer cleanup()

	gen, err := token.NewGenerator(cfg.CredentialByteLen)
	if err != nil {
		log.Fatalf("init credential generator: %v", err)
	}

	m := metrics.New()
	hub := notify.NewHub()
	sched := rotation.NewScheduler(st, gen, hub)
	sched.OnFailure = func(sessionID string, err error) {
		log.Printf("metric=rotation_failstop session_id=%s err=%q", sessionID, err.Error())
	}

	sessions := session.NewService(st, sched, gen, cfg.RotationInterval, cfg.CredentialWindow)
	coordinator := checkin.NewCoordinator(gate.New(st), st, hub)

	events, cancelEvents := hub.Subscribe(cfg.NotifyBufferSize)
	defer cancelEvents()
	go consumeEvents(events, m)

	handler := api.NewRouter(cfg, sessions, coordinator, m)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sched.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("presence-control-plane listening on %s backend=%s", cfg.ListenAddr, cfg.StoreBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store.NewPostgres(pool), pool.Close, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store.NewRedis(client), func() { _ = client.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

// consumeEvents drains the hub for process-level observability. Real-time
// fan-out to end clients lives outside this service; this subscriber only
// counts and logs.
func consumeEvents(events <-chan notify.Event, m *metrics.Metrics) {
	for ev := range events {
		switch {
		case ev.Rotated != nil:
			m.RotationTicks.WithLabelValues("ok").Inc()
		case ev.Consumed != nil:
			log.Printf("metric=checkin_recorded session_id=%s tally=%d", ev.Consumed.SessionID, ev.Consumed.Tally)
		}
	}
}
