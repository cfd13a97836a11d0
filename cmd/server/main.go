package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/guardian/internal/api"
	"github.com/technosupport/guardian/internal/audit"
	"github.com/technosupport/guardian/internal/config"
	"github.com/technosupport/guardian/internal/escalation"
	"github.com/technosupport/guardian/internal/events"
	"github.com/technosupport/guardian/internal/incidents"
	"github.com/technosupport/guardian/internal/ingest"
	"github.com/technosupport/guardian/internal/metrics"
	"github.com/technosupport/guardian/internal/middleware"
	"github.com/technosupport/guardian/internal/notify"
	"github.com/technosupport/guardian/internal/status"
	"github.com/technosupport/guardian/internal/supervisor"
	"github.com/technosupport/guardian/internal/tokens"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// 1. Config
	cfgPath := envOr("CONFIG_PATH", "config/guardian.yaml")
	cfgStore, err := config.NewStore(cfgPath)
	if err != nil {
		log.Fatalf("Config load error: %v", err)
	}
	gen := cfgStore.Current()
	cfg := gen.Config

	dbHost := envOr("DB_HOST", "localhost")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	redisAddr := envOr("REDIS_ADDR", cfg.Redis.Addr)
	natsURL := envOr("NATS_URL", cfg.NATS.URL)
	jwtKey := envOr("JWT_SIGNING_KEY", cfg.Auth.SigningKey)

	if jwtKey == "" {
		jwtKey = "dev-secret-do-not-use-in-prod"
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. DB Init
	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", dbUser, dbPass, dbHost, dbName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	// 3. Shared clients
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.Redis.Password})

	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatalf("NATS connect error: %v", err)
	}
	defer nc.Drain()

	// 4. Audit trail with spool failover
	spool, err := audit.NewSpool(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB)
	if err != nil {
		log.Fatalf("Audit spool init error: %v", err)
	}
	auditLogger, err := audit.NewLogger(db, spool)
	if err != nil {
		log.Fatalf("Audit logger init error: %v", err)
	}
	auditLogger.StartReplayer(rootCtx)

	// 5. Notifier boundary
	dispatcher := notify.NewDispatcher(nc, cfg.NATS.NotifySubject, cfg.NATS.CaptureSubject, 256, 3)
	dispatcher.Start()
	defer dispatcher.Stop()

	// 6. Escalation engine + incident manager (mutual reference via Bind)
	engine := escalation.NewEngine(cfgStore, dispatcher)
	defer engine.Stop()

	tokenMgr := tokens.NewManager(jwtKey)
	feed := api.NewFeedHub(tokenMgr)
	defer feed.Close()

	replay := events.NewReplayGuard(cfg.Ingest.ReplayGuardSize, time.Duration(cfg.Ingest.ReplayGuardTTLSec)*time.Second)
	manager := incidents.NewManager(
		incidents.NewStore(),
		auditLogger,
		engine,
		replay,
		cfg.CorrelationWindow(),
		incidents.WithFeed(feed.Publish),
	)
	engine.Bind(manager)

	// 7. Ingestion channel + camera supervisor
	channel := events.NewChannel(cfg.Ingest.QueueSize, func(cameraID, reason string) {
		metrics.EventsDropped.WithLabelValues(cameraID, reason).Inc()
	})

	statusCache := status.NewCache(rdb)
	sup := supervisor.New(
		supervisor.Config{
			ReconnectBackoff:       time.Duration(cfg.Supervisor.ReconnectBackoffMS) * time.Millisecond,
			MaxBackoff:             time.Duration(cfg.Supervisor.MaxBackoffMS) * time.Millisecond,
			MaxConsecutiveFailures: cfg.Supervisor.MaxConsecutiveFailures,
			FailureWindow:          time.Duration(cfg.Supervisor.FailureWindowSec) * time.Second,
			HeartbeatTimeoutMult:   cfg.Supervisor.HeartbeatTimeoutMult,
		},
		ingest.Factory(nc, cfg.NATS.EventsSubject),
		channel,
		func(st supervisor.WorkerState) {
			ctx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
			defer cancel()
			if err := statusCache.PutWorker(ctx, st); err != nil {
				log.Printf("[ERROR] Status cache: %v", err)
			}
		},
	)

	for _, cam := range cfg.Cameras {
		if err := sup.Register(cam); err != nil {
			log.Printf("[ERROR] Register camera %s: %v", cam.ID, err)
		}
	}
	sup.StartAllEnabled()
	sup.StartMonitor(time.Second)
	defer sup.StopAll()

	// Hot reload: new generations re-shape the worker fleet; escalation rules
	// are picked up by the engine on its next arm.
	cfgStore.StartWatcher(rootCtx, func(g *config.Generation) {
		log.Printf("Config: generation %d loaded, reconciling workers", g.Version)
		sup.Reconcile(g)
	})

	// 8. Consume loop: channel -> incident manager
	go func() {
		for {
			e, err := channel.Receive(rootCtx)
			if err != nil {
				return
			}
			if _, _, err := manager.Ingest(rootCtx, e); err != nil {
				log.Printf("[ERROR] Ingest: event %s: %v", e.EventID, err)
			}
		}
	}()

	// Census for dashboards
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
				if err := statusCache.PutCensus(ctx, sup.Snapshot()); err != nil {
					log.Printf("[ERROR] Status census: %v", err)
				}
				cancel()
				for state, n := range manager.Store().CountByState() {
					metrics.IncidentsByState.WithLabelValues(string(state)).Set(float64(n))
				}
			}
		}
	}()

	// 9. HTTP surface
	router := api.NewRouter(api.Deps{
		Auth:      api.NewAuthHandler(cfgStore, tokenMgr),
		Incidents: api.NewIncidentHandler(manager),
		Workers:   api.NewWorkerHandler(sup),
		Audit:     api.NewAuditHandler(auditLogger),
		Feed:      feed,
		JWT:       middleware.NewJWTAuth(tokenMgr),
	})

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":" + envOr("PORT", "8080")
	}

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("Shutdown requested")

	// Graceful shutdown: stop intake first, then drain the channel consumers,
	// then the HTTP surface.
	channel.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[ERROR] Graceful shutdown: %v", err)
	}
	log.Println("Server stopped gracefully")
}
