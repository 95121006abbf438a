package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"livebus/internal/api"
	"livebus/internal/config"
	"livebus/internal/db"
	"livebus/internal/feed"
	"livebus/internal/metrics"
	"livebus/internal/motion"
	"livebus/internal/publisher"
	"livebus/internal/tracker"
)

func main() {
	// Load configuration from .env, optional YAML file and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	params := motion.Params{TeleportThreshold: cfg.TeleportThreshold, Transition: cfg.Transition}
	mcol := metrics.NewCollector(params, cfg.EvictProbability)
	store := tracker.NewStore(params, cfg.EvictProbability, tracker.WithMetrics(mcol))

	// Route labels are optional; without a database buses only carry numbers.
	var catalog *db.Catalog
	if cfg.DatabaseURL != "" {
		catalog, err = db.LoadCatalog(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			log.Printf("route catalog unavailable: %v", err)
		}
	}

	// Optional NATS mirror of every applied frame
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSPrefix, "livebus-"+uuid.NewString(), cfg.LogNATSSubjects, mcol)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		detach := pub.Attach(store)
		defer detach()
		log.Printf("mirroring snapshots to %s", publisher.SnapshotSubject(cfg.NATSPrefix))
	}

	mgr := feed.NewManager(feed.Options{
		URL:              cfg.FeedURL,
		ReconnectDelay:   cfg.ReconnectDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
		LogFrames:        cfg.LogFrames,
	}, store, metrics.NewSampler(cfg.UPSWindow), mcol)
	mgr.OnConnectivity(func(connected bool) {
		log.Printf("feed connected=%v", connected)
	})

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mcol.Register(mux)
		api.NewHandler(store, mgr, catalog).Register(mux)
		srv = metrics.Serve(cfg.HTTPAddr, mux)
	}

	mgr.Start(ctx)
	if cfg.StatsInterval > 0 {
		go logStats(ctx, cfg.StatsInterval, store, mgr)
	}

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

func logStats(ctx context.Context, every time.Duration, store *tracker.Store, mgr *feed.Manager) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("buses=%d ups=%d connected=%v frames=%d", store.Len(), mgr.UpdatesPerSecond(), mgr.Connected(), store.Version())
		}
	}
}
