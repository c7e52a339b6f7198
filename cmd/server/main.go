package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/sebaswaton/reciapp-dispatch/internal/config"
	"github.com/sebaswaton/reciapp-dispatch/internal/coordinator"
	"github.com/sebaswaton/reciapp-dispatch/internal/geo"
	"github.com/sebaswaton/reciapp-dispatch/internal/httpapi"
	"github.com/sebaswaton/reciapp-dispatch/internal/ingest"
	"github.com/sebaswaton/reciapp-dispatch/internal/logging"
	"github.com/sebaswaton/reciapp-dispatch/internal/registry"
	"github.com/sebaswaton/reciapp-dispatch/internal/relay"
	"github.com/sebaswaton/reciapp-dispatch/internal/route"
	"github.com/sebaswaton/reciapp-dispatch/internal/store"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN)
	}

	var storeOpts []store.Option
	if cfg.PGDSN != "" {
		persister, perr := store.NewPostgresPersister(cfg.PGDSN)
		if perr != nil {
			logger.Error("postgres unavailable, running memory-only", "error", perr)
		} else {
			defer persister.Close()
			storeOpts = append(storeOpts, store.WithPersister(persister))
		}
	}
	st := store.New(logger, storeOpts...)

	var presence geo.Presence
	if cfg.RedisAddr != "" {
		presence = geo.NewRedisPresence(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		presence = geo.NewIndex()
	}

	var producer coordinator.SamplePublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		producer = kp
	}

	var provider route.Provider
	if cfg.RoutingEndpoint != "" {
		provider = route.NewOSRMProvider(cfg.RoutingEndpoint, cfg.RoutingAPIKey, cfg.RoutingTimeout)
	} else {
		logger.Warn("no routing endpoint configured, using straight-line estimates")
		provider = &route.HaversineProvider{SpeedMps: cfg.DefaultSpeedMps}
	}
	routes := route.NewAdapter(provider, cfg.RoutingTimeout, logger)

	reg := registry.New(logger, registry.WithBuffer(cfg.SendBufferSize, cfg.SendBufferTTL))
	rl := relay.New(st, reg, logger)
	co := coordinator.New(st, reg, rl, routes, presence, producer, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(co, st, reg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("reciapp-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// runMigrations applies the schema file when MIGRATE=true; failures are
// logged, not fatal, matching local-first operation.
func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_solicitudes.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	log.Printf("migration applied: 001_create_solicitudes.sql")
}
