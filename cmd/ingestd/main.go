package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"greendelivery/ingestion/internal/auth"
	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/pipeline"
	"greendelivery/ingestion/internal/rules"
	"greendelivery/ingestion/internal/store"
	httptransport "greendelivery/ingestion/internal/transport/http"
	mqtttransport "greendelivery/ingestion/internal/transport/mqtt"
)

const shutdownGrace = 10 * time.Second

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(ctx, cfg)
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer pg.Close()

	rds, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rds.Close()

	hub := httptransport.NewHub(log)
	go hub.Run(ctx.Done())

	coordinator := pipeline.NewCoordinator(cfg, pg, rds, rules.NewEngine(cfg), hub, log)
	coordinator.Start(ctx)

	authMW := httptransport.NewAuthMiddleware(auth.NewAuthenticator(cfg, rds))
	server := httptransport.NewServer(cfg, coordinator, authMW, hub, log,
		httptransport.HealthCheck{Name: "postgres", Check: pg.Ping},
		httptransport.HealthCheck{Name: "redis", Check: rds.Ping},
	)

	if cfg.MQTTBroker != "" {
		consumer := mqtttransport.NewConsumer(cfg, coordinator, log)
		if err := consumer.Start(ctx); err != nil {
			log.Error("mqtt consumer init failed", "err", err)
			os.Exit(1)
		}
		defer consumer.Stop()
	} else {
		log.Info("mqtt transport disabled, no broker configured")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	log.Info("ingestion service started",
		"http_port", cfg.HTTPPort, "shards", cfg.Shards, "mqtt", cfg.MQTTBroker != "")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "err", err)
	}

	coordinator.Wait()
	log.Info("ingestion service stopped")
}
