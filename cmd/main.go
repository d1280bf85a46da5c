// The transcript service: ingestion endpoint, session state, and analysis.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"legionmeet-transcript-service/internal/analysis"
	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/events"
	"legionmeet-transcript-service/internal/ingest"
	"legionmeet-transcript-service/internal/observability"
	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/session"
	"legionmeet-transcript-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.DefaultConfig())
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	obs := observability.NewServer(":" + cfg.Service.MetricsPort)
	obs.AddReadyCheck("store", st.Ping)
	obs.Start()

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	var analyzer analysis.Analyzer
	if cfg.Analysis.BackendURL != "" {
		analyzer = analysis.NewBackend(cfg.Analysis.BackendURL, cfg.Analysis.RequestTimeout)
	} else {
		analyzer = analysis.NewHeuristic(nil)
	}
	dispatcher := analysis.NewDispatcher(analyzer, st,
		cfg.Analysis.Workers, cfg.Analysis.QueueSize, cfg.Analysis.RequestTimeout)

	manager := session.NewManager(st, dispatcher, cfg.Analysis.OnPartial)
	server := ingest.NewServer(cfg.Ingest, cfg.Service.HTTPPort, manager, st, publisher)
	dispatcher.OnResult = server.BroadcastAnalysis
	dispatcher.Start()

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Ingestion server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Ingestion server shutdown failed")
	}
	if err := dispatcher.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Analysis dispatcher shutdown failed")
	}
	if err := obs.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Observability server shutdown failed")
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "postgres" {
		return store.NewPostgres(context.Background(), cfg.PostgresDSN)
	}
	return store.NewMemory(), nil
}
