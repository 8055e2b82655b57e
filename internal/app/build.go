package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/wayfarer/internal/config"
	"github.com/ent0n29/wayfarer/internal/events"
	"github.com/ent0n29/wayfarer/internal/history"
	"github.com/ent0n29/wayfarer/internal/httpapi"
	"github.com/ent0n29/wayfarer/internal/navigation"
	"github.com/ent0n29/wayfarer/internal/observability"
	"github.com/ent0n29/wayfarer/internal/voice"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Voice     *voice.Service
	History   history.Store
	Publisher events.Publisher
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, NATS).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("session event publisher init failed: %w", err)
		}
		publisher = p
	}

	var geocoder navigation.Geocoder
	if cfg.GeocodingEnabled() {
		geocoder = navigation.NewHTTPGeocoder(cfg.GeocoderURL, cfg.GeocoderToken, cfg.GeocoderLimit)
	}
	if cfg.AgentAPIKey == "" {
		logger.Warn("VOICE_AGENT_API_KEY is not set; sessions will fail with a configuration error")
	}

	service := voice.NewService(voice.Config{
		ChunkInterval:   cfg.ChunkInterval,
		ProcessingGrace: cfg.ProcessingGrace,
		GeocodeTimeout:  cfg.GeocodeTimeout,
		OutputFormat:    "linear16",
	}, voice.Dependencies{
		Connector: newAgentConnector(cfg, logger, metrics),
		Geocoder:  geocoder,
		History:   store,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	})

	api := httpapi.New(cfg, service, store, metrics, logger)

	cleanup := func() error {
		var errs []string
		if err := publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	logger.Info("wayfarer configured",
		"history_store", storeMode(store),
		"nats", cfg.NATSURL != "",
		"geocoding", geocoder != nil,
	)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Voice:     service,
		History:   store,
		Publisher: publisher,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}

func storeMode(store history.Store) string {
	if _, ok := store.(*history.PostgresStore); ok {
		return "postgres"
	}
	return "in-memory"
}
