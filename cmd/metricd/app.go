package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sandboxrunner/metric-store/pkg/api"
	"github.com/sandboxrunner/metric-store/pkg/config"
	"github.com/sandboxrunner/metric-store/pkg/monitoring"
	"github.com/sandboxrunner/metric-store/pkg/server"
	"github.com/sandboxrunner/metric-store/pkg/store"
	"github.com/sandboxrunner/metric-store/pkg/stream"
)

// app holds every long-lived component of a running metricd
type app struct {
	store   *store.MetricStore
	metrics *monitoring.Metrics
	hub     *stream.Hub
	tracing *monitoring.TracingManager
	api     *api.RESTAPI
	server  *server.HTTPServer
	logger  zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	policy, err := store.ParseValuePolicy(cfg.Store.ValuePolicy)
	if err != nil {
		return nil, err
	}

	var observers []store.Observer
	if cfg.Metrics.Enabled {
		a.metrics = monitoring.NewMetrics("metricd")
		observers = append(observers, a.metrics)
	}
	if cfg.Stream.Enabled {
		a.hub = stream.NewHub(stream.HubConfig{
			SendBuffer:     cfg.Stream.SendBuffer,
			WriteTimeout:   cfg.Stream.WriteTimeout,
			PingInterval:   cfg.Stream.PingInterval,
			CheckOrigin:    cfg.Stream.CheckOrigin,
			AllowedOrigins: cfg.Server.CORSOrigins,
		}, logger)
		observers = append(observers, a.hub)
	}

	a.store, err = store.New(store.Config{ValuePolicy: policy, Observers: observers}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric store: %w", err)
	}

	a.tracing, err = monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Server.Name,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Exporter:       monitoring.TracingExporter(cfg.Tracing.Exporter),
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	apiConfig := api.DefaultRESTAPIConfig()
	apiConfig.EnableWatch = cfg.Stream.Enabled
	a.api, err = api.NewRESTAPI(apiConfig, a.store, a.hub, a.tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create REST API: %w", err)
	}

	serverConfig := server.DefaultHTTPServerConfig()
	serverConfig.Name = cfg.Server.Name
	serverConfig.Version = cfg.Server.Version
	serverConfig.Address = cfg.Server.Address
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	serverConfig.MaxRequestSize = cfg.Server.MaxRequestSize
	serverConfig.EnableMetrics = cfg.Metrics.Enabled
	serverConfig.MetricsPath = cfg.Metrics.Path

	a.server = server.NewHTTPServer(serverConfig, a.metrics, a.tracing, logger, a.api)

	return a, nil
}

// Start begins serving HTTP
func (a *app) Start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	a.logger.Info().
		Str("address", a.server.Addr()).
		Bool("watch_enabled", a.hub != nil).
		Bool("metrics_enabled", a.metrics != nil).
		Bool("tracing_enabled", a.tracing.Enabled()).
		Msg("metricd ready")
	return nil
}

// Shutdown stops the server, then disconnects watchers and flushes traces
func (a *app) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
