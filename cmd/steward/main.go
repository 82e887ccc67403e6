// Command steward serves the distributed rate-limit decision service:
// it answers envoy.service.ratelimit.v3.RateLimitService/ShouldRateLimit
// against counters kept in Redis, driven by a rule set refreshed from a
// file or HTTP source on a fixed cadence.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	envoy "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"

	"go.gearno.de/kit/httpclient"
	"go.gearno.de/kit/httpserver"
	"go.gearno.de/kit/log"
	"go.gearno.de/steward/internal/config"
	"go.gearno.de/steward/internal/counterstore"
	"go.gearno.de/steward/internal/ratelimit"
	"go.gearno.de/steward/internal/rpc"
	"go.gearno.de/steward/internal/rulesource"
	"go.gearno.de/steward/unit"
)

const (
	serviceName = "steward"
	version     = "0.1.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := log.NewLogger(
		log.WithName(serviceName),
		log.WithFormat(log.FormatJSON),
	)

	svc := &service{cfg: cfg, logger: logger}

	u := unit.NewUnit(serviceName, version, os.Getenv("STEWARD_ENVIRONMENT"), svc)
	if err := u.Run(); err != nil {
		logger.Error("exiting with error", log.Error(err))
		os.Exit(1)
	}
}

// service wires every collaborator the decision pipeline needs and
// implements unit.Runnable/unit.Configurable so the ambient bootstrap
// (metrics server, tracing exporter, signal-triggered shutdown) drives it
// the same way it drives any other unit-hosted service.
type service struct {
	cfg    config.Config
	logger *log.Logger
}

func (s *service) GetConfiguration() any {
	return &s.cfg
}

func (s *service) Run(ctx context.Context) error {
	store, err := counterstore.NewClient(
		counterstore.WithLogger(s.logger),
		counterstore.WithAddr(s.cfg.RedisHost),
		counterstore.WithPoolSize(s.cfg.RedisConnections),
	)
	if err != nil {
		return fmt.Errorf("cannot create counter store client: %w", err)
	}
	defer store.Close()

	cache := ratelimit.NewCache()

	source, err := newRuleSource(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("cannot create rule-set source: %w", err)
	}

	refresher := ratelimit.NewRefresher(
		source,
		cache,
		ratelimit.WithRefresherLogger(s.logger),
	)

	// §4.8: the first publish happens before the RPC surface accepts
	// traffic; until then every decision would be permissive anyway, but
	// starting warm avoids an unnecessary window of trivially-OK answers.
	if err := refresher.FetchOnce(ctx); err != nil {
		s.logger.Warn("initial rule-set fetch failed, starting with an empty snapshot",
			log.Error(err),
		)
	}

	if err := refresher.Start(ctx); err != nil {
		return fmt.Errorf("cannot start rule-set refresher: %w", err)
	}

	engine := ratelimit.NewEngine(
		store,
		cache,
		ratelimit.WithLogger(s.logger),
		ratelimit.WithConnectionLimit(int64(s.cfg.RedisConnections)),
		ratelimit.WithDefaultTTLSeconds(s.cfg.RateTTL),
	)

	rpcServer := rpc.NewServer(engine, rpc.WithLogger(s.logger))

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 60 * time.Second,
		}),
	)
	envoy.RegisterRateLimitServiceServer(grpcServer, rpcServer)

	listener, err := newListener(s.cfg.Listen.Addr, s.cfg.Listen.Port)
	if err != nil {
		return fmt.Errorf("cannot bind listener: %w", err)
	}

	adminServer := httpserver.NewServer(
		":8088",
		adminHandler(refresher),
		httpserver.WithLogger(s.logger),
	)

	errCh := make(chan error, 2)

	go func() {
		s.logger.InfoCtx(ctx, "serving gRPC rate-limit service",
			log.String("addr", s.cfg.Listen.Addr),
			log.Int("port", s.cfg.Listen.Port),
		)

		if err := grpcServer.Serve(listener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		grpcServer.GracefulStop()
		return err
	case <-ctx.Done():
		grpcServer.GracefulStop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		return adminServer.Shutdown(shutdownCtx)
	}
}

// newRuleSource builds the configured rule-set source collaborator: a
// FileSource when rate_limit_configs.file is set, else an HTTPSource
// against rate_limit_configs.http.
func newRuleSource(cfg config.Config, logger *log.Logger) (ratelimit.Source, error) {
	switch {
	case cfg.RateLimitConfigs.File != "":
		return rulesource.NewFileSource(cfg.RateLimitConfigs.File), nil
	case cfg.RateLimitConfigs.HTTP != "":
		client := httpclient.DefaultPooledClient(httpclient.WithLogger(logger))
		return rulesource.NewHTTPSource(cfg.RateLimitConfigs.HTTP, client), nil
	default:
		return nil, fmt.Errorf("rate_limit_configs: neither file nor http is configured")
	}
}

// adminHandler serves the supplemented /healthz and /readyz introspection
// routes described in SPEC_FULL.md, independent of the gRPC surface and
// of unit.Unit's own metrics server.
func adminHandler(refresher *ratelimit.Refresher) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !refresher.Published() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	return r
}
