package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/auth"
	"github.com/relayproxy/relay/internal/circuitbreaker"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/kv"
	"github.com/relayproxy/relay/internal/ratelimit"
	"github.com/relayproxy/relay/internal/resolver"
	"github.com/relayproxy/relay/internal/respcache"
	"github.com/relayproxy/relay/internal/secrets"
	"github.com/relayproxy/relay/internal/server"
	"github.com/relayproxy/relay/internal/storage/sqlite"
	"github.com/relayproxy/relay/internal/telemetry"
	"github.com/relayproxy/relay/internal/transform"
	"github.com/relayproxy/relay/internal/upstream"
	"github.com/relayproxy/relay/internal/validate"
	"github.com/relayproxy/relay/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting relay", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	var kvStore kv.Store
	if cfg.KV.Addr != "" {
		kvStore, err = kv.NewValkey(kv.Config{
			Address:  cfg.KV.Addr,
			Password: cfg.KV.Password,
			DB:       cfg.KV.DB,
		})
		if err != nil {
			return err
		}
	} else {
		slog.Warn("no kv address configured; rate limits are per-process and quotas count usage records")
		kvStore = kv.Disabled()
	}
	defer kvStore.Close()

	encKey, err := cfg.Secrets.DecodeKey()
	if err != nil {
		return err
	}
	vault, err := secrets.New(store, encKey)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, vault); err != nil {
		return err
	}

	res, err := resolver.New(store)
	if err != nil {
		return err
	}
	apiKeys, err := auth.NewAPIKeyAuth(store, store)
	if err != nil {
		return err
	}
	var sessions gateway.SessionValidator = auth.RejectSessions()
	if cfg.Identity.URL != "" {
		sessions = auth.NewHTTPSessionValidator(cfg.Identity.URL)
	}

	// Upstream transport with cached DNS across connector hosts.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(dnsRefreshEvery)
		defer ticker.Stop()
		for range ticker.C {
			dnsResolver.Refresh(true)
		}
	}()
	client := &http.Client{Transport: upstream.NewTransport(dnsResolver)}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	reg := transform.NewRegistry()

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	var usage server.UsageRecorder
	workers := []worker.Worker{worker.NewBreakerSweeper(breakers)}
	if cfg.Usage.Mode == "sync" {
		usage = worker.NewSyncSink(store)
	} else {
		sink := worker.NewUsageSink(store)
		workers = append(workers, sink)
		if metrics != nil {
			usage = &gaugedSink{sink: sink, gauge: metrics.UsageQueueLength}
		} else {
			usage = sink
		}
	}

	handler := server.New(server.Deps{
		Auth:           auth.NewChain(apiKeys, auth.NewSessionAuth(sessions)),
		Resolver:       res,
		Access:         auth.NewVerifier(store),
		Secrets:        vault,
		Validator:      validate.New(),
		Builder:        upstream.NewBuilder(reg),
		Proxy:          upstream.NewProxy(client, breakers),
		Transforms:     reg,
		Breakers:       breakers,
		Cache:          respcache.New(cfg.Cache.MaxEntries),
		Limits:         ratelimit.NewRegistry(kvStore),
		Quota:          ratelimit.NewQuota(kvStore, store),
		Usage:          usage,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		Region:         cfg.Usage.Region,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("relay ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers drain buffered usage records after the listener stops.
	stopWorkers()
	if err := <-workerDone; err != nil {
		return err
	}

	slog.Info("relay stopped")
	return nil
}

// gaugedSink forwards records to the buffered sink and reflects its queue
// depth onto the Prometheus gauge.
type gaugedSink struct {
	sink  *worker.UsageSink
	gauge prometheus.Gauge
}

func (g *gaugedSink) Record(r gateway.UsageRecord) {
	g.sink.Record(r)
	g.gauge.Set(float64(g.sink.QueueLen()))
}
