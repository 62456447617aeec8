// Package rsiengine wires the RSI engine service: bus transport, indicator
// store, ingestion loop, sinks and the query API.
package rsiengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rsi-engine/internal/api"
	kafkabus "rsi-engine/internal/bus/kafka"
	redisbus "rsi-engine/internal/bus/redis"
	"rsi-engine/internal/ingest"
	"rsi-engine/internal/logger"
	"rsi-engine/internal/metrics"
	"rsi-engine/internal/model"
	"rsi-engine/internal/store"
	"rsi-engine/internal/stream"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Service is the top-level orchestrator of the RSI engine.
// It wires all dependencies and manages their lifecycle.
type Service struct {
	cfg  Config
	log  *slog.Logger
	base *slog.Logger

	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	store *store.Store
	hub   *stream.Hub
	rdb   *goredis.Client
	src   model.TradeSource
	pubs  []model.RecordPublisher
	loop  *ingest.Loop
	api   *api.Server
}

// New validates cfg, connects the configured transports and assembles the
// service. Nothing is consumed until Run.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	svc := newService(cfg, log)

	if cfg.usesRedis() {
		rdb, err := redisbus.Dial(ctx, redisbus.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		svc.rdb = rdb
		svc.health.SetRedisConnected(true)
	}

	var (
		src  model.TradeSource
		pubs []model.RecordPublisher
	)
	switch cfg.Backend {
	case BackendKafka:
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		svc.busReady(kafkabus.Ping(pingCtx, cfg.Brokers))
		cancel()
		src = kafkabus.NewConsumer(kafkabus.Config{
			Brokers: cfg.Brokers,
			Topic:   cfg.InputTopic,
			GroupID: cfg.ConsumerGroup,
		})
		pubs = append(pubs, kafkabus.NewProducer(kafkabus.Config{
			Brokers: cfg.Brokers,
			Topic:   cfg.OutputTopic,
		}))
		if cfg.RedisMirror {
			pubs = append(pubs, svc.redisPublisher(""))
		}

	case BackendRedis:
		rsrc, err := redisbus.NewSource(ctx, svc.rdb, redisbus.SourceConfig{
			Stream:   cfg.InputTopic,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
		})
		if err != nil {
			svc.rdb.Close()
			return nil, err
		}
		src = rsrc
		svc.busReady(nil)
		pubs = append(pubs, svc.redisPublisher(cfg.OutputTopic))
	}

	svc.assemble(src, pubs)
	return svc, nil
}

// newService builds the transport-independent parts.
func newService(cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewMetrics(reg)

	st := store.New(cfg.Period, cfg.StoreShards)
	hub := stream.NewHub(st.Snapshot, cfg.WSBuffer, log)
	hub.OnDrop = prom.StreamDropTotal.Inc
	hub.OnClientsChg = func(n int) { prom.WSClients.Set(float64(n)) }

	return &Service{
		cfg:    cfg,
		log:    log.With("component", "rsiengine"),
		base:   log,
		reg:    reg,
		prom:   prom,
		health: metrics.NewHealthStatus(cfg.Backend, st.Period()),
		store:  st,
		hub:    hub,
	}
}

// assemble wires the loop and the API around src and pubs. The websocket hub
// is always the last sink.
func (svc *Service) assemble(src model.TradeSource, pubs []model.RecordPublisher) {
	cfg := svc.cfg
	svc.src = src
	svc.pubs = append(pubs, svc.hub)

	svc.loop = ingest.NewLoop(ingest.LoopConfig{
		DefaultKey:       cfg.DefaultTokenKey,
		PublishAttempts:  cfg.PublishAttempts,
		PublishTimeout:   cfg.PublishTimeout,
		PublishBackoff:   cfg.PublishBackoff,
		MaxFetchFailures: cfg.MaxFetchFailures,
	}, svc.src, svc.store, svc.pubs, svc.prom, svc.base)
	svc.loop.Health = svc.health

	svc.api = api.NewServer(cfg.HTTPAddr, api.Deps{
		Store:    svc.store,
		Stream:   svc.hub,
		Health:   svc.health,
		Metrics:  svc.prom,
		Gatherer: svc.reg,
		Log:      svc.base,
	})
}

// busReady records the outcome of the startup connectivity check. An idle bus
// then reports healthy until a fetch actually fails.
func (svc *Service) busReady(err error) {
	if err != nil {
		svc.log.Warn("bus not reachable at startup", "backend", svc.cfg.Backend, "error", err)
		return
	}
	svc.health.SetBusConnected(true)
}

func (svc *Service) redisPublisher(output string) *redisbus.Publisher {
	cb := redisbus.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisbus.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		svc.health.SetRedisConnected(to == redisbus.StateClosed)
		if to == redisbus.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
		svc.log.Warn("redis circuit breaker state change", "from", from.String(), "to", to.String())
	}
	p := redisbus.NewPublisher(svc.rdb, cb, redisbus.PublisherConfig{
		Stream:    output,
		Mirror:    true,
		MaxBuffer: 10000,
	})
	p.OnDrop = func() { svc.prom.PublishTotal.WithLabelValues(p.Name(), "dropped").Inc() }
	return p
}

// Run starts the ingestion loop and the query API and blocks until ctx is
// cancelled or a subsystem fails. The in-flight event finishes before Run
// returns. A persistent bus failure is returned wrapping ingest.ErrTransport.
func (svc *Service) Run(ctx context.Context) error {
	svc.log.Info("starting RSI engine",
		"backend", svc.cfg.Backend,
		"input", svc.cfg.InputTopic,
		"output", svc.cfg.OutputTopic,
		"period", svc.store.Period(),
		"http", svc.cfg.HTTPAddr,
		"redis_mirror", svc.cfg.RedisMirror,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.loop.Run(gctx); err != nil {
			return fmt.Errorf("ingestion: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := svc.api.Serve(); err != nil {
			return fmt.Errorf("query api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return svc.api.Shutdown(shutCtx)
	})

	err := g.Wait()
	svc.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown closes sinks, the source and connections.
func (svc *Service) shutdown() {
	svc.log.Info("shutting down", "tracked_keys", svc.store.Len())

	for _, p := range svc.pubs {
		if err := p.Close(); err != nil {
			svc.log.Warn("closing sink", "sink", p.Name(), "error", err)
		}
	}
	if svc.src != nil {
		if err := svc.src.Close(); err != nil {
			svc.log.Warn("closing source", "error", err)
		}
	}
	if svc.rdb != nil {
		svc.rdb.Close()
	}
	svc.log.Info("shutdown complete")
}

// Store exposes the indicator store, mainly for tests and embedding.
func (svc *Service) Store() *store.Store { return svc.store }
