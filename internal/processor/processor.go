package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"machinewatch/internal/alerts"
	"machinewatch/internal/analyzer"
	"machinewatch/internal/config"
	"machinewatch/internal/handlers"
	"machinewatch/internal/ingest"
	"machinewatch/internal/kafka"
	"machinewatch/internal/liveness"
	"machinewatch/internal/logger"
	"machinewatch/internal/metrics"
	"machinewatch/internal/mqtt"
	"machinewatch/internal/notify"
	"machinewatch/internal/registry"
	"machinewatch/internal/storage"
	"machinewatch/internal/worker"
)

// Processor is the high-level coordinator: it owns the store, the alert
// dispatch pipeline, the background loops and the API server.
type Processor struct {
	cfg   *config.Config
	fleet []registry.MachineInput

	store      storage.Store
	producer   *kafka.Producer
	hub        *notify.Hub
	fanout     *notify.Fanout
	workerPool *worker.Pool

	evaluator *ingest.Evaluator
	registry  *registry.Service
	analyzer  *analyzer.Analyzer
	monitor   *liveness.Monitor

	consumer   *kafka.Consumer
	subscriber *mqtt.Subscriber

	router     http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
}

// Option customises a Processor
type Option func(*Processor)

// WithFleet registers the given machines on startup, skipping codes that
// already exist.
func WithFleet(machines []registry.MachineInput) Option {
	return func(p *Processor) { p.fleet = machines }
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenStore opens the configured store backend
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemory(), nil
	case "postgres":
		return storage.NewPostgres(ctx, storage.PostgresConfig{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.setup(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize processor")
		p.closeSinks()
		return err
	}

	listener, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		p.closeSinks()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}

	p.workerPool.Start()

	// Start HTTP server in background
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", listener.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	p.goLoop(ctx, "analyzer", func(ctx context.Context) error {
		p.analyzer.Start(ctx)
		return nil
	})
	p.goLoop(ctx, "liveness", func(ctx context.Context) error {
		p.monitor.Start(ctx)
		return nil
	})
	if p.consumer != nil {
		p.goLoop(ctx, "kafka_consumer", p.consumer.Start)
	}
	if p.subscriber != nil {
		p.goLoop(ctx, "mqtt", p.subscriber.Start)
	}

	// Stats reporting goroutine
	p.goLoop(ctx, "stats", func(ctx context.Context) error {
		p.reportStats(ctx)
		return nil
	})

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Graceful shutdown
	return p.shutdown()
}

func (p *Processor) goLoop(ctx context.Context, name string, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := fn(ctx); err != nil {
			logger.WithComponent("processor").Error().Err(err).Str("loop", name).Msg("background loop exited")
		}
	}()
}

// setup builds every component without starting any goroutine
func (p *Processor) setup(ctx context.Context) error {
	log := logger.WithComponent("processor")
	cfg := p.cfg

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	p.store = store
	log.Info().Str("backend", cfg.Storage.Backend).Msg("store opened")

	if err := p.initSinks(); err != nil {
		return err
	}

	p.workerPool = worker.NewPool(worker.Config{
		Publisher:    p.fanout,
		QueueSize:    cfg.Dispatch.QueueSize,
		Workers:      cfg.Dispatch.Workers,
		BatchSize:    cfg.Dispatch.BatchSize,
		BatchTimeout: cfg.Dispatch.BatchTimeout,
	})
	log.Info().Int("workers", cfg.Dispatch.Workers).Strs("sinks", p.fanout.Sinks()).Msg("alert dispatch initialized")

	retry := storage.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
	}
	limits := cfg.Engine.Limits()

	p.evaluator = ingest.NewEvaluator(ingest.Config{
		Store:        store,
		Dispatcher:   p.workerPool,
		Defaults:     limits,
		Rules:        alerts.ThresholdRules{WarningRunLength: cfg.Engine.WarningRunLength},
		MaxClockSkew: cfg.Engine.MaxClockSkew,
		Retry:        retry,
	})
	p.registry = registry.New(store, limits, retry)
	p.analyzer = analyzer.New(analyzer.Config{
		Store:      store,
		Dispatcher: p.workerPool,
		Period:     cfg.Engine.AnalyzerPeriod,
		Window:     cfg.Engine.AnalyzerWindow,
		Detector:   alerts.Detector{MinSamples: cfg.Engine.AnalyzerMinSamples, Sigma: cfg.Engine.AnalyzerSigma},
		Retry:      retry,
	})
	p.monitor = liveness.New(liveness.Config{
		Store:      store,
		Dispatcher: p.workerPool,
		Period:     cfg.Engine.MonitorPeriod,
		Timeout:    cfg.Engine.OfflineTimeout,
		Retry:      retry,
	})

	if len(p.fleet) > 0 {
		res, err := p.registry.Seed(ctx, p.fleet)
		if err != nil {
			return fmt.Errorf("failed to seed fleet: %w", err)
		}
		log.Info().Int("created", res.Created).Int("skipped", res.Skipped).Msg("fleet seeded")
	}

	if cfg.Kafka.TelemetryTopic != "" {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TelemetryTopic,
			GroupID: cfg.Kafka.GroupID,
		}, p.evaluator)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry consumer: %w", err)
		}
		p.consumer = consumer
	}
	if cfg.MQTT.Enabled {
		p.subscriber = mqtt.NewSubscriber(cfg.MQTT, p.evaluator)
	}

	p.initHTTPServer()
	return nil
}

// initSinks builds the alert fanout. The log sink and the websocket hub
// are always present; brokers are added when enabled.
func (p *Processor) initSinks() error {
	log := logger.WithComponent("processor")
	cfg := p.cfg

	p.hub = notify.NewHub()
	sinks := []notify.Sink{notify.LogSink{}, p.hub}

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
		if err != nil {
			return fmt.Errorf("failed to initialize producer: %w", err)
		}
		p.producer = producer
		sinks = append(sinks, producer)
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("kafka producer initialized")
	}

	if cfg.AMQP.Enabled {
		sink, err := notify.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			p.fanout = notify.NewFanout(sinks...)
			return fmt.Errorf("failed to initialize amqp notifier: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.NATS.Enabled {
		sink, err := notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			p.fanout = notify.NewFanout(sinks...)
			return fmt.Errorf("failed to initialize nats notifier: %w", err)
		}
		sinks = append(sinks, sink)
	}

	p.fanout = notify.NewFanout(sinks...)
	return nil
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	p.router = handlers.NewRouter(handlers.RouterConfig{
		Ingest: handlers.NewIngestHandler(handlers.IngestConfig{
			Ingester:    p.evaluator,
			MaxBodySize: p.cfg.HTTP.MaxBodySize,
		}),
		Alerts:      handlers.NewAlertHandler(p.evaluator, p.registry),
		Machines:    handlers.NewMachineHandler(p.registry, p.evaluator),
		Health:      p.healthHandler,
		Stats:       p.statsHandler,
		AlertStream: p.hub,
	})

	p.httpServer = &http.Server{
		Handler:      p.router,
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Background loops observe the cancelled context
	if p.consumer != nil {
		if err := p.consumer.Stop(); err != nil {
			log.Warn().Err(err).Msg("telemetry consumer close error")
		}
	}
	p.wg.Wait()

	// 3. Flush queued alerts (with timeout)
	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout - forcing exit")
	}

	// 4. Close sinks and the store
	p.closeSinks()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

func (p *Processor) closeSinks() {
	log := logger.WithComponent("processor")
	if p.fanout != nil {
		if err := p.fanout.Close(); err != nil {
			log.Error().Err(err).Msg("notifier close error")
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			metrics.WorkerQueueSize.Set(float64(stats.Worker.Queued))

			ev := log.Info().
				Uint64("worker_processed", stats.Worker.Processed).
				Uint64("worker_failed", stats.Worker.Failed).
				Uint64("worker_dropped", stats.Worker.Dropped).
				Int("queue_size", stats.Worker.Queued).
				Int("websocket_clients", stats.WebsocketClients)
			if stats.Producer != nil {
				ev = ev.
					Uint64("producer_sent", stats.Producer.MessagesSent).
					Uint64("producer_failed", stats.Producer.MessagesFailed)
			}
			ev.Msg("stats")
		}
	}
}

// Stats is the body of the stats endpoint
type Stats struct {
	Worker           worker.Stats         `json:"worker"`
	Producer         *kafka.ProducerStats `json:"producer,omitempty"`
	Consumer         *kafka.ConsumerStats `json:"consumer,omitempty"`
	MQTT             *mqtt.Stats          `json:"mqtt,omitempty"`
	Sinks            []string             `json:"sinks"`
	WebsocketClients int                  `json:"websocket_clients"`
}

// Stats snapshots the pipeline counters
func (p *Processor) Stats() Stats {
	s := Stats{
		Worker:           p.workerPool.Stats(),
		Sinks:            p.fanout.Sinks(),
		WebsocketClients: p.hub.Clients(),
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Consumer = &cs
	}
	if p.subscriber != nil {
		ms := p.subscriber.Stats()
		s.MQTT = &ms
	}
	return s
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    map[string]string{"store": "ok"},
	}
	status := http.StatusOK

	if err := p.store.Ping(ctx); err != nil {
		resp.Checks["store"] = err.Error()
		resp.Status, status = "unhealthy", http.StatusServiceUnavailable
	}

	// Check Kafka connectivity
	if p.producer != nil {
		resp.Checks["kafka"] = "ok"
		if err := p.producer.HealthCheck(ctx); err != nil {
			resp.Checks["kafka"] = err.Error()
			resp.Status, status = "unhealthy", http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
