package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"machinewatch/internal/logger"
	"machinewatch/internal/metrics"
	"machinewatch/internal/models"
)

//go:generate mockgen -destination=mock_publisher.go -package=worker machinewatch/internal/worker Publisher

// Publisher delivers committed alert events to a downstream sink
type Publisher interface {
	Publish(ctx context.Context, event *models.AlertEvent) error
	PublishBatch(ctx context.Context, events []*models.AlertEvent) error
}

// Dispatcher accepts committed alert events for asynchronous delivery.
// Dispatch never blocks the caller.
type Dispatcher interface {
	Dispatch(events ...*models.AlertEvent)
}

// Discard is a Dispatcher that drops every event
var Discard Dispatcher = discard{}

type discard struct{}

func (discard) Dispatch(...*models.AlertEvent) {}

// Pool manages a pool of workers that drain the alert queue into a Publisher
type Pool struct {
	publisher    Publisher
	queue        chan *models.AlertEvent
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders enqueues before Stop so the final drain sees every
	// accepted event
	mu      sync.RWMutex
	stopped bool

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())

	metrics.WorkerQueueCapacity.Set(float64(cfg.QueueSize))

	return &Pool{
		publisher:    cfg.Publisher,
		queue:        make(chan *models.AlertEvent, cfg.QueueSize),
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Dispatch enqueues events without blocking. Events are dropped when the
// queue is full or the pool is stopping.
func (p *Pool) Dispatch(events ...*models.AlertEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ev := range events {
		if p.stopped {
			p.drop(ev, "pool stopped")
			continue
		}
		select {
		case p.queue <- ev:
		default:
			p.drop(ev, "queue full")
		}
	}
	metrics.WorkerQueueSize.Set(float64(len(p.queue)))
}

func (p *Pool) drop(ev *models.AlertEvent, reason string) {
	p.dropped.Add(1)
	metrics.WorkerDroppedTotal.Inc()
	logger.WithComponent("worker_pool").Warn().
		Str("alert_id", ev.Alert.ID).
		Str("machine_id", ev.Alert.MachineID).
		Str("reason", reason).
		Msg("alert event dropped")
}

// Start begins processing events
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop gracefully stops all workers. Queued events are flushed first.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker processes events from the queue
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]*models.AlertEvent, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			// Drain what is already queued, then flush
			for {
				select {
				case ev := <-p.queue:
					batch = append(batch, ev)
					if len(batch) >= p.batchSize {
						p.publishBatch(batch)
						batch = batch[:0]
					}
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				p.publishBatch(batch)
			}
			return

		case ev := <-p.queue:
			batch = append(batch, ev)

			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// publishBatch publishes a batch of events
func (p *Pool) publishBatch(batch []*models.AlertEvent) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	// Shutdown cancels p.ctx, so flushes get their own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)

	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())
	metrics.WorkerQueueSize.Set(float64(len(p.queue)))

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish batch")

		// Fallback: try publishing individually
		p.publishIndividually(batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch published")

	p.processed.Add(uint64(len(batch)))
	metrics.WorkerProcessedTotal.Add(float64(len(batch)))
}

// publishIndividually tries to publish each event separately
func (p *Pool) publishIndividually(batch []*models.AlertEvent) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, ev := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ev.RetryCount++
		err := p.publisher.Publish(ctx, ev)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("alert_id", ev.Alert.ID).
				Str("machine_id", ev.Alert.MachineID).
				Msg("failed to publish alert event individually")
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			continue
		}

		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
		Capacity:  cap(p.queue),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
}
