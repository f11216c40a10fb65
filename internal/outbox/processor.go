package outbox

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/metrics"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
)

// Store is the persistence surface the processor needs. All mutations are
// scoped to a single record and guarded so that terminal records are never
// touched again.
type Store interface {
	// FetchDue returns pending events that are due for dispatch, oldest
	// first, bounded by limit.
	FetchDue(ctx context.Context, limit int) ([]models.OutboxEvent, error)

	// MarkPublished transitions a pending event to published and stamps
	// published_at. It is a no-op on records already in a terminal state.
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// RecordFailure increments the retry count, stores the last error and,
	// depending on terminal, either schedules the next attempt or moves the
	// event to the failed state.
	RecordFailure(ctx context.Context, id uuid.UUID, retryCount int, lastError string, nextAttempt *time.Time, terminal bool) error
}

// Config holds processor tuning parameters. Zero values are replaced with
// defaults that favor correctness over throughput.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Processor polls the outbox table for pending events and dispatches them
// to registered handlers. A single processor instance runs its loop on one
// dedicated goroutine; running multiple pollers against the same table is
// not supported (no row claiming), and is safe only to the extent that
// handlers are idempotent.
type Processor struct {
	store    Store
	registry *Registry
	cfg      Config
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewProcessor creates a processor over the given store and registry.
// The collector may be nil.
func NewProcessor(store Store, registry *Registry, cfg Config, collector *metrics.Metrics) *Processor {
	return &Processor{
		store:    store,
		registry: registry,
		cfg:      cfg.withDefaults(),
		metrics:  collector,
	}
}

// Start begins polling on a background goroutine. Calling Start on a
// running processor is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Int("max_retries", p.cfg.MaxRetries).
		Msg("Starting outbox processor")

	go p.run(p.stopCh, p.doneCh)
}

// Stop requests the loop to exit after the in-flight batch and blocks until
// it has fully exited, so callers can tear down shared resources afterwards.
// Calling Stop on a stopped processor is a no-op.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
	log.Info().Msg("Outbox processor stopped")
}

// run is the poll loop. It drains back-to-back batches while work is found
// and sleeps for the poll interval only when a cycle comes up empty. Store
// failures are logged and retried next cycle; they never terminate the loop.
func (p *Processor) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx := context.Background()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := p.processBatch(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to process outbox batch")
			n = 0
		}

		if n > 0 {
			// More work may be waiting; poll again immediately.
			continue
		}

		select {
		case <-stopCh:
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// processBatch fetches one batch of due events and dispatches each in
// created_at order. It returns the number of events seen.
func (p *Processor) processBatch(ctx context.Context) (int, error) {
	p.count("outbox_poll_cycles")

	events, err := p.store.FetchDue(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	log.Debug().Int("count", len(events)).Msg("Processing outbox batch")

	for _, event := range events {
		p.dispatch(ctx, event)
	}

	return len(events), nil
}

// dispatch delivers one event to every registered handler for its type and
// persists the outcome. All handlers are attempted even when an earlier one
// fails; the record succeeds only if all of them do.
func (p *Processor) dispatch(ctx context.Context, event models.OutboxEvent) {
	handlers := p.registry.HandlersFor(event.EventType)

	// An event type with no interested consumers has nothing outstanding to
	// retry, so it is marked published immediately. Every event type a
	// producer emits is expected to have at least one handler registered.
	if len(handlers) == 0 {
		log.Debug().
			Str("event_id", event.ID.String()).
			Str("event_type", event.EventType).
			Msg("No handlers registered, marking event published")
		p.markPublished(ctx, event)
		return
	}

	start := time.Now()
	var firstErr error
	for i, handler := range handlers {
		if err := p.invoke(ctx, handler, event); err != nil {
			log.Warn().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Int("handler", i).
				Msg("Outbox handler failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.timer("outbox_dispatch", time.Since(start))

	if firstErr == nil {
		p.markPublished(ctx, event)
		return
	}

	p.recordFailure(ctx, event, firstErr)
}

// invoke calls a single handler, converting a panic into an error so that a
// misbehaving handler cannot take down the poll loop.
func (p *Processor) invoke(ctx context.Context, handler Handler, event models.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event.Payload)
}

func (p *Processor) markPublished(ctx context.Context, event models.OutboxEvent) {
	if err := p.store.MarkPublished(ctx, event.ID); err != nil {
		// The event stays pending and will be re-dispatched: at-least-once,
		// never silent loss.
		log.Error().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("Failed to mark outbox event published")
		return
	}
	p.count("outbox_events_published")
}

func (p *Processor) recordFailure(ctx context.Context, event models.OutboxEvent, cause error) {
	retryCount := event.RetryCount + 1
	terminal := retryCount >= p.cfg.MaxRetries

	var nextAttempt *time.Time
	if !terminal {
		at := time.Now().UTC().Add(p.backoffDelay(retryCount))
		nextAttempt = &at
	}

	if err := p.store.RecordFailure(ctx, event.ID, retryCount, cause.Error(), nextAttempt, terminal); err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("Failed to record outbox dispatch failure")
		return
	}

	if terminal {
		// Terminal failures are a signal for manual intervention, not
		// silently dropped work.
		log.Error().
			Str("event_id", event.ID.String()).
			Str("event_type", event.EventType).
			Int("retry_count", retryCount).
			Str("last_error", cause.Error()).
			Msg("Outbox event exhausted retries, marked failed")
		p.count("outbox_events_failed")
		return
	}

	p.count("outbox_dispatch_retries")
}

// backoffDelay computes the delay before the given attempt: exponential in
// the retry count with +/-50% jitter, capped at BackoffCap.
func (p *Processor) backoffDelay(retryCount int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= p.cfg.BackoffCap {
			break
		}
	}
	if delay > p.cfg.BackoffCap {
		delay = p.cfg.BackoffCap
	}

	jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
	if jittered > p.cfg.BackoffCap {
		jittered = p.cfg.BackoffCap
	}
	return jittered
}

func (p *Processor) count(name string) {
	if p.metrics != nil {
		p.metrics.IncrementCounter(name)
	}
}

func (p *Processor) timer(name string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordTimer(name, d)
	}
}
