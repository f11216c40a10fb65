package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
)

// fakeStore is an in-memory Store with the same monotonicity guarantees as
// the database-backed repository: terminal records are never mutated.
type fakeStore struct {
	mu        sync.Mutex
	events    map[uuid.UUID]*models.OutboxEvent
	fetchErrs int
	polls     int
}

func newFakeStore(events ...*models.OutboxEvent) *fakeStore {
	s := &fakeStore{events: make(map[uuid.UUID]*models.OutboxEvent)}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeStore) FetchDue(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls++
	if s.fetchErrs > 0 {
		s.fetchErrs--
		return nil, errors.New("store unavailable")
	}

	now := time.Now().UTC()
	var due []models.OutboxEvent
	for _, e := range s.events {
		if e.Status != models.OutboxStatusPending {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, *e)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.Status != models.OutboxStatusPending {
		return nil
	}
	now := time.Now().UTC()
	e.Status = models.OutboxStatusPublished
	e.PublishedAt = &now
	e.NextAttemptAt = nil
	return nil
}

func (s *fakeStore) RecordFailure(ctx context.Context, id uuid.UUID, retryCount int, lastError string, nextAttempt *time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.Status != models.OutboxStatusPending {
		return nil
	}
	e.RetryCount = retryCount
	e.LastError = &lastError
	e.NextAttemptAt = nextAttempt
	if terminal {
		e.Status = models.OutboxStatusFailed
	}
	return nil
}

func (s *fakeStore) get(t *testing.T, id uuid.UUID) models.OutboxEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	require.True(t, ok)
	return *e
}

func (s *fakeStore) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func pendingEvent(eventType string, createdAt time.Time) *models.OutboxEvent {
	return &models.OutboxEvent{
		ID:             uuid.New(),
		EventType:      eventType,
		AggregateType:  "protocol",
		AggregateID:    uuid.New(),
		Payload:        []byte(`{"kind":"` + eventType + `"}`),
		IdempotencyKey: uuid.New(),
		Status:         models.OutboxStatusPending,
		CreatedAt:      createdAt,
	}
}

// fastConfig keeps retry scheduling on a timescale tests can wait out
func fastConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		MaxRetries:   5,
		BackoffBase:  time.Millisecond,
		BackoffCap:   2 * time.Millisecond,
	}
}

// drive runs poll cycles until done reports true or the deadline passes
func drive(t *testing.T, p *Processor, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := p.processBatch(context.Background())
		require.NoError(t, err)
		if done() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestProcessorPublishesWhenAllHandlersSucceed(t *testing.T) {
	event := pendingEvent("criteria_extracted", time.Now().UTC())
	store := newFakeStore(event)

	var mu sync.Mutex
	var invoked []string

	registry := NewRegistry()
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		invoked = append(invoked, "first")
		return nil
	})
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		invoked = append(invoked, "second")
		return nil
	})

	p := NewProcessor(store, registry, fastConfig(), nil)

	n, err := p.processBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := store.get(t, event.ID)
	require.Equal(t, models.OutboxStatusPublished, got.Status)
	require.NotNil(t, got.PublishedAt)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, []string{"first", "second"}, invoked)
}

func TestProcessorAutoPublishesUnhandledEventType(t *testing.T) {
	// No handler registered for criteria_extracted: nothing is outstanding,
	// so the record completes immediately.
	event := pendingEvent("criteria_extracted", time.Now().UTC())
	store := newFakeStore(event)

	p := NewProcessor(store, NewRegistry(), fastConfig(), nil)

	n, err := p.processBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := store.get(t, event.ID)
	require.Equal(t, models.OutboxStatusPublished, got.Status)
	require.NotNil(t, got.PublishedAt)
}

func TestProcessorRetriesUntilHandlerSucceeds(t *testing.T) {
	event := pendingEvent("criteria_extracted", time.Now().UTC())
	store := newFakeStore(event)

	var mu sync.Mutex
	attempts := 0

	registry := NewRegistry()
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	p := NewProcessor(store, registry, fastConfig(), nil)

	drive(t, p, func() bool {
		return store.get(t, event.ID).Status == models.OutboxStatusPublished
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)

	got := store.get(t, event.ID)
	require.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.PublishedAt)
}

func TestProcessorMarksFailedAfterMaxRetries(t *testing.T) {
	event := pendingEvent("protocol_uploaded", time.Now().UTC())
	store := newFakeStore(event)

	registry := NewRegistry()
	registry.Register(models.EventProtocolUploaded, func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("handler always fails")
	})

	cfg := fastConfig()
	cfg.MaxRetries = 3
	p := NewProcessor(store, registry, cfg, nil)

	drive(t, p, func() bool {
		return store.get(t, event.ID).Status == models.OutboxStatusFailed
	})

	got := store.get(t, event.ID)
	require.Equal(t, models.OutboxStatusFailed, got.Status)
	require.Equal(t, 3, got.RetryCount)
	require.Nil(t, got.PublishedAt)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "handler always fails")
}

func TestProcessorLeavesTerminalRecordsUntouched(t *testing.T) {
	event := pendingEvent("protocol_uploaded", time.Now().UTC())
	store := newFakeStore(event)

	registry := NewRegistry()
	registry.Register(models.EventProtocolUploaded, func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("handler always fails")
	})

	cfg := fastConfig()
	cfg.MaxRetries = 2
	p := NewProcessor(store, registry, cfg, nil)

	drive(t, p, func() bool {
		return store.get(t, event.ID).Status == models.OutboxStatusFailed
	})
	terminal := store.get(t, event.ID)

	// Further cycles must not touch the terminal record.
	for i := 0; i < 5; i++ {
		_, err := p.processBatch(context.Background())
		require.NoError(t, err)
	}

	got := store.get(t, event.ID)
	require.Equal(t, terminal.Status, got.Status)
	require.Equal(t, terminal.RetryCount, got.RetryCount)
	require.Equal(t, terminal.PublishedAt, got.PublishedAt)
}

func TestProcessorDispatchesInCreatedAtOrder(t *testing.T) {
	base := time.Now().UTC().Add(-time.Minute)

	taggedEvent := func(tag string, createdAt time.Time) *models.OutboxEvent {
		e := pendingEvent("criteria_extracted", createdAt)
		e.Payload = []byte(`{"tag":"` + tag + `"}`)
		return e
	}

	// Inserted out of creation order on purpose.
	store := newFakeStore(
		taggedEvent("third", base.Add(2*time.Second)),
		taggedEvent("first", base),
		taggedEvent("second", base.Add(time.Second)),
	)

	var mu sync.Mutex
	var order []string

	registry := NewRegistry()
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		order = append(order, body.Tag)
		return nil
	})

	p := NewProcessor(store, registry, fastConfig(), nil)

	n, err := p.processBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestProcessorAttemptsAllHandlersDespiteFailure(t *testing.T) {
	event := pendingEvent("criteria_extracted", time.Now().UTC())
	store := newFakeStore(event)

	var mu sync.Mutex
	secondCalled := false

	registry := NewRegistry()
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("first handler fails")
	})
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		secondCalled = true
		return nil
	})

	p := NewProcessor(store, registry, fastConfig(), nil)

	_, err := p.processBatch(context.Background())
	require.NoError(t, err)

	mu.Lock()
	require.True(t, secondCalled)
	mu.Unlock()

	// One handler failed, so the whole record is failed for this attempt.
	got := store.get(t, event.ID)
	require.Equal(t, models.OutboxStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "first handler fails")
}

func TestProcessorRecoversFromHandlerPanic(t *testing.T) {
	event := pendingEvent("criteria_extracted", time.Now().UTC())
	store := newFakeStore(event)

	registry := NewRegistry()
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		panic("boom")
	})

	p := NewProcessor(store, registry, fastConfig(), nil)

	require.NotPanics(t, func() {
		_, err := p.processBatch(context.Background())
		require.NoError(t, err)
	})

	got := store.get(t, event.ID)
	require.Equal(t, models.OutboxStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, *got.LastError, "handler panic")
}

func TestProcessorStartIsIdempotentAndStopAwaitsExit(t *testing.T) {
	store := newFakeStore()
	p := NewProcessor(store, NewRegistry(), fastConfig(), nil)

	p.Start()
	p.Start() // no-op on a running processor

	require.Eventually(t, func() bool {
		return store.pollCount() > 0
	}, time.Second, time.Millisecond)

	p.Stop()
	p.Stop() // no-op on a stopped processor

	// No further polling after Stop has returned.
	polls := store.pollCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, polls, store.pollCount())
}

func TestProcessorStopWaitsForInflightDispatch(t *testing.T) {
	event := pendingEvent("criteria_extracted", time.Now().UTC())
	store := newFakeStore(event)

	entered := make(chan struct{})
	release := make(chan struct{})

	registry := NewRegistry()
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		close(entered)
		<-release
		return nil
	})

	cfg := fastConfig()
	cfg.PollInterval = time.Hour // only the first drain cycle matters
	p := NewProcessor(store, registry, cfg, nil)

	p.Start()
	<-entered

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	// Stop must block while the dispatch is in flight.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a dispatch was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the dispatch completed")
	}

	// The in-flight outcome was persisted before Stop returned.
	got := store.get(t, event.ID)
	require.Equal(t, models.OutboxStatusPublished, got.Status)
}

func TestProcessorSurvivesStoreErrors(t *testing.T) {
	event := pendingEvent("criteria_extracted", time.Now().UTC())
	store := newFakeStore(event)
	store.fetchErrs = 2

	registry := NewRegistry()
	registry.Register(models.EventCriteriaExtracted, func(ctx context.Context, payload json.RawMessage) error {
		return nil
	})

	p := NewProcessor(store, registry, fastConfig(), nil)
	p.Start()
	defer p.Stop()

	// Store unavailability is transient: the loop keeps polling and the
	// event is eventually delivered.
	require.Eventually(t, func() bool {
		return store.get(t, event.ID).Status == models.OutboxStatusPublished
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffDelayIsBounded(t *testing.T) {
	cfg := Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  30 * time.Second,
	}
	p := NewProcessor(newFakeStore(), NewRegistry(), cfg, nil)

	for retry := 1; retry <= 10; retry++ {
		for i := 0; i < 50; i++ {
			d := p.backoffDelay(retry)
			require.GreaterOrEqual(t, d, p.cfg.BackoffBase/2, "retry %d", retry)
			require.LessOrEqual(t, d, p.cfg.BackoffCap, "retry %d", retry)
		}
	}
}
