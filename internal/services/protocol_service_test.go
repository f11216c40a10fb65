package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/config"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/cache"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/repositories"
)

// Mock repositories for testing
type MockProtocolRepository struct {
	mock.Mock
}

func (m *MockProtocolRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Protocol, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Protocol), args.Error(1)
}

func (m *MockProtocolRepository) GetByChecksum(ctx context.Context, checksum string) (*models.Protocol, error) {
	args := m.Called(ctx, checksum)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Protocol), args.Error(1)
}

func (m *MockProtocolRepository) List(ctx context.Context, limit int) ([]models.Protocol, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.Protocol), args.Error(1)
}

// Mock outbox event repository for testing
type MockOutboxEventRepository struct {
	mock.Mock
}

func (m *MockOutboxEventRepository) FetchDue(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.OutboxEvent), args.Error(1)
}

func (m *MockOutboxEventRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxEventRepository) RecordFailure(ctx context.Context, id uuid.UUID, retryCount int, lastError string, nextAttempt *time.Time, terminal bool) error {
	args := m.Called(ctx, id, retryCount, lastError, nextAttempt, terminal)
	return args.Error(0)
}

func (m *MockOutboxEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OutboxEvent), args.Error(1)
}

func (m *MockOutboxEventRepository) Find(ctx context.Context, filter repositories.OutboxFilter) ([]models.OutboxEvent, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]models.OutboxEvent), args.Error(1)
}

func (m *MockOutboxEventRepository) CountByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[models.OutboxStatus]int64), args.Error(1)
}

func disabledCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	c, err := cache.NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	return c
}

func TestGetProtocolFallsBackToRepositoryWhenCacheMisses(t *testing.T) {
	protocolID := uuid.New()
	expected := &models.Protocol{
		ID:     protocolID,
		Title:  "NSCLC Phase II",
		Status: models.ProtocolStatusUploaded,
	}

	mockRepo := new(MockProtocolRepository)
	mockRepo.On("GetByID", mock.Anything, protocolID).Return(expected, nil)

	service := &ProtocolService{
		protocolRepo: mockRepo,
		cache:        disabledCache(t),
	}

	protocol, err := service.GetProtocol(context.Background(), protocolID)
	require.NoError(t, err)
	require.Equal(t, expected.ID, protocol.ID)
	require.Equal(t, expected.Title, protocol.Title)

	mockRepo.AssertExpectations(t)
}

func TestListOutboxEventsPassesFilterThrough(t *testing.T) {
	filter := repositories.OutboxFilter{
		Status:    models.OutboxStatusFailed,
		EventType: "criteria_extracted",
		Limit:     25,
	}
	expected := []models.OutboxEvent{
		{ID: uuid.New(), EventType: "criteria_extracted", Status: models.OutboxStatusFailed},
	}

	mockOutbox := new(MockOutboxEventRepository)
	mockOutbox.On("Find", mock.Anything, filter).Return(expected, nil)

	service := &ProtocolService{
		outboxRepo: mockOutbox,
	}

	events, err := service.ListOutboxEvents(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.OutboxStatusFailed, events[0].Status)

	mockOutbox.AssertExpectations(t)
}
