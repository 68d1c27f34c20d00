package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/activityhub/notification-dispatcher/internal/config"
	"github.com/activityhub/notification-dispatcher/internal/domain"
	"github.com/activityhub/notification-dispatcher/internal/metrics"
)

// MockNotificationStore is a mock implementation of domain.NotificationStore
type MockNotificationStore struct {
	mock.Mock
}

func (m *MockNotificationStore) ClaimBatch(ctx context.Context, limit int) ([]*domain.Notification, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationStore) MarkSuccess(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationStore) MarkFailure(ctx context.Context, id uuid.UUID, errorText string, maxRetries int) (bool, error) {
	args := m.Called(ctx, id, errorText, maxRetries)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationStore) GetUserDevices(ctx context.Context, userID uuid.UUID) ([]domain.UserDevice, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.UserDevice), args.Error(1)
}

func (m *MockNotificationStore) RemoveDevice(ctx context.Context, fcmToken string) error {
	args := m.Called(ctx, fcmToken)
	return args.Error(0)
}

func (m *MockNotificationStore) CountPending(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockBusPublisher is a mock implementation of domain.BusPublisher
type MockBusPublisher struct {
	mock.Mock
}

func (m *MockBusPublisher) PublishToUser(ctx context.Context, userID uuid.UUID, envelope *domain.Envelope) (int, error) {
	args := m.Called(ctx, userID, envelope)
	return args.Int(0), args.Error(1)
}

func (m *MockBusPublisher) PublishToTopic(ctx context.Context, topic string, envelope *domain.Envelope) (int, error) {
	args := m.Called(ctx, topic, envelope)
	return args.Int(0), args.Error(1)
}

// MockPushSender is a mock implementation of domain.PushSender
type MockPushSender struct {
	mock.Mock
}

func (m *MockPushSender) Send(ctx context.Context, fcmToken string, n *domain.Notification) error {
	args := m.Called(ctx, fcmToken, n)
	return args.Error(0)
}

func (m *MockPushSender) SendToTopic(ctx context.Context, topic string, n *domain.Notification) error {
	args := m.Called(ctx, topic, n)
	return args.Error(0)
}

var testMetrics = metrics.New()

func newTestProcessor(store domain.NotificationStore, bus domain.BusPublisher, push domain.PushSender) *Processor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.WorkerConfig{
		PollInterval: time.Minute,
		BatchSize:    100,
		MaxRetries:   3,
	}
	return NewProcessor(store, bus, push, testMetrics, logger, cfg)
}

func testNotification(userID uuid.UUID) *domain.Notification {
	return &domain.Notification{
		ID:               uuid.New(),
		UserID:           userID,
		NotificationType: "new_follower",
		Title:            "New follower",
		CreatedAt:        time.Now().UTC(),
	}
}

func TestProcessOne_DeliveredViaBus(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.New())

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).Return(2, nil)
	store.On("MarkSuccess", mock.Anything, n.ID).Return(true, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultBus, result)
	store.AssertExpectations(t)
	bus.AssertExpectations(t)
	push.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessOne_FallsBackToPushWhenOffline(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.New())
	devices := []domain.UserDevice{
		{FCMToken: "token-android", DeviceType: "android"},
		{FCMToken: "token-ios", DeviceType: "ios"},
	}

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).Return(0, nil)
	store.On("GetUserDevices", mock.Anything, n.UserID).Return(devices, nil)
	push.On("Send", mock.Anything, "token-android", n).Return(nil)
	push.On("Send", mock.Anything, "token-ios", n).Return(nil)
	store.On("MarkSuccess", mock.Anything, n.ID).Return(true, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultPush, result)
	store.AssertExpectations(t)
	push.AssertExpectations(t)
}

func TestProcessOne_FallsBackToPushOnBusError(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.New())

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).
		Return(0, domain.PublishError{Reason: "503: unavailable"})
	store.On("GetUserDevices", mock.Anything, n.UserID).
		Return([]domain.UserDevice{{FCMToken: "token-1", DeviceType: "android"}}, nil)
	push.On("Send", mock.Anything, "token-1", n).Return(nil)
	store.On("MarkSuccess", mock.Anything, n.ID).Return(true, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultPush, result)
	store.AssertExpectations(t)
}

func TestProcessOne_InvalidTokenIsReaped(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.New())
	devices := []domain.UserDevice{
		{FCMToken: "dead-token", DeviceType: "android"},
		{FCMToken: "live-token", DeviceType: "ios"},
	}

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).Return(0, nil)
	store.On("GetUserDevices", mock.Anything, n.UserID).Return(devices, nil)
	push.On("Send", mock.Anything, "dead-token", n).Return(domain.ErrInvalidToken)
	push.On("Send", mock.Anything, "live-token", n).Return(nil)
	store.On("RemoveDevice", mock.Anything, "dead-token").Return(nil)
	store.On("MarkSuccess", mock.Anything, n.ID).Return(true, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	// One live device is enough for terminal success.
	assert.Equal(t, resultPush, result)
	store.AssertExpectations(t)
	push.AssertExpectations(t)
}

func TestProcessOne_AllTokensInvalid(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.New())

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).Return(0, nil)
	store.On("GetUserDevices", mock.Anything, n.UserID).
		Return([]domain.UserDevice{{FCMToken: "dead-token", DeviceType: "android"}}, nil)
	push.On("Send", mock.Anything, "dead-token", n).Return(domain.ErrInvalidToken)
	store.On("RemoveDevice", mock.Anything, "dead-token").Return(nil)
	store.On("MarkFailure", mock.Anything, n.ID, "all push attempts failed", 3).Return(false, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultFailed, result)
	store.AssertExpectations(t)
}

func TestProcessOne_NoDevices(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.New())

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).Return(0, nil)
	store.On("GetUserDevices", mock.Anything, n.UserID).Return([]domain.UserDevice{}, nil)
	store.On("MarkFailure", mock.Anything, n.ID, domain.ErrNoDevices.Error(), 3).Return(false, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultFailed, result)
	store.AssertExpectations(t)
}

func TestProcessOne_PushNotConfigured(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)

	n := testNotification(uuid.New())

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).Return(0, nil)
	store.On("MarkFailure", mock.Anything, n.ID, domain.ErrFCMNotConfigured.Error(), 3).Return(false, nil)

	p := newTestProcessor(store, bus, nil)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultFailed, result)
	store.AssertExpectations(t)
}

func TestProcessOne_RetryCeilingReached(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.New())
	sendErr := domain.SendError{Reason: "500: internal"}

	bus.On("PublishToUser", mock.Anything, n.UserID, mock.Anything).Return(0, nil)
	store.On("GetUserDevices", mock.Anything, n.UserID).
		Return([]domain.UserDevice{{FCMToken: "token-1", DeviceType: "android"}}, nil)
	push.On("Send", mock.Anything, "token-1", n).Return(sendErr)
	store.On("MarkFailure", mock.Anything, n.ID, sendErr.Error(), 3).Return(true, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultFailed, result)
	store.AssertExpectations(t)
}

func TestProcessBroadcast_AlwaysMarkedProcessed(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.Nil)

	bus.On("PublishToTopic", mock.Anything, domain.TopicGlobal, mock.Anything).Return(42, nil)
	push.On("SendToTopic", mock.Anything, "all", n).Return(nil)
	store.On("MarkSuccess", mock.Anything, n.ID).Return(true, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultBus, result)
	store.AssertExpectations(t)
	bus.AssertExpectations(t)
	push.AssertExpectations(t)
	// Broadcasts never consult the per-user device registry.
	store.AssertNotCalled(t, "GetUserDevices", mock.Anything, mock.Anything)
}

func TestProcessBroadcast_SinkFailuresDoNotBlockQueue(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)
	push := new(MockPushSender)

	n := testNotification(uuid.Nil)

	bus.On("PublishToTopic", mock.Anything, domain.TopicGlobal, mock.Anything).
		Return(0, domain.PublishError{Reason: "timeout"})
	push.On("SendToTopic", mock.Anything, "all", n).Return(domain.SendError{Reason: "503"})
	store.On("MarkSuccess", mock.Anything, n.ID).Return(true, nil)

	p := newTestProcessor(store, bus, push)
	result := p.processOne(context.Background(), n)

	assert.Equal(t, resultFailed, result)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "MarkFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessAllPending_DrainsUntilEmpty(t *testing.T) {
	store := new(MockNotificationStore)
	bus := new(MockBusPublisher)

	n1 := testNotification(uuid.New())
	n2 := testNotification(uuid.New())

	store.On("ClaimBatch", mock.Anything, 100).
		Return([]*domain.Notification{n1, n2}, nil).Once()
	store.On("ClaimBatch", mock.Anything, 100).
		Return([]*domain.Notification{}, nil).Once()

	bus.On("PublishToUser", mock.Anything, mock.Anything, mock.Anything).Return(1, nil)
	store.On("MarkSuccess", mock.Anything, mock.Anything).Return(true, nil)

	p := newTestProcessor(store, bus, nil)
	p.processAllPending(context.Background())

	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "ClaimBatch", 2)
	store.AssertNumberOfCalls(t, "MarkSuccess", 2)
}

func TestProcessAllPending_AbortsOnFetchError(t *testing.T) {
	store := new(MockNotificationStore)

	store.On("ClaimBatch", mock.Anything, 100).
		Return(nil, errors.New("connection reset")).Once()

	p := newTestProcessor(store, nil, nil)
	p.processAllPending(context.Background())

	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "ClaimBatch", 1)
}

func TestProcessor_WakeSignalTriggersCycle(t *testing.T) {
	store := new(MockNotificationStore)

	store.On("ClaimBatch", mock.Anything, 100).Return([]*domain.Notification{}, nil)

	p := newTestProcessor(store, nil, nil)
	wake := make(chan struct{}, 1)

	err := p.Start(context.Background(), wake)
	assert.NoError(t, err)

	wake <- struct{}{}
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	// Startup cycle plus at least one wake-driven cycle.
	assert.GreaterOrEqual(t, len(store.Calls), 2)
}

func TestProcessor_StartIsIdempotent(t *testing.T) {
	store := new(MockNotificationStore)
	store.On("ClaimBatch", mock.Anything, 100).Return([]*domain.Notification{}, nil)

	p := newTestProcessor(store, nil, nil)
	wake := make(chan struct{}, 1)

	assert.NoError(t, p.Start(context.Background(), wake))
	assert.NoError(t, p.Start(context.Background(), wake))
	p.Stop()
}
