package notify

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockNotifier for testing
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, alert Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockNotifier) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockNotifier) IsConfigured() bool {
	args := m.Called()
	return args.Bool(0)
}

func TestNewService(t *testing.T) {
	webhookNotifier := &MockNotifier{}
	emailNotifier := &MockNotifier{}

	service := NewService(zerolog.Nop(), webhookNotifier, emailNotifier)

	assert.NotNil(t, service)
	assert.Equal(t, webhookNotifier, service.webhookNotifier)
	assert.Equal(t, emailNotifier, service.emailNotifier)
}

func TestNewService_NilNotifiers(t *testing.T) {
	service := NewService(zerolog.Nop(), nil, nil)

	assert.NotNil(t, service)
	assert.False(t, service.IsWebhookAvailable())
	assert.False(t, service.IsEmailAvailable())

	// Should not panic
	service.WorkerLost(context.Background(), "logger", 1, "solanagram-log-1-42", "container vanished")
}

func TestWorkerLost(t *testing.T) {
	webhookNotifier := &MockNotifier{}
	webhookNotifier.On("IsConfigured").Return(true)
	webhookNotifier.On("Send", mock.Anything, mock.MatchedBy(func(a Alert) bool {
		return a.Event == "worker_lost" &&
			a.Level == LevelCritical &&
			a.Data["container"] == "solanagram-log-7-100" &&
			a.Data["reason"] == "container exited (status exited, code 137)" &&
			!a.Timestamp.IsZero()
	})).Return(nil)

	service := NewService(zerolog.Nop(), webhookNotifier, nil)
	service.WorkerLost(context.Background(), "logger", 7, "solanagram-log-7-100", "container exited (status exited, code 137)")

	webhookNotifier.AssertExpectations(t)
}

func TestWorkerLost_BothNotifiers(t *testing.T) {
	webhookNotifier := &MockNotifier{}
	webhookNotifier.On("IsConfigured").Return(true)
	webhookNotifier.On("Send", mock.Anything, mock.Anything).Return(nil)

	emailNotifier := &MockNotifier{}
	emailNotifier.On("IsConfigured").Return(true)
	emailNotifier.On("Send", mock.Anything, mock.Anything).Return(nil)

	service := NewService(zerolog.Nop(), webhookNotifier, emailNotifier)
	service.WorkerLost(context.Background(), "listener", 3, "solanagram-listener-3-9-gems", "container vanished")

	webhookNotifier.AssertExpectations(t)
	emailNotifier.AssertExpectations(t)
}

func TestDispatch_SkipsUnconfiguredNotifier(t *testing.T) {
	webhookNotifier := &MockNotifier{}
	webhookNotifier.On("IsConfigured").Return(false) // Not configured

	service := NewService(zerolog.Nop(), webhookNotifier, nil)
	service.SystemAlert(context.Background(), "startup", LevelInfo, "server started", nil)

	webhookNotifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDispatch_DeliveryFailureDoesNotStopFanout(t *testing.T) {
	webhookNotifier := &MockNotifier{}
	webhookNotifier.On("IsConfigured").Return(true)
	webhookNotifier.On("Name").Return("webhook")
	webhookNotifier.On("Send", mock.Anything, mock.Anything).Return(assert.AnError)

	emailNotifier := &MockNotifier{}
	emailNotifier.On("IsConfigured").Return(true)
	emailNotifier.On("Send", mock.Anything, mock.Anything).Return(nil)

	service := NewService(zerolog.Nop(), webhookNotifier, emailNotifier)
	service.ElaborationFailing(context.Background(), 5, 11, "extract-ca", 20)

	// The email notifier still gets the alert after the webhook fails.
	emailNotifier.AssertCalled(t, "Send", mock.Anything, mock.MatchedBy(func(a Alert) bool {
		return a.Event == "elaboration_failing" && a.Data["error_count"] == int64(20)
	}))
}

func TestIsAvailable(t *testing.T) {
	t.Run("available when notifier configured", func(t *testing.T) {
		emailNotifier := &MockNotifier{}
		emailNotifier.On("IsConfigured").Return(true)

		service := NewService(zerolog.Nop(), nil, emailNotifier)
		assert.True(t, service.IsEmailAvailable())

		emailNotifier.AssertExpectations(t)
	})

	t.Run("not available when notifier not configured", func(t *testing.T) {
		webhookNotifier := &MockNotifier{}
		webhookNotifier.On("IsConfigured").Return(false)

		service := NewService(zerolog.Nop(), webhookNotifier, nil)
		assert.False(t, service.IsWebhookAvailable())

		webhookNotifier.AssertExpectations(t)
	})
}
