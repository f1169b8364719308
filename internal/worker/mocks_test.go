package worker_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"helpdesk/apps/backend/features/job"
	"helpdesk/apps/backend/features/mailsync"
)

type MockCycleRunner struct{ mock.Mock }

func (m *MockCycleRunner) RunCycle(ctx context.Context, accountID string, maxMessages int) (mailsync.CycleResult, error) {
	args := m.Called(ctx, accountID, maxMessages)
	return args.Get(0).(mailsync.CycleResult), args.Error(1)
}

type MockDeferredPublisher struct{ mock.Mock }

func (m *MockDeferredPublisher) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	args := m.Called(topic, delay, body)
	return args.Error(0)
}

type MockJobSaver struct{ mock.Mock }

func (m *MockJobSaver) Save(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}
