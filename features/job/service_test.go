package job

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"helpdesk/apps/backend/internal/config"
)

// MockPublisher for Service Test
type MockPublisher struct {
	sleep     time.Duration
	LastTopic string
	LastBody  []byte
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	m.LastTopic = topic
	m.LastBody = body
	time.Sleep(m.sleep)
	return nil
}

// MockRepo for Service Test
type MockRepoService struct {
	Repository
	payload []byte
	deleted []string
}

func (m *MockRepoService) Get(ctx context.Context, id string) (*Job, error) {
	payload := m.payload
	if payload == nil {
		payload = []byte(`{"account_id":"acct-1"}`)
	}
	return &Job{ID: id, Payload: payload}, nil
}

func (m *MockRepoService) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *MockRepoService) Count(ctx context.Context) (int, error) { return 10, nil }
func (m *MockRepoService) List(ctx context.Context, accountID string) ([]Job, error) {
	return []Job{{ID: "1"}, {ID: "2"}}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestRetry_PublishesSyncTrigger(t *testing.T) {
	repo := &MockRepoService{payload: []byte(`{"account_id":"acct-7","max_messages":50}`)}
	pub := &MockPublisher{}
	service := NewService(repo, pub, testLogger())

	err := service.Retry(context.Background(), "1")
	assert.NoError(t, err)
	assert.Equal(t, config.TopicSyncTrigger, pub.LastTopic)
	assert.JSONEq(t, `{"account_id":"acct-7","max_messages":50}`, string(pub.LastBody))
	assert.Equal(t, []string{"1"}, repo.deleted)
}

func TestRetry_ContextCancellation(t *testing.T) {
	repo := &MockRepoService{}
	pub := &MockPublisher{sleep: 200 * time.Millisecond}
	service := NewService(repo, pub, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := service.Retry(ctx, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, repo.deleted)
}

func TestRetry_InvalidPayload(t *testing.T) {
	for _, payload := range []string{`{invalid-json}`, `{"max_messages":5}`} {
		repo := &MockRepoService{payload: []byte(payload)}
		pub := &MockPublisher{}
		service := NewService(repo, pub, testLogger())

		err := service.Retry(context.Background(), "1")
		assert.True(t, errors.Is(err, ErrInvalidPayload), payload)
		assert.Empty(t, pub.LastTopic)
	}
}

func TestService_Count(t *testing.T) {
	service := NewService(&MockRepoService{}, nil, testLogger())

	count, err := service.Count(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if count != 10 {
		t.Errorf("Expected count 10, got %d", count)
	}
}

func TestService_List(t *testing.T) {
	service := NewService(&MockRepoService{}, nil, testLogger())

	jobs, err := service.List(context.Background(), "")
	assert.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, "1", jobs[0].ID)
}

type recordingDispatcher struct {
	accountID   string
	maxMessages int
}

func (d *recordingDispatcher) Start(ctx context.Context, accountID string, maxMessages int) {
	d.accountID = accountID
	d.maxMessages = maxMessages
}

func TestRetry_DispatchesInProcessWithoutWorker(t *testing.T) {
	repo := &MockRepoService{payload: []byte(`{"account_id":"acct-3","max_messages":20}`)}
	pub := &MockPublisher{}
	dispatcher := &recordingDispatcher{}
	service := NewService(repo, pub, testLogger(), WithDispatcher(dispatcher))

	err := service.Retry(context.Background(), "1")
	assert.NoError(t, err)
	assert.Equal(t, "acct-3", dispatcher.accountID)
	assert.Equal(t, 20, dispatcher.maxMessages)
	assert.Empty(t, pub.LastTopic)
	assert.Equal(t, []string{"1"}, repo.deleted)
}
