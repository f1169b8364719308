package job_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"helpdesk/apps/backend/features/job"
	"helpdesk/apps/backend/internal/config"
)

// MockRepo implements job.Repository
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Save(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}
func (m *MockRepo) List(ctx context.Context, accountID string) ([]job.Job, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Job), args.Error(1)
}
func (m *MockRepo) Get(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}
func (m *MockRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *MockRepo) DeleteResolved(ctx context.Context, accountID, handler string, messageIDs []string) (int64, error) {
	args := m.Called(ctx, accountID, handler, messageIDs)
	return args.Get(0).(int64), args.Error(1)
}

// MockPublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

func TestHandler_List(t *testing.T) {
	mockRepo := new(MockRepo)
	svc := job.NewService(mockRepo, nil, slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("List", mock.Anything, "acct-1").Return([]job.Job{{ID: "1", AccountID: "acct-1", MessageID: "m-1"}}, nil)

	req := httptest.NewRequest("GET", "/jobs/failed?account_id=acct-1", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)
	require.Equal(t, http.StatusOK, w.Result().StatusCode)

	var body struct {
		Data []job.Job      `json:"data"`
		Meta map[string]int `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.Meta["count"])
	assert.Equal(t, "m-1", body.Data[0].MessageID)
}

func TestHandler_List_EmptyList(t *testing.T) {
	mockRepo := new(MockRepo)
	svc := job.NewService(mockRepo, nil, slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("List", mock.Anything, "").Return(nil, nil)

	req := httptest.NewRequest("GET", "/jobs/failed", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestHandler_List_ServiceError(t *testing.T) {
	mockRepo := new(MockRepo)
	svc := job.NewService(mockRepo, nil, slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("List", mock.Anything, "").Return(nil, errors.New("database error"))

	req := httptest.NewRequest("GET", "/jobs/failed", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	mockRepo.AssertExpectations(t)
}

func TestHandler_Retry_NotFound(t *testing.T) {
	mockRepo := new(MockRepo)
	mockPub := new(MockPublisher)
	svc := job.NewService(mockRepo, mockPub, slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("Get", mock.Anything, "99").Return(nil, sql.ErrNoRows)

	req := httptest.NewRequest("POST", "/jobs/99/retry", nil)
	req.SetPathValue("id", "99")
	w := httptest.NewRecorder()

	handler.Retry(w, req)
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestHandler_Retry(t *testing.T) {
	mockRepo := new(MockRepo)
	mockPub := new(MockPublisher)
	svc := job.NewService(mockRepo, mockPub, slog.Default())
	handler := job.NewHandler(svc)

	jobID := "job-123"
	j := &job.Job{
		ID:        jobID,
		AccountID: "acct-1",
		Payload:   []byte(`{"account_id": "acct-1"}`),
	}

	mockRepo.On("Get", mock.Anything, jobID).Return(j, nil)
	mockPub.On("Publish", config.TopicSyncTrigger, []byte(j.Payload)).Return(nil)
	mockRepo.On("Delete", mock.Anything, jobID).Return(nil)

	req := httptest.NewRequest("POST", "/jobs/"+jobID+"/retry", nil)
	req.SetPathValue("id", jobID)
	w := httptest.NewRecorder()

	handler.Retry(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	mockRepo.AssertExpectations(t)
	mockPub.AssertExpectations(t)
}

func TestHandler_Retry_InvalidPayload(t *testing.T) {
	mockRepo := new(MockRepo)
	mockPub := new(MockPublisher)
	svc := job.NewService(mockRepo, mockPub, slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("Get", mock.Anything, "bad").Return(&job.Job{ID: "bad", Payload: []byte(`{invalid-json}`)}, nil)

	req := httptest.NewRequest("POST", "/jobs/bad/retry", nil)
	req.SetPathValue("id", "bad")
	w := httptest.NewRecorder()

	handler.Retry(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Result().StatusCode)
	mockPub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	mockRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestHandler_Retry_PublishError(t *testing.T) {
	mockRepo := new(MockRepo)
	mockPub := new(MockPublisher)
	svc := job.NewService(mockRepo, mockPub, slog.Default())
	handler := job.NewHandler(svc)

	jobID := "publish-fail-job"
	mockRepo.On("Get", mock.Anything, jobID).Return(&job.Job{ID: jobID, Payload: []byte(`{"account_id":"acct-1"}`)}, nil)
	mockPub.On("Publish", config.TopicSyncTrigger, mock.Anything).Return(errors.New("nsq error"))

	req := httptest.NewRequest("POST", "/jobs/"+jobID+"/retry", nil)
	req.SetPathValue("id", jobID)
	w := httptest.NewRecorder()

	handler.Retry(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	mockRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	mockPub.AssertExpectations(t)
}
