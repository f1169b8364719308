package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/weaviate/weaviate/entities/models"

	"helpdesk/apps/backend/internal/app"
	"helpdesk/apps/backend/internal/config"
	"helpdesk/apps/backend/internal/vector"
)

// statefulSchemaClient fails ClassExists until failUntil calls have been made.
type statefulSchemaClient struct {
	callCount int
	failUntil int
	created   []string
}

func (m *statefulSchemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	m.callCount++
	if m.callCount <= m.failUntil {
		return false, errors.New("schema error")
	}
	return false, nil
}

func (m *statefulSchemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	m.created = append(m.created, class.Class)
	return nil
}

func (m *statefulSchemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return &models.Class{Class: className}, nil
}

func (m *statefulSchemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return nil
}

func TestEnsureSchemaWithRetry_Success(t *testing.T) {
	client := &statefulSchemaClient{}
	err := app.EnsureSchemaWithRetry(context.Background(), client, 1, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, []string{vector.ClassName}, client.created)
}

func TestEnsureSchemaWithRetry_Retries(t *testing.T) {
	client := &statefulSchemaClient{failUntil: 2}
	err := app.EnsureSchemaWithRetry(context.Background(), client, 5, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, client.callCount)
}

func TestEnsureSchemaWithRetry_Fail(t *testing.T) {
	client := &statefulSchemaClient{failUntil: 100}
	err := app.EnsureSchemaWithRetry(context.Background(), client, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, client.callCount)
}

func TestEnsureSchemaWithRetry_ContextCancelled(t *testing.T) {
	client := &statefulSchemaClient{failUntil: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := app.EnsureSchemaWithRetry(ctx, client, 5, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, client.callCount)
}

func TestBootstrap_ConfigurationError(t *testing.T) {
	cfg := &config.Config{
		DBHost: "invalid-host",
	}
	deps, err := app.Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, deps)
}
