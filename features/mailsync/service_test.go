package mailsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/settings"
)

type fakeRepo struct {
	*MockLeaser
	stores map[string]*memStore
}

func newFakeRepo() *fakeRepo {
	leaser := new(MockLeaser)
	leaser.On("AcquireLease", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	leaser.On("ReleaseLease", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return &fakeRepo{MockLeaser: leaser, stores: make(map[string]*memStore)}
}

func (r *fakeRepo) Records(accountID string) mailsync.RecordStore {
	s, ok := r.stores[accountID]
	if !ok {
		s = newMemStore()
		r.stores[accountID] = s
	}
	return s
}

type fakeProviders struct {
	byAccount map[string]mailsync.MailProvider
}

func (p *fakeProviders) Provider(ctx context.Context, accountID string) (mailsync.MailProvider, error) {
	prov, ok := p.byAccount[accountID]
	if !ok {
		return nil, errors.New("account not connected")
	}
	return prov, nil
}

type MockSettings struct {
	mock.Mock
}

func (m *MockSettings) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

var testServiceConfig = mailsync.ServiceConfig{
	BatchSize:    15,
	MaxMessages:  100,
	RetryBackoff: time.Millisecond,
	LeaseTTL:     time.Minute,
}

func TestService_RunCycle(t *testing.T) {
	t.Run("RunsUnderLease", func(t *testing.T) {
		repo := newFakeRepo()
		provider := &fakeProvider{messages: makeMessages(20)}
		svc := mailsync.NewService(repo, &fakeProviders{byAccount: map[string]mailsync.MailProvider{"acct-1": provider}}, &fakeEmbedder{}, testServiceConfig)

		res, err := svc.RunCycle(context.Background(), "acct-1", 0)
		require.NoError(t, err)

		assert.Equal(t, 15, res.ProcessedThisBatch)
		assert.Equal(t, 5, res.Remaining)
		repo.AssertCalled(t, "AcquireLease", mock.Anything, "acct-1", mock.Anything, time.Minute)
		repo.AssertCalled(t, "ReleaseLease", mock.Anything, "acct-1", mock.Anything)
	})

	t.Run("LeaseHeld", func(t *testing.T) {
		leaser := new(MockLeaser)
		leaser.On("AcquireLease", mock.Anything, "acct-1", mock.Anything, mock.Anything).Return(mailsync.ErrLeaseHeld)
		repo := &fakeRepo{MockLeaser: leaser, stores: map[string]*memStore{}}
		provider := &fakeProvider{messages: makeMessages(3)}
		svc := mailsync.NewService(repo, &fakeProviders{byAccount: map[string]mailsync.MailProvider{"acct-1": provider}}, &fakeEmbedder{}, testServiceConfig)

		_, err := svc.RunCycle(context.Background(), "acct-1", 10)
		assert.ErrorIs(t, err, mailsync.ErrLeaseHeld)
		assert.Equal(t, 0, provider.calls)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		repo := newFakeRepo()
		svc := mailsync.NewService(repo, &fakeProviders{}, &fakeEmbedder{}, testServiceConfig)

		_, err := svc.RunCycle(context.Background(), "missing", 10)
		assert.Error(t, err)
		repo.AssertCalled(t, "ReleaseLease", mock.Anything, "missing", mock.Anything)
	})

	t.Run("MaxMessagesFromSettings", func(t *testing.T) {
		repo := newFakeRepo()
		provider := &fakeProvider{messages: makeMessages(20)}
		set := new(MockSettings)
		set.On("Get", mock.Anything).Return(&settings.Settings{SyncMaxMessages: 4}, nil)
		svc := mailsync.NewService(repo, &fakeProviders{byAccount: map[string]mailsync.MailProvider{"acct-1": provider}}, &fakeEmbedder{}, testServiceConfig,
			mailsync.WithSettings(set))

		res, err := svc.RunCycle(context.Background(), "acct-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 4, res.ProcessedThisBatch)
		assert.False(t, res.ShouldContinue)
	})

	t.Run("SettingsErrorFallsBackToConfig", func(t *testing.T) {
		repo := newFakeRepo()
		provider := &fakeProvider{messages: makeMessages(8)}
		set := new(MockSettings)
		set.On("Get", mock.Anything).Return(nil, errors.New("db down"))
		cfg := testServiceConfig
		cfg.MaxMessages = 6
		svc := mailsync.NewService(repo, &fakeProviders{byAccount: map[string]mailsync.MailProvider{"acct-1": provider}}, &fakeEmbedder{}, cfg,
			mailsync.WithSettings(set))

		res, err := svc.RunCycle(context.Background(), "acct-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 6, res.ProcessedThisBatch)
	})

	t.Run("IndexesAndRecordsFailures", func(t *testing.T) {
		repo := newFakeRepo()
		msgs := makeMessages(3)
		msgs[1].Body = "POISON"
		provider := &fakeProvider{messages: msgs}
		index := new(MockToneIndex)
		index.On("Index", mock.Anything, mock.Anything).Return(nil)
		recorder := new(MockFailureRecorder)
		recorder.On("RecordFailures", mock.Anything, "acct-1", mock.Anything).Return(nil)
		recorder.On("ClearFailures", mock.Anything, "acct-1", mock.Anything).Return(nil)

		svc := mailsync.NewService(repo, &fakeProviders{byAccount: map[string]mailsync.MailProvider{"acct-1": provider}},
			&fakeEmbedder{failOn: []string{"POISON"}}, testServiceConfig,
			mailsync.WithIndexSource(indexSource{index}), mailsync.WithFailures(recorder))

		res, err := svc.RunCycle(context.Background(), "acct-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, res.ProcessedThisBatch)
		index.AssertNumberOfCalls(t, "Index", 2)
		recorder.AssertExpectations(t)
	})
}

type indexSource struct {
	idx mailsync.ToneIndex
}

func (s indexSource) ForAccount(accountID string) mailsync.ToneIndex {
	return s.idx
}

func TestService_RunUntilDone(t *testing.T) {
	repo := newFakeRepo()
	provider := &fakeProvider{messages: makeMessages(40)}
	svc := mailsync.NewService(repo, &fakeProviders{byAccount: map[string]mailsync.MailProvider{"acct-1": provider}}, &fakeEmbedder{}, testServiceConfig)

	res, iterations, err := svc.RunUntilDone(context.Background(), "acct-1", mailsync.ResumeOptions{MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, iterations)
	assert.Equal(t, 40, res.TotalProcessed)
	repo.AssertNumberOfCalls(t, "AcquireLease", 3)
}

func TestService_Status(t *testing.T) {
	repo := newFakeRepo()
	store := repo.Records("acct-1").(*memStore)
	store.checkpoint = &mailsync.Checkpoint{Status: mailsync.StatusRunning, Queued: 10, Processed: 4}
	svc := mailsync.NewService(repo, &fakeProviders{}, &fakeEmbedder{}, testServiceConfig)

	snap, err := svc.Status(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 6, snap.PendingEstimate)
	repo.AssertNotCalled(t, "AcquireLease", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
