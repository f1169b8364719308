package mailsync_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"helpdesk/apps/backend/features/mailsync"
)

// memStore is an in-memory RecordStore for one account.
type memStore struct {
	mu         sync.Mutex
	records    map[string]mailsync.Record
	checkpoint *mailsync.Checkpoint
	saves      []mailsync.Checkpoint

	// upsertErrs are returned, in order, by successive UpsertMessage calls
	// for the message id.
	upsertErrs map[string][]error
	upserts    map[string]int
	loadErr    error
}

func newMemStore() *memStore {
	return &memStore{
		records:    make(map[string]mailsync.Record),
		upsertErrs: make(map[string][]error),
		upserts:    make(map[string]int),
	}
}

func (s *memStore) ListIngestedIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.records))
	for id := range s.records {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (s *memStore) UpsertMessage(ctx context.Context, rec mailsync.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts[rec.ID]++
	if errs := s.upsertErrs[rec.ID]; len(errs) > 0 {
		err := errs[0]
		s.upsertErrs[rec.ID] = errs[1:]
		if err != nil {
			return err
		}
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) LoadCheckpoint(ctx context.Context) (mailsync.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return mailsync.Checkpoint{}, s.loadErr
	}
	if s.checkpoint == nil {
		return mailsync.Checkpoint{Status: mailsync.StatusIdle}, nil
	}
	return *s.checkpoint, nil
}

func (s *memStore) SaveCheckpoint(ctx context.Context, cp mailsync.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = &cp
	s.saves = append(s.saves, cp)
	return nil
}

func (s *memStore) AggregateCounts(ctx context.Context) (mailsync.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c mailsync.Counts
	for _, r := range s.records {
		c.Total++
		if len(r.Embedding) > 0 {
			c.WithEmbedding++
		}
		if c.LatestDate == nil || r.Date.After(*c.LatestDate) {
			d := r.Date
			c.LatestDate = &d
		}
	}
	return c, nil
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

func (s *memStore) current() mailsync.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return mailsync.Checkpoint{Status: mailsync.StatusIdle}
	}
	return *s.checkpoint
}

type fakeProvider struct {
	messages []mailsync.Message
	err      error
	calls    int
}

func (p *fakeProvider) FetchSentMessages(ctx context.Context, limit int) ([]mailsync.Message, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if limit < len(p.messages) {
		return p.messages[:limit], nil
	}
	return p.messages, nil
}

// fakeEmbedder fails for any text containing one of failOn.
type fakeEmbedder struct {
	mu     sync.Mutex
	policy mailsync.EmbedPolicy
	failOn []string
	calls  int
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	for _, f := range e.failOn {
		if strings.Contains(text, f) {
			return nil, errors.New("embedding provider rejected request")
		}
	}
	return []float32{0.1, 0.2, float32(len(text))}, nil
}

func (e *fakeEmbedder) Policy() mailsync.EmbedPolicy {
	return e.policy
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type MockFailureRecorder struct {
	mock.Mock
}

func (m *MockFailureRecorder) RecordFailures(ctx context.Context, accountID string, failures []mailsync.Failure) error {
	args := m.Called(ctx, accountID, failures)
	return args.Error(0)
}

func (m *MockFailureRecorder) ClearFailures(ctx context.Context, accountID string, messageIDs []string) error {
	args := m.Called(ctx, accountID, messageIDs)
	return args.Error(0)
}

type MockToneIndex struct {
	mock.Mock
}

func (m *MockToneIndex) Index(ctx context.Context, rec mailsync.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

type MockLeaser struct {
	mock.Mock
}

func (m *MockLeaser) AcquireLease(ctx context.Context, accountID, owner string, ttl time.Duration) error {
	args := m.Called(ctx, accountID, owner, ttl)
	return args.Error(0)
}

func (m *MockLeaser) ReleaseLease(ctx context.Context, accountID, owner string) error {
	args := m.Called(ctx, accountID, owner)
	return args.Error(0)
}

func makeMessages(n int) []mailsync.Message {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs := make([]mailsync.Message, n)
	for i := range msgs {
		msgs[i] = mailsync.Message{
			ID:             fmt.Sprintf("msg-%03d", i),
			ConversationID: fmt.Sprintf("thread-%03d", i/3),
			Subject:        fmt.Sprintf("Re: ticket %d", i),
			From:           "agent@example.com",
			To:             []string{"customer@example.com"},
			Date:           base.Add(time.Duration(i) * time.Hour),
			Body:           fmt.Sprintf("Thanks for reaching out about case %d.", i),
			Labels:         []string{"SENT"},
		}
	}
	return msgs
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator(p mailsync.MailProvider, s *memStore, e *fakeEmbedder, batchSize int, opts ...mailsync.CoordinatorOption) *mailsync.Coordinator {
	batch := mailsync.NewBatchProcessor(e, s, mailsync.DefaultRetryPolicy(time.Millisecond))
	opts = append([]mailsync.CoordinatorOption{mailsync.WithClock(func() time.Time { return fixedNow })}, opts...)
	return mailsync.NewCoordinator("acct-1", p, s, batch, batchSize, opts...)
}
