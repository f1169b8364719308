package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/features/mcp"
	"helpdesk/apps/backend/features/tone"
	"helpdesk/apps/backend/internal/account"
)

type MockExampleFinder struct {
	mock.Mock
}

func (m *MockExampleFinder) FindExamples(ctx context.Context, accountID string, d tone.Draft) ([]tone.Example, error) {
	args := m.Called(ctx, accountID, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]tone.Example), args.Error(1)
}

type MockAccountLister struct {
	mock.Mock
}

func (m *MockAccountLister) List(ctx context.Context) ([]account.Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]account.Account), args.Error(1)
}

type MockStatusReader struct {
	mock.Mock
}

func (m *MockStatusReader) Status(ctx context.Context, accountID string) (mailsync.StatusSnapshot, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(mailsync.StatusSnapshot), args.Error(1)
}

type fixture struct {
	examples *MockExampleFinder
	accounts *MockAccountLister
	status   *MockStatusReader
	handler  *mcp.Handler
}

func newFixture() *fixture {
	f := &fixture{
		examples: new(MockExampleFinder),
		accounts: new(MockAccountLister),
		status:   new(MockStatusReader),
	}
	f.handler = mcp.NewHandler(f.examples, f.accounts, f.status)
	return f
}

func callRequest(t *testing.T, id int, name string, args interface{}) mcp.JSONRPCRequest {
	t.Helper()
	rawArgs, err := json.Marshal(args)
	require.NoError(t, err)
	params, err := json.Marshal(mcp.CallParams{Name: name, Arguments: rawArgs})
	require.NoError(t, err)
	return mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/call", Params: params, ID: id}
}

func toolText(t *testing.T, resp *mcp.JSONRPCResponse) (string, bool) {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result := resp.Result.(mcp.ToolResult)
	require.Len(t, result.Content, 1)
	return result.Content[0].Text, result.IsError
}

func errorCode(t *testing.T, resp *mcp.JSONRPCResponse) int {
	t.Helper()
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	return resp.Error.(map[string]interface{})["code"].(int)
}

func TestProcessRequest_Initialize(t *testing.T) {
	f := newFixture()

	resp := f.handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "initialize", ID: 1})

	require.NotNil(t, resp)
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, 1, resp.ID)

	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	assert.NotNil(t, result["capabilities"])
	assert.NotNil(t, result["serverInfo"])
}

func TestProcessRequest_NotificationsInitialized(t *testing.T) {
	f := newFixture()

	resp := f.handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	assert.Nil(t, resp)
}

func TestProcessRequest_ToolsList(t *testing.T) {
	f := newFixture()

	resp := f.handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/list", ID: 2})
	require.NotNil(t, resp)

	result := resp.Result.(mcp.ListToolsResult)
	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
		assert.NotEmpty(t, tool.Description)
		assert.NotNil(t, tool.InputSchema)
	}
	assert.ElementsMatch(t, []string{mcp.ToolToneExamples, mcp.ToolListAccounts, mcp.ToolSyncStatus}, names)
}

func TestProcessRequest_ToneExamples_Success(t *testing.T) {
	f := newFixture()
	sent := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	f.examples.On("FindExamples", mock.Anything, "acct-1", tone.Draft{Subject: "Refund", Body: "charged twice", Limit: 2}).
		Return([]tone.Example{
			{MessageID: "m-1", Subject: "Re: Refund", Body: "Sorry about that, refunded.", SentAt: sent, Distance: 0.12},
			{MessageID: "m-2", Body: "Happy to help!", Distance: 0.3},
		}, nil)

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 3, mcp.ToolToneExamples, mcp.ToneExamplesArgs{
		AccountID: "acct-1", Subject: "Refund", Body: "charged twice", Limit: 2,
	}))

	text, isErr := toolText(t, resp)
	assert.False(t, isErr)
	assert.Contains(t, text, "Example 1 (Distance: 0.120)")
	assert.Contains(t, text, "Subject: Re: Refund")
	assert.Contains(t, text, "Sent: 2024-05-01T09:30:00Z")
	assert.Contains(t, text, "Happy to help!")
	f.examples.AssertExpectations(t)
}

func TestProcessRequest_ToneExamples_NoResults(t *testing.T) {
	f := newFixture()
	f.examples.On("FindExamples", mock.Anything, "acct-1", mock.Anything).Return([]tone.Example{}, nil)

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 4, mcp.ToolToneExamples, mcp.ToneExamplesArgs{
		AccountID: "acct-1", Body: "hello",
	}))

	text, isErr := toolText(t, resp)
	assert.False(t, isErr)
	assert.Contains(t, text, "No past replies found")
}

func TestProcessRequest_ToneExamples_InvalidArgs(t *testing.T) {
	tests := []struct {
		name string
		args interface{}
	}{
		{"MissingAccount", mcp.ToneExamplesArgs{Body: "hi"}},
		{"NegativeLimit", mcp.ToneExamplesArgs{AccountID: "acct-1", Body: "hi", Limit: -1}},
		{"WrongType", map[string]interface{}{"account_id": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 5, mcp.ToolToneExamples, tt.args))
			assert.Equal(t, mcp.ErrInvalidParams, errorCode(t, resp))
			f.examples.AssertNotCalled(t, "FindExamples", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestProcessRequest_ToneExamples_EmptyDraft(t *testing.T) {
	f := newFixture()
	f.examples.On("FindExamples", mock.Anything, "acct-1", mock.Anything).Return(nil, tone.ErrEmptyDraft)

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 6, mcp.ToolToneExamples, mcp.ToneExamplesArgs{AccountID: "acct-1"}))
	assert.Equal(t, mcp.ErrInvalidParams, errorCode(t, resp))
}

func TestProcessRequest_ToneExamples_ServiceError(t *testing.T) {
	f := newFixture()
	f.examples.On("FindExamples", mock.Anything, "acct-1", mock.Anything).Return(nil, errors.New("weaviate down"))

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 7, mcp.ToolToneExamples, mcp.ToneExamplesArgs{
		AccountID: "acct-1", Body: "hi",
	}))

	text, isErr := toolText(t, resp)
	assert.True(t, isErr)
	assert.Equal(t, "Error: weaviate down", text)
}

func TestProcessRequest_ListAccounts(t *testing.T) {
	f := newFixture()
	f.accounts.On("List", mock.Anything).Return([]account.Account{{ID: "acct-1", Email: "agent@example.com", Provider: "gmail"}}, nil)

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 8, mcp.ToolListAccounts, struct{}{}))

	text, isErr := toolText(t, resp)
	assert.False(t, isErr)
	assert.JSONEq(t, `[{"id":"acct-1","email":"agent@example.com"}]`, text)
}

func TestProcessRequest_ListAccounts_Empty(t *testing.T) {
	f := newFixture()
	f.accounts.On("List", mock.Anything).Return(nil, nil)

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 9, mcp.ToolListAccounts, struct{}{}))

	text, _ := toolText(t, resp)
	assert.Equal(t, "No accounts connected.", text)
}

func TestProcessRequest_ListAccounts_Error(t *testing.T) {
	f := newFixture()
	f.accounts.On("List", mock.Anything).Return(nil, errors.New("db error"))

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 10, mcp.ToolListAccounts, struct{}{}))

	_, isErr := toolText(t, resp)
	assert.True(t, isErr)
}

func TestProcessRequest_SyncStatus(t *testing.T) {
	f := newFixture()
	f.status.On("Status", mock.Anything, "acct-1").Return(mailsync.StatusSnapshot{
		Status:        mailsync.StatusIdle,
		TotalIngested: 40,
		WithEmbedding: 38,
	}, nil)

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 11, mcp.ToolSyncStatus, mcp.SyncStatusArgs{AccountID: "acct-1"}))

	text, isErr := toolText(t, resp)
	assert.False(t, isErr)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	assert.Equal(t, "idle", snap["status"])
	assert.EqualValues(t, 40, snap["total_ingested"])
	assert.EqualValues(t, 38, snap["with_embedding"])
}

func TestProcessRequest_SyncStatus_MissingAccount(t *testing.T) {
	f := newFixture()

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 12, mcp.ToolSyncStatus, struct{}{}))
	assert.Equal(t, mcp.ErrInvalidParams, errorCode(t, resp))
}

func TestProcessRequest_UnknownTool(t *testing.T) {
	f := newFixture()

	resp := f.handler.ProcessRequest(context.Background(), callRequest(t, 13, "search_docs", struct{}{}))
	assert.Equal(t, mcp.ErrMethodNotFound, errorCode(t, resp))
}

func TestProcessRequest_UnknownMethod(t *testing.T) {
	f := newFixture()

	resp := f.handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "resources/list", ID: 14})
	assert.Equal(t, mcp.ErrMethodNotFound, errorCode(t, resp))
}

func TestProcessRequest_InvalidCallParams(t *testing.T) {
	f := newFixture()

	resp := f.handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{
		JSONRPC: "2.0", Method: "tools/call", Params: json.RawMessage(`"nope"`), ID: 15,
	})
	assert.Equal(t, mcp.ErrInvalidParams, errorCode(t, resp))
}
