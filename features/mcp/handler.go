// Package mcp exposes tone lookup and sync status to agents over the Model
// Context Protocol (JSON-RPC 2.0, plain POST or SSE sessions).
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/features/tone"
	"helpdesk/apps/backend/internal/account"
	"helpdesk/apps/backend/internal/middleware"
)

const (
	ToolToneExamples = "helpdesk_tone_examples"
	ToolListAccounts = "helpdesk_list_accounts"
	ToolSyncStatus   = "helpdesk_sync_status"
)

type ExampleFinder interface {
	FindExamples(ctx context.Context, accountID string, d tone.Draft) ([]tone.Example, error)
}

type AccountLister interface {
	List(ctx context.Context) ([]account.Account, error)
}

type StatusReader interface {
	Status(ctx context.Context, accountID string) (mailsync.StatusSnapshot, error)
}

type Handler struct {
	examples     ExampleFinder
	accounts     AccountLister
	status       StatusReader
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC responses
	sessionsLock sync.RWMutex
}

func NewHandler(e ExampleFinder, a AccountLister, s StatusReader) *Handler {
	return &Handler{
		examples: e,
		accounts: a,
		status:   s,
		sessions: make(map[string]chan string),
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToneExamplesArgs struct {
	AccountID string `json:"account_id"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Limit     int    `json:"limit,omitempty"`
}

type SyncStatusArgs struct {
	AccountID string `json:"account_id"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

var tools = []Tool{
	{
		Name: ToolToneExamples,
		Description: `Tone matching tool. Returns the agent's own past sent replies that are closest to a draft, so a new reply can follow the same voice.

ARGUMENT GUIDE:
- account_id: the connected mailbox whose history to search.
- subject / body: the draft. At least one must be non-empty.
- limit: number of examples (default from settings, max 50).

USAGE EXAMPLE:
helpdesk_tone_examples(account_id="acct-1", subject="Refund request", body="Hi, I was charged twice...")`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"account_id": map[string]string{
					"type":        "string",
					"description": "The mail account ID",
				},
				"subject": map[string]string{
					"type":        "string",
					"description": "Draft subject",
				},
				"body": map[string]string{
					"type":        "string",
					"description": "Draft body",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Max examples to return.",
					"minimum":     1,
					"maximum":     tone.MaxTopK,
				},
			},
			"required": []string{"account_id"},
		},
	},
	{
		Name: ToolListAccounts,
		Description: `Discovery tool. Lists the connected mail accounts. Use it first to find the account_id for the other tools.

USAGE EXAMPLE:
helpdesk_list_accounts()`,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	},
	{
		Name: ToolSyncStatus,
		Description: `Reports how much of an account's sent mail has been ingested and embedded. Few ingested messages mean tone examples will be sparse.

USAGE EXAMPLE:
helpdesk_sync_status(account_id="acct-1")`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"account_id": map[string]string{
					"type":        "string",
					"description": "The mail account ID",
				},
			},
			"required": []string{"account_id"},
		},
	},
}

// ProcessRequest handles one JSON-RPC request. It returns nil for
// notifications, which get no response.
func (h *Handler) ProcessRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "helpdesk-mcp",
					"version": "1.0.0",
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "tools/list":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: tools}}
	case "tools/call":
		return h.callTool(ctx, req)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	resp := makeErrorResponse(req.ID, ErrMethodNotFound, "Method not found")
	return &resp
}

func (h *Handler) callTool(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		slog.WarnContext(ctx, "invalid params structure", "error", err)
		resp := makeErrorResponse(req.ID, ErrInvalidParams, "Invalid params")
		return &resp
	}

	switch params.Name {
	case ToolToneExamples:
		return h.toneExamples(ctx, req.ID, params.Arguments)
	case ToolListAccounts:
		return h.listAccounts(ctx, req.ID)
	case ToolSyncStatus:
		return h.syncStatus(ctx, req.ID, params.Arguments)
	}

	slog.WarnContext(ctx, "method not found", "method", params.Name)
	resp := makeErrorResponse(req.ID, ErrMethodNotFound, "Method not found: "+params.Name)
	return &resp
}

func (h *Handler) toneExamples(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args ToneExamplesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		slog.WarnContext(ctx, "invalid tone_examples arguments", "error", err)
		resp := makeErrorResponse(id, ErrInvalidParams, "Invalid arguments")
		return &resp
	}
	if args.AccountID == "" {
		resp := makeErrorResponse(id, ErrInvalidParams, "account_id is required")
		return &resp
	}
	if args.Limit < 0 {
		resp := makeErrorResponse(id, ErrInvalidParams, "limit must not be negative")
		return &resp
	}

	ctx = middleware.WithAccountID(ctx, args.AccountID)
	examples, err := h.examples.FindExamples(ctx, args.AccountID, tone.Draft{
		Subject: args.Subject,
		Body:    args.Body,
		Limit:   args.Limit,
	})
	if errors.Is(err, tone.ErrEmptyDraft) {
		resp := makeErrorResponse(id, ErrInvalidParams, "subject or body is required")
		return &resp
	}
	if err != nil {
		slog.ErrorContext(ctx, "tone_examples failed", "error", err)
		return toolError(id, err)
	}

	var b strings.Builder
	if len(examples) == 0 {
		b.WriteString("No past replies found for this account. Run a sync first.")
	}
	for i, ex := range examples {
		fmt.Fprintf(&b, "Example %d (Distance: %.3f):\n", i+1, ex.Distance)
		if ex.Subject != "" {
			fmt.Fprintf(&b, "Subject: %s\n", ex.Subject)
		}
		if !ex.SentAt.IsZero() {
			fmt.Fprintf(&b, "Sent: %s\n", ex.SentAt.Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "Body:\n%s\n\n---\n", ex.Body)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolToneExamples, "result_count", len(examples))
	return toolText(id, b.String())
}

func (h *Handler) listAccounts(ctx context.Context, id interface{}) *JSONRPCResponse {
	accounts, err := h.accounts.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "list_accounts failed", "error", err)
		return toolError(id, err)
	}
	if len(accounts) == 0 {
		return toolText(id, "No accounts connected.")
	}

	type simpleAccount struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	simple := make([]simpleAccount, len(accounts))
	for i, a := range accounts {
		simple[i] = simpleAccount{ID: a.ID, Email: a.Email}
	}
	return toolJSON(ctx, id, simple)
}

func (h *Handler) syncStatus(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args SyncStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.AccountID == "" {
		resp := makeErrorResponse(id, ErrInvalidParams, "account_id is required")
		return &resp
	}

	ctx = middleware.WithAccountID(ctx, args.AccountID)
	snap, err := h.status.Status(ctx, args.AccountID)
	if err != nil {
		slog.ErrorContext(ctx, "sync_status failed", "error", err)
		return toolError(id, err)
	}
	return toolJSON(ctx, id, snap)
}

func toolText(id interface{}, text string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  ToolResult{Content: []ToolContent{{Type: "text", Text: text}}},
	}
}

func toolError(id interface{}, err error) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: ToolResult{
			Content: []ToolContent{{Type: "text", Text: "Error: " + err.Error()}},
			IsError: true,
		},
	}
}

func toolJSON(ctx context.Context, id interface{}, v interface{}) *JSONRPCResponse {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal tool result", "error", err)
		return toolError(id, err)
	}
	return toolText(id, string(b))
}

func makeErrorResponse(id interface{}, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}
}

// ServeHTTP is the single-shot POST transport.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, nil, ErrParse, "Parse error")
		return
	}

	resp := h.ProcessRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// HandleSSE opens an SSE session. Responses to messages posted for the
// session are streamed back on it.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		close(msgChan)
		h.sessionsLock.Unlock()
		slog.InfoContext(r.Context(), "sse session ended", "session_id", sessionID)
	}()

	slog.InfoContext(r.Context(), "sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)

	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	fmt.Fprintf(w, "event: id\ndata: %s\n\n", html.EscapeString(sessionID))
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC request for an SSE session and answers
// 202 at once; the response goes out on the session stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		slog.WarnContext(r.Context(), "missing sessionId in message request")
		h.writeHTTPError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}

	h.sessionsLock.RLock()
	_, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()
	if !exists {
		slog.WarnContext(r.Context(), "session not found", "session_id", sessionID)
		h.writeHTTPError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.WarnContext(r.Context(), "invalid json in message request", "error", err)
		h.writeHTTPError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// Keep context values but not the request's cancellation.
	ctx := context.WithoutCancel(r.Context())
	go h.respond(ctx, sessionID, req)
}

func (h *Handler) respond(ctx context.Context, sessionID string, req JSONRPCRequest) {
	resp := h.ProcessRequest(ctx, req)
	if resp == nil {
		return
	}

	b, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		return
	}

	// The read lock keeps the session channel open while sending.
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()

	msgChan, ok := h.sessions[sessionID]
	if !ok {
		slog.WarnContext(ctx, "session closed before response", "session_id", sessionID)
		return
	}
	select {
	case msgChan <- string(b):
	default:
		slog.WarnContext(ctx, "session channel full, dropping message", "session_id", sessionID)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	// JSON-RPC errors travel in a 200 response.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := makeErrorResponse(id, code, message)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

func (h *Handler) writeHTTPError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"status": "error",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
