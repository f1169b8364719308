package job

import (
	"encoding/json"
	"time"
)

// Job is a failed-ledger entry: a message or sync trigger that could not be
// processed, with the trigger payload needed to try again.
type Job struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	MessageID string          `json:"message_id"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}
