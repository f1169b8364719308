// Package weaviate mirrors sent-message vectors into Weaviate and serves
// nearest-neighbour lookups for tone matching.
package weaviate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/features/tone"
	"helpdesk/apps/backend/internal/vector"
)

// objectNamespace seeds the deterministic object ids.
var objectNamespace = uuid.MustParse("6f1c1a52-3c1e-4f4e-9d55-0a8f3d2b7c10")

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

// ObjectID is the Weaviate id of a message. Re-indexing the same message
// overwrites the same object.
func ObjectID(accountID, messageID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(objectNamespace, []byte(accountID+"/"+messageID)).String())
}

// ForAccount scopes the store to one account for the batch processor.
func (s *Store) ForAccount(accountID string) mailsync.ToneIndex {
	return &accountIndex{store: s, accountID: accountID}
}

type accountIndex struct {
	store     *Store
	accountID string
}

func (a *accountIndex) Index(ctx context.Context, rec mailsync.Record) error {
	return a.store.Upsert(ctx, a.accountID, rec)
}

// Upsert writes rec through the batch endpoint, which replaces an object
// with the same id.
func (s *Store) Upsert(ctx context.Context, accountID string, rec mailsync.Record) error {
	obj := &models.Object{
		Class: vector.ClassName,
		ID:    ObjectID(accountID, rec.ID),
		Properties: map[string]interface{}{
			"accountId":      accountID,
			"messageId":      rec.ID,
			"conversationId": rec.ConversationID,
			"subject":        rec.Subject,
			"body":           rec.Body,
			"sentAt":         rec.Date.UTC().Format(time.RFC3339),
		},
		Vector: models.C11yVector(rec.Embedding),
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return fmt.Errorf("index message %s: %w", rec.ID, err)
	}
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		msgs := make([]string, 0, len(r.Result.Errors.Error))
		for _, e := range r.Result.Errors.Error {
			msgs = append(msgs, e.Message)
		}
		if len(msgs) > 0 {
			return fmt.Errorf("index message %s: %s", rec.ID, strings.Join(msgs, "; "))
		}
	}
	return nil
}

// DeleteAccount removes every object of an account.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(accountFilter(accountID)).
		Do(ctx)
	return err
}

func (s *Store) Search(ctx context.Context, accountID string, vec []float32, limit int) ([]tone.Example, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "messageId"},
		{Name: "conversationId"},
		{Name: "subject"},
		{Name: "body"},
		{Name: "sentAt"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithWhere(accountFilter(accountID)).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if err := graphqlError(res); err != nil {
		return nil, err
	}

	return parseExamples(res.Data), nil
}

// CountMessages returns the number of indexed messages across all accounts.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if err := graphqlError(res); err != nil {
		return 0, err
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	groups, ok := agg[vector.ClassName].([]interface{})
	if !ok || len(groups) == 0 {
		return 0, nil
	}
	group, _ := groups[0].(map[string]interface{})
	meta, _ := group["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func graphqlError(res *models.GraphQLResponse) error {
	if len(res.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		msgs = append(msgs, e.Message)
	}
	return fmt.Errorf("graphql error: %s", strings.Join(msgs, "; "))
}

func accountFilter(accountID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"accountId"}).
		WithOperator(filters.Equal).
		WithValueText(accountID)
}

func parseExamples(data map[string]models.JSONObject) []tone.Example {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[vector.ClassName].([]interface{})
	if !ok {
		return nil
	}

	examples := make([]tone.Example, 0, len(objects))
	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		var ex tone.Example
		ex.MessageID, _ = props["messageId"].(string)
		ex.ConversationID, _ = props["conversationId"].(string)
		ex.Subject, _ = props["subject"].(string)
		ex.Body, _ = props["body"].(string)
		if sent, ok := props["sentAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339, sent); err == nil {
				ex.SentAt = t.UTC()
			}
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := additional["distance"].(float64); ok {
				ex.Distance = float32(d)
			}
		}
		examples = append(examples, ex)
	}
	return examples
}
