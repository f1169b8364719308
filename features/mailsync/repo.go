package mailsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// ForAccount returns the account-scoped RecordStore.
func (r *PostgresRepo) ForAccount(accountID string) *AccountStore {
	return &AccountStore{db: r.db, accountID: accountID}
}

func (r *PostgresRepo) AcquireLease(ctx context.Context, accountID, owner string, ttl time.Duration) error {
	query := `INSERT INTO sync_leases (account_id, owner, expires_at) VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (account_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE sync_leases.expires_at < NOW() OR sync_leases.owner = EXCLUDED.owner
		RETURNING owner`
	var got string
	err := r.db.QueryRowContext(ctx, query, accountID, owner, ttl.Seconds()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseHeld
	}
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ReleaseLease(ctx context.Context, accountID, owner string) error {
	query := `DELETE FROM sync_leases WHERE account_id = $1 AND owner = $2`
	_, err := r.db.ExecContext(ctx, query, accountID, owner)
	return err
}

type AccountStore struct {
	db        *sql.DB
	accountID string
}

func (s *AccountStore) ListIngestedIDs(ctx context.Context) (map[string]struct{}, error) {
	query := `SELECT message_id FROM sent_messages WHERE account_id = $1`
	rows, err := s.db.QueryContext(ctx, query, s.accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *AccountStore) UpsertMessage(ctx context.Context, rec Record) error {
	query := `INSERT INTO sent_messages (account_id, message_id, conversation_id, subject, sender, recipients, sent_at, body, labels, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, message_id) DO UPDATE SET
			conversation_id = EXCLUDED.conversation_id,
			subject = EXCLUDED.subject,
			sender = EXCLUDED.sender,
			recipients = EXCLUDED.recipients,
			sent_at = EXCLUDED.sent_at,
			body = EXCLUDED.body,
			labels = EXCLUDED.labels,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`

	var embedding interface{}
	if len(rec.Embedding) > 0 {
		embedding = pgvector.NewVector(rec.Embedding)
	}

	_, err := s.db.ExecContext(ctx, query,
		s.accountID, rec.ID, rec.ConversationID, rec.Subject, rec.From,
		pq.Array(rec.To), rec.Date, rec.Body, pq.Array(rec.Labels), embedding)
	return err
}

// LoadCheckpoint returns an idle, zero checkpoint for accounts that never
// synced.
func (s *AccountStore) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	query := `SELECT status, queued, processed, errors, started_at, finished_at FROM sync_checkpoints WHERE account_id = $1`
	var (
		cp                Checkpoint
		status            string
		started, finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, s.accountID).Scan(&status, &cp.Queued, &cp.Processed, &cp.Errors, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{Status: StatusIdle}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Status = Status(status)
	if started.Valid {
		cp.StartedAt = &started.Time
	}
	if finished.Valid {
		cp.FinishedAt = &finished.Time
	}
	return cp, nil
}

func (s *AccountStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	query := `INSERT INTO sync_checkpoints (account_id, status, queued, processed, errors, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			status = EXCLUDED.status,
			queued = EXCLUDED.queued,
			processed = EXCLUDED.processed,
			errors = EXCLUDED.errors,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, s.accountID, string(cp.Status), cp.Queued, cp.Processed, cp.Errors,
		nullTime(cp.StartedAt), nullTime(cp.FinishedAt))
	return err
}

func (s *AccountStore) AggregateCounts(ctx context.Context) (Counts, error) {
	query := `SELECT COUNT(*), COUNT(embedding), MAX(sent_at) FROM sent_messages WHERE account_id = $1`
	var (
		c      Counts
		latest sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, query, s.accountID).Scan(&c.Total, &c.WithEmbedding, &latest); err != nil {
		return Counts{}, err
	}
	if latest.Valid {
		c.LatestDate = &latest.Time
	}
	return c, nil
}

func (r *PostgresRepo) Totals(ctx context.Context) (Totals, error) {
	query := `SELECT
		(SELECT COUNT(*) FROM sent_messages),
		(SELECT COUNT(*) FROM sent_messages WHERE embedding IS NULL),
		(SELECT COUNT(*) FROM sync_checkpoints WHERE status = 'running'),
		(SELECT MAX(updated_at) FROM sync_checkpoints)`
	var (
		t    Totals
		last sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query).Scan(&t.StoredMessages, &t.MissingEmbeddings, &t.RunningSyncs, &last); err != nil {
		return Totals{}, err
	}
	if last.Valid {
		t.LastCheckpointAt = &last.Time
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Records satisfies Repository for the service.
func (r *PostgresRepo) Records(accountID string) RecordStore {
	return r.ForAccount(accountID)
}
