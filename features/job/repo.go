package job

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context, accountID string) ([]Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	DeleteResolved(ctx context.Context, accountID, handler string, messageIDs []string) (int64, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Save records a failure. A repeated failure of the same message bumps the
// retry counter of the existing entry instead of adding a new one.
func (r *PostgresRepo) Save(ctx context.Context, job *Job) error {
	query := `INSERT INTO failed_jobs (account_id, message_id, handler, payload, error) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, message_id, handler) DO UPDATE SET error = EXCLUDED.error, payload = EXCLUDED.payload, retries = failed_jobs.retries + 1
		RETURNING id, created_at, retries`
	return r.db.QueryRowContext(ctx, query, job.AccountID, job.MessageID, job.Handler, []byte(job.Payload), job.Error).Scan(&job.ID, &job.CreatedAt, &job.Retries)
}

const selectJobs = `SELECT id, account_id, message_id, handler, payload, error, retries, created_at FROM failed_jobs`

// List returns ledger entries newest first. An empty accountID lists every account.
func (r *PostgresRepo) List(ctx context.Context, accountID string) ([]Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if accountID == "" {
		rows, err = r.db.QueryContext(ctx, selectJobs+` ORDER BY created_at DESC`)
	} else {
		rows, err = r.db.QueryContext(ctx, selectJobs+` WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var payload []byte
		if err := rows.Scan(&j.ID, &j.AccountID, &j.MessageID, &j.Handler, &payload, &j.Error, &j.Retries, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Payload = json.RawMessage(payload)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	var payload []byte
	err := r.db.QueryRowContext(ctx, selectJobs+` WHERE id = $1`, id).Scan(&j.ID, &j.AccountID, &j.MessageID, &j.Handler, &payload, &j.Error, &j.Retries, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM failed_jobs WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM failed_jobs`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// DeleteResolved removes the entries of messages that have since been
// processed.
func (r *PostgresRepo) DeleteResolved(ctx context.Context, accountID, handler string, messageIDs []string) (int64, error) {
	query := `DELETE FROM failed_jobs WHERE account_id = $1 AND handler = $2 AND message_id = ANY($3)`
	res, err := r.db.ExecContext(ctx, query, accountID, handler, pq.Array(messageIDs))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
