// Package account stores connected mail accounts and their OAuth tokens.
package account

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

var ErrNotFound = errors.New("account not found")

type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Save creates the account or replaces its email and token.
func (r *PostgresRepo) Save(ctx context.Context, a *Account, tok *oauth2.Token) error {
	query := `INSERT INTO mail_accounts (id, email, provider, access_token, refresh_token, token_type, token_expiry) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token, token_type = EXCLUDED.token_type, token_expiry = EXCLUDED.token_expiry, updated_at = NOW()
		RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, a.ID, a.Email, a.Provider,
		tok.AccessToken, tok.RefreshToken, tok.TokenType, expiry(tok)).Scan(&a.CreatedAt)
}

func (r *PostgresRepo) List(ctx context.Context) ([]Account, error) {
	query := `SELECT id, email, provider, created_at FROM mail_accounts ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Email, &a.Provider, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *PostgresRepo) ListIDs(ctx context.Context) ([]string, error) {
	accounts, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids, nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mail_accounts`).Scan(&count)
	return count, err
}

func (r *PostgresRepo) GetToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	query := `SELECT access_token, refresh_token, token_type, token_expiry FROM mail_accounts WHERE id = $1`
	tok := &oauth2.Token{}
	var exp sql.NullTime
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if exp.Valid {
		tok.Expiry = exp.Time
	}
	return tok, nil
}

// SaveToken persists a refreshed token. An empty refresh token keeps the
// stored one, since providers only return it on first consent.
func (r *PostgresRepo) SaveToken(ctx context.Context, accountID string, tok *oauth2.Token) error {
	query := `UPDATE mail_accounts SET access_token = $1, refresh_token = COALESCE(NULLIF($2, ''), refresh_token), token_type = $3, token_expiry = $4, updated_at = NOW() WHERE id = $5`
	res, err := r.db.ExecContext(ctx, query, tok.AccessToken, tok.RefreshToken, tok.TokenType, expiry(tok), accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the account. Its messages, checkpoint, lease and ledger
// entries go with it through ON DELETE CASCADE.
func (r *PostgresRepo) Delete(ctx context.Context, accountID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM mail_accounts WHERE id = $1`, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func expiry(tok *oauth2.Token) sql.NullTime {
	if tok.Expiry.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: tok.Expiry, Valid: true}
}
