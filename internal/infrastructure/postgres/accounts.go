package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxcare/rxcare/internal/auth"
)

// AccountStore implements auth.AccountStore and auth.Revocations
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a store
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

func (s *AccountStore) CreateAccount(ctx context.Context, a *auth.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, name, role, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Email, a.Name, string(a.Role), a.PasswordHash, a.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return auth.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *AccountStore) AccountByEmail(ctx context.Context, role auth.Role, email string) (*auth.Account, error) {
	a := &auth.Account{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, name, role, password_hash, created_at
		FROM accounts WHERE lower(email) = lower($1) AND role = $2`, email, string(role)).
		Scan(&a.ID, &a.Email, &a.Name, &a.Role, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// Revoke records a logged-out session and prunes expired ones
func (s *AccountStore) Revoke(ctx context.Context, sessionID string, expiresAt time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM revoked_sessions WHERE expires_at < NOW()`); err != nil {
			return fmt.Errorf("prune revoked sessions: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO revoked_sessions (token_id, expires_at) VALUES ($1, $2)
			ON CONFLICT (token_id) DO NOTHING`, sessionID, expiresAt); err != nil {
			return fmt.Errorf("revoke session: %w", err)
		}
		return nil
	})
}

func (s *AccountStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_sessions WHERE token_id = $1)`, sessionID).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked session: %w", err)
	}
	return revoked, nil
}

var (
	_ auth.AccountStore = (*AccountStore)(nil)
	_ auth.Revocations  = (*AccountStore)(nil)
)
