package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smallbiznis/sfconnect/internal/crypto"
	"github.com/smallbiznis/sfconnect/internal/domain"
	"github.com/smallbiznis/sfconnect/internal/domain/oauth"
)

const uniqueViolation = "23505"

var _ OAuthStateStore = (*PostgresStateStore)(nil)

// PostgresStateStore keeps OAuth states in the oauth_states table.
type PostgresStateStore struct {
	db       DBTX
	newToken TokenGenerator
	now      func() time.Time
}

// NewPostgresStateStore constructs the Postgres-backed state store.
func NewPostgresStateStore(db DBTX) *PostgresStateStore {
	return &PostgresStateStore{
		db: db,
		newToken: func() (string, error) {
			return crypto.RandomToken(crypto.StateBytes)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStateStore) Create(ctx context.Context, userID, encryptedVerifier string, ttl time.Duration) (string, error) {
	state, err := s.newToken()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	createdAt := s.now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO oauth_states (state, user_id, code_verifier, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, state, userID, encryptedVerifier, createdAt, createdAt.Add(ttl))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", oauth.ErrDuplicateState
		}
		return "", &domain.StorageError{Op: "insert oauth state", Err: err}
	}
	return state, nil
}

// Consume deletes and returns the row in one statement, so concurrent callers
// cannot both observe it.
func (s *PostgresStateStore) Consume(ctx context.Context, state string) (*oauth.OAuthState, error) {
	var rec oauth.OAuthState
	err := s.db.QueryRow(ctx, `
		DELETE FROM oauth_states
		WHERE state = $1
		RETURNING state, user_id, code_verifier, created_at, expires_at
	`, state).Scan(&rec.State, &rec.UserID, &rec.CodeVerifier, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth.ErrInvalidState
		}
		return nil, &domain.StorageError{Op: "consume oauth state", Err: err}
	}
	if rec.Expired(s.now()) {
		return nil, oauth.ErrExpiredState
	}
	return &rec, nil
}

func (s *PostgresStateStore) Delete(ctx context.Context, state string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM oauth_states WHERE state = $1`, state); err != nil {
		return &domain.StorageError{Op: "delete oauth state", Err: err}
	}
	return nil
}

// PurgeExpired removes abandoned states and reports how many were deleted.
func (s *PostgresStateStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, &domain.StorageError{Op: "purge oauth states", Err: err}
	}
	return tag.RowsAffected(), nil
}
