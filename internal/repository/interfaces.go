package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smallbiznis/sfconnect/internal/domain"
	"github.com/smallbiznis/sfconnect/internal/domain/oauth"
)

// DBTX is the subset of pgx shared by pools, connections and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OAuthStateStore persists one-time authorization state records.
type OAuthStateStore interface {
	// Create stores a new state bound to userID and returns the generated token.
	Create(ctx context.Context, userID, encryptedVerifier string, ttl time.Duration) (string, error)
	// Consume atomically claims the state. At most one caller ever succeeds.
	Consume(ctx context.Context, state string) (*oauth.OAuthState, error)
	// Delete removes the state if it still exists.
	Delete(ctx context.Context, state string) error
}

// ConnectionRepository persists Salesforce connections.
type ConnectionRepository interface {
	UpsertConnection(ctx context.Context, conn domain.Connection) (domain.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]domain.Connection, error)
	GetConnection(ctx context.Context, userID string, id int64) (domain.Connection, error)
	UpdateTokens(ctx context.Context, id int64, encryptedAccess, encryptedRefresh string, status domain.ConnectionStatus) error
	UpdateStatus(ctx context.Context, userID string, id int64, status domain.ConnectionStatus) error
}

// TokenGenerator produces state tokens.
type TokenGenerator func() (string, error)
