package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/sfconnect/internal/domain"
)

var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)

// PostgresConnectionRepo implements ConnectionRepository on salesforce_connections.
type PostgresConnectionRepo struct {
	db   DBTX
	node *snowflake.Node
	now  func() time.Time
}

func NewPostgresConnectionRepo(db DBTX, node *snowflake.Node) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{
		db:   db,
		node: node,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// UpsertConnection inserts the connection or, when the user already linked the
// org, replaces its tokens and reactivates it. The existing id is kept.
func (r *PostgresConnectionRepo) UpsertConnection(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	now := r.now()
	if conn.Status == "" {
		conn.Status = domain.ConnectionActive
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO salesforce_connections (
			id, user_id, sf_org_id, sf_user_id, instance_url,
			encrypted_access_token, encrypted_refresh_token, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (user_id, sf_org_id) DO UPDATE SET
			sf_user_id = EXCLUDED.sf_user_id,
			instance_url = EXCLUDED.instance_url,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`, r.node.Generate().Int64(), conn.UserID, conn.SFOrgID, conn.SFUserID, conn.InstanceURL,
		conn.EncryptedAccessToken, conn.EncryptedRefreshToken, string(conn.Status), now,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return domain.Connection{}, &domain.StorageError{Op: "upsert connection", Err: err}
	}
	return conn, nil
}

// ListConnections returns the user's connections without token columns.
func (r *PostgresConnectionRepo) ListConnections(ctx context.Context, userID string) ([]domain.Connection, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, sf_org_id, sf_user_id, instance_url, status, created_at, updated_at
		FROM salesforce_connections
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, &domain.StorageError{Op: "list connections", Err: err}
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		var (
			conn   domain.Connection
			status string
		)
		if err := rows.Scan(&conn.ID, &conn.UserID, &conn.SFOrgID, &conn.SFUserID, &conn.InstanceURL, &status, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, &domain.StorageError{Op: "scan connection", Err: err}
		}
		conn.Status = domain.ConnectionStatus(status)
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "list connections", Err: err}
	}
	return out, nil
}

func (r *PostgresConnectionRepo) GetConnection(ctx context.Context, userID string, id int64) (domain.Connection, error) {
	var (
		conn   domain.Connection
		status string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, sf_org_id, sf_user_id, instance_url,
			encrypted_access_token, encrypted_refresh_token, status, created_at, updated_at
		FROM salesforce_connections
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&conn.ID, &conn.UserID, &conn.SFOrgID, &conn.SFUserID, &conn.InstanceURL,
		&conn.EncryptedAccessToken, &conn.EncryptedRefreshToken, &status, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Connection{}, domain.ErrConnectionNotFound
		}
		return domain.Connection{}, &domain.StorageError{Op: "get connection", Err: err}
	}
	conn.Status = domain.ConnectionStatus(status)
	return conn, nil
}

func (r *PostgresConnectionRepo) UpdateTokens(ctx context.Context, id int64, encryptedAccess, encryptedRefresh string, status domain.ConnectionStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE salesforce_connections
		SET encrypted_access_token = $2, encrypted_refresh_token = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, id, encryptedAccess, encryptedRefresh, string(status), r.now())
	if err != nil {
		return &domain.StorageError{Op: "update connection tokens", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

func (r *PostgresConnectionRepo) UpdateStatus(ctx context.Context, userID string, id int64, status domain.ConnectionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update connection status %q: %w", status, domain.ErrValidation)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE salesforce_connections SET status = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2
	`, id, userID, string(status), r.now())
	if err != nil {
		return &domain.StorageError{Op: "update connection status", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}
