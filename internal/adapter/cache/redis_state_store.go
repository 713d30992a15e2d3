package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/sfconnect/internal/crypto"
	"github.com/smallbiznis/sfconnect/internal/domain"
	"github.com/smallbiznis/sfconnect/internal/domain/oauth"
	"github.com/smallbiznis/sfconnect/internal/repository"
)

const (
	statePrefix = "sfconnect:oauth:state:"
	// expiredGrace keeps a record around after ExpiresAt so a late callback is
	// told the state expired rather than that it never existed.
	expiredGrace = 10 * time.Minute
)

// RedisStateStore implements OAuthStateStore backed by Redis.
type RedisStateStore struct {
	client   redis.UniversalClient
	newToken repository.TokenGenerator
	now      func() time.Time
}

var _ repository.OAuthStateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		newToken: func() (string, error) {
			return crypto.RandomToken(crypto.StateBytes)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the record with SET NX so an existing state is never overwritten.
func (s *RedisStateStore) Create(ctx context.Context, userID, encryptedVerifier string, ttl time.Duration) (string, error) {
	state, err := s.newToken()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	createdAt := s.now()
	payload, err := json.Marshal(oauth.OAuthState{
		State:        state,
		UserID:       userID,
		CodeVerifier: encryptedVerifier,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, buildStateKey(state), payload, ttl+expiredGrace).Result()
	if err != nil {
		return "", &domain.StorageError{Op: "persist oauth state", Err: err}
	}
	if !ok {
		return "", oauth.ErrDuplicateState
	}
	return state, nil
}

// Consume reads and deletes the key in a single GETDEL.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*oauth.OAuthState, error) {
	bytes, err := s.client.GetDel(ctx, buildStateKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, oauth.ErrInvalidState
		}
		return nil, &domain.StorageError{Op: "consume oauth state", Err: err}
	}
	var rec oauth.OAuthState
	if err := json.Unmarshal(bytes, &rec); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, oauth.ErrExpiredState
	}
	return &rec, nil
}

// Delete removes the persisted state key.
func (s *RedisStateStore) Delete(ctx context.Context, state string) error {
	if err := s.client.Del(ctx, buildStateKey(state)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return &domain.StorageError{Op: "delete oauth state", Err: err}
	}
	return nil
}

func buildStateKey(state string) string {
	return statePrefix + strings.TrimSpace(state)
}
