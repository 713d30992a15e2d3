package connect

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/sfconnect/internal/adapter/oauth"
	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/crypto"
	"github.com/smallbiznis/sfconnect/internal/domain"
	domainoauth "github.com/smallbiznis/sfconnect/internal/domain/oauth"
)

type connectTestHarness struct {
	service     *Service
	states      *memoryStateStore
	connections *memoryConnectionRepo
	provider    *fakeProviderClient
	envelope    *crypto.Envelope
}

func testConfig() config.Config {
	return config.Config{
		FrontendURL:            "https://app.example.com",
		SalesforceClientID:     "client-id",
		SalesforceClientSecret: "client-secret",
		SalesforceRedirectURI:  "https://api.example.com/sfdc-auth-callback",
		SalesforceLoginURL:     "https://login.salesforce.com",
		SalesforceScopes:       []string{"api", "id", "openid", "refresh_token"},
		OAuthStateTTL:          10 * time.Minute,
		TokenEncryptionKey:     testKey,
		AuthJWTSecret:          "jwt-secret",
	}
}

func newConnectTestHarness(t *testing.T, mutators ...func(*config.Config)) *connectTestHarness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutators {
		m(&cfg)
	}
	envelope := crypto.NewEnvelope(crypto.NewKeyProvider(crypto.StaticSecret(cfg.TokenEncryptionKey)))
	states := newMemoryStateStore()
	connections := newMemoryConnectionRepo()
	provider := &fakeProviderClient{
		delegate: oauthadapter.NewSalesforceClient(cfg, nil, zap.NewNop()),
		token: domainoauth.TokenResponse{
			AccessToken:  "00D!access",
			RefreshToken: "5Aep!refresh",
			InstanceURL:  "https://na1.salesforce.com",
			IdentityURL:  "https://login.salesforce.com/id/00Dxx0000001gPL/005xx000001X8Uz",
			TokenType:    "Bearer",
		},
	}
	svc := NewService(cfg, states, connections, provider, envelope, nil, zap.NewNop())
	return &connectTestHarness{
		service:     svc,
		states:      states,
		connections: connections,
		provider:    provider,
		envelope:    envelope,
	}
}

// initiate runs the initiate flow and returns the generated state token.
func (h *connectTestHarness) initiate(t *testing.T, userID string) string {
	t.Helper()
	out, err := h.service.Initiate(context.Background(), userID)
	require.NoError(t, err)
	u, err := url.Parse(out.AuthorizationURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

// ---- fakes ----

type memoryStateStore struct {
	mu        sync.Mutex
	data      map[string]domainoauth.OAuthState
	clock     time.Time
	createErr error
	deleteErr error
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{
		data:  map[string]domainoauth.OAuthState{},
		clock: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memoryStateStore) Create(_ context.Context, userID, encryptedVerifier string, ttl time.Duration) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	state, err := crypto.RandomToken(crypto.StateBytes)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[state]; exists {
		return "", domainoauth.ErrDuplicateState
	}
	m.data[state] = domainoauth.OAuthState{
		State:        state,
		UserID:       userID,
		CodeVerifier: encryptedVerifier,
		CreatedAt:    m.clock,
		ExpiresAt:    m.clock.Add(ttl),
	}
	return state, nil
}

func (m *memoryStateStore) Consume(_ context.Context, state string) (*domainoauth.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[state]
	if !ok {
		return nil, domainoauth.ErrInvalidState
	}
	delete(m.data, state)
	if rec.Expired(m.clock) {
		return nil, domainoauth.ErrExpiredState
	}
	return &rec, nil
}

func (m *memoryStateStore) Delete(_ context.Context, state string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, state)
	return nil
}

func (m *memoryStateStore) peek(state string) *domainoauth.OAuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[state]; ok {
		return &rec
	}
	return nil
}

func (m *memoryStateStore) mutate(state string, fn func(*domainoauth.OAuthState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.data[state]
	fn(&rec)
	m.data[state] = rec
}

func (m *memoryStateStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *memoryStateStore) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(d)
}

type memoryConnectionRepo struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[int64]domain.Connection
	upsertErr error
}

func newMemoryConnectionRepo() *memoryConnectionRepo {
	return &memoryConnectionRepo{nextID: 1000, rows: map[int64]domain.Connection{}}
}

func (r *memoryConnectionRepo) UpsertConnection(_ context.Context, conn domain.Connection) (domain.Connection, error) {
	if r.upsertErr != nil {
		return domain.Connection{}, r.upsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for id, existing := range r.rows {
		if existing.UserID == conn.UserID && existing.SFOrgID == conn.SFOrgID {
			conn.ID = id
			conn.CreatedAt = existing.CreatedAt
			conn.UpdatedAt = now
			r.rows[id] = conn
			return conn, nil
		}
	}
	r.nextID++
	conn.ID = r.nextID
	conn.CreatedAt = now
	conn.UpdatedAt = now
	r.rows[conn.ID] = conn
	return conn, nil
}

func (r *memoryConnectionRepo) ListConnections(_ context.Context, userID string) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Connection
	for _, conn := range r.rows {
		if conn.UserID == userID {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *memoryConnectionRepo) GetConnection(_ context.Context, userID string, id int64) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.rows[id]
	if !ok || conn.UserID != userID {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *memoryConnectionRepo) UpdateTokens(_ context.Context, id int64, encryptedAccess, encryptedRefresh string, status domain.ConnectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.rows[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	conn.EncryptedAccessToken = encryptedAccess
	conn.EncryptedRefreshToken = encryptedRefresh
	conn.Status = status
	r.rows[id] = conn
	return nil
}

func (r *memoryConnectionRepo) UpdateStatus(_ context.Context, userID string, id int64, status domain.ConnectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.rows[id]
	if !ok || conn.UserID != userID {
		return domain.ErrConnectionNotFound
	}
	conn.Status = status
	r.rows[id] = conn
	return nil
}

func (r *memoryConnectionRepo) all() []domain.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Connection, 0, len(r.rows))
	for _, conn := range r.rows {
		out = append(out, conn)
	}
	return out
}

func (r *memoryConnectionRepo) only(t *testing.T) domain.Connection {
	t.Helper()
	rows := r.all()
	require.Len(t, rows, 1)
	return rows[0]
}

// fakeProviderClient builds real authorize URLs but never calls Salesforce.
type fakeProviderClient struct {
	delegate *oauthadapter.SalesforceClient

	mu           sync.Mutex
	token        domainoauth.TokenResponse
	exchangeErr  error
	refreshed    *domainoauth.TokenResponse
	refreshErr   error
	calls        int
	lastCode     string
	lastVerifier string
	lastRefresh  string
}

func (f *fakeProviderClient) AuthCodeURL(state, codeChallenge string) string {
	return f.delegate.AuthCodeURL(state, codeChallenge)
}

func (f *fakeProviderClient) ExchangeCode(_ context.Context, code, codeVerifier string) (*domainoauth.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCode = code
	f.lastVerifier = codeVerifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	tok := f.token
	return &tok, nil
}

func (f *fakeProviderClient) RefreshToken(_ context.Context, refreshToken string) (*domainoauth.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefresh = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshed != nil {
		tok := *f.refreshed
		return &tok, nil
	}
	tok := f.token
	return &tok, nil
}

func (f *fakeProviderClient) exchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
