package connect

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	oauthadapter "github.com/smallbiznis/sfconnect/internal/adapter/oauth"
	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/crypto"
	"github.com/smallbiznis/sfconnect/internal/domain"
	domainoauth "github.com/smallbiznis/sfconnect/internal/domain/oauth"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestService_Initiate(t *testing.T) {
	h := newConnectTestHarness(t)

	out, err := h.service.Initiate(context.Background(), "user-1")
	require.NoError(t, err)

	u, err := url.Parse(out.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	state := q.Get("state")
	require.Len(t, state, 64)
	require.Equal(t, "S256", q.Get("code_challenge_method"))

	rec := h.states.peek(state)
	require.NotNil(t, rec)
	require.Equal(t, "user-1", rec.UserID)
	require.Equal(t, 10*time.Minute, rec.ExpiresAt.Sub(rec.CreatedAt))
	require.NotContains(t, rec.CodeVerifier, "code_verifier")

	// the stored verifier opens to the one the challenge was derived from
	verifier, err := h.service.openVerifier(rec.CodeVerifier)
	require.NoError(t, err)
	require.Len(t, verifier, 128)
	require.Equal(t, crypto.CodeChallenge(verifier), q.Get("code_challenge"))
}

func TestService_InitiateMissingConfig(t *testing.T) {
	h := newConnectTestHarness(t, func(cfg *config.Config) {
		cfg.SalesforceClientID = ""
		cfg.TokenEncryptionKey = ""
	})

	_, err := h.service.Initiate(context.Background(), "user-1")
	require.ErrorIs(t, err, domain.ErrConfiguration)
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, []string{"SFDC_CLIENT_ID", "TOKEN_ENCRYPTION_KEY"}, cfgErr.Missing)
	require.Zero(t, h.states.size())
}

func TestService_InitiateStorageFailure(t *testing.T) {
	h := newConnectTestHarness(t)
	h.states.createErr = errors.New("connection refused")

	_, err := h.service.Initiate(context.Background(), "user-1")
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestService_CallbackHappyPath(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	state := h.initiate(t, "user-1")

	conn, err := h.service.Callback(ctx, CallbackInput{Code: "auth-code", State: state})
	require.NoError(t, err)
	require.Equal(t, "user-1", conn.UserID)
	require.Equal(t, "00Dxx0000001gPL", conn.SFOrgID)
	require.Equal(t, "005xx000001X8Uz", conn.SFUserID)
	require.Equal(t, "https://na1.salesforce.com", conn.InstanceURL)
	require.Equal(t, domain.ConnectionActive, conn.Status)

	require.Equal(t, "auth-code", h.provider.lastCode)
	require.True(t, crypto.ValidCodeVerifier(h.provider.lastVerifier))

	stored := h.connections.only(t)
	require.NotContains(t, stored.EncryptedAccessToken, "00D!access")
	require.NotContains(t, stored.EncryptedRefreshToken, "5Aep!refresh")
	access, err := h.envelope.DecryptString(stored.EncryptedAccessToken)
	require.NoError(t, err)
	require.Equal(t, "00D!access", access)
	refresh, err := h.envelope.DecryptString(stored.EncryptedRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "5Aep!refresh", refresh)

	require.Nil(t, h.states.peek(state))
}

func TestService_CallbackReplay(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	state := h.initiate(t, "user-1")

	_, err := h.service.Callback(ctx, CallbackInput{Code: "auth-code", State: state})
	require.NoError(t, err)

	_, err = h.service.Callback(ctx, CallbackInput{Code: "auth-code", State: state})
	requireReason(t, err, ReasonInvalidState)
	require.Equal(t, 1, h.provider.exchanges())
	require.Len(t, h.connections.all(), 1)
}

func TestService_CallbackConcurrentSameState(t *testing.T) {
	h := newConnectTestHarness(t)
	state := h.initiate(t, "user-1")

	var (
		wg        sync.WaitGroup
		successes int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.service.Callback(context.Background(), CallbackInput{Code: "auth-code", State: state}); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), successes)
	require.Len(t, h.connections.all(), 1)
}

func TestService_CallbackExpiredState(t *testing.T) {
	h := newConnectTestHarness(t)
	state := h.initiate(t, "user-1")
	h.states.advance(11 * time.Minute)

	_, err := h.service.Callback(context.Background(), CallbackInput{Code: "auth-code", State: state})
	requireReason(t, err, ReasonExpiredState)
	require.Zero(t, h.provider.exchanges())
	require.Empty(t, h.connections.all())
}

func TestService_CallbackUnknownState(t *testing.T) {
	h := newConnectTestHarness(t)
	_, err := h.service.Callback(context.Background(), CallbackInput{Code: "auth-code", State: strings.Repeat("a", 64)})
	requireReason(t, err, ReasonInvalidState)
}

func TestService_CallbackMissingParams(t *testing.T) {
	h := newConnectTestHarness(t)
	for _, in := range []CallbackInput{{Code: "c"}, {State: "s"}, {}} {
		_, err := h.service.Callback(context.Background(), in)
		requireReason(t, err, ReasonInvalidRequest)
	}
}

func TestService_CallbackMissingFrontendURL(t *testing.T) {
	h := newConnectTestHarness(t, func(cfg *config.Config) { cfg.FrontendURL = "" })
	_, err := h.service.Callback(context.Background(), CallbackInput{Code: "c", State: "s"})
	requireReason(t, err, ReasonConfiguration)
}

func TestService_CallbackTokenExchangeFailure(t *testing.T) {
	h := newConnectTestHarness(t)
	state := h.initiate(t, "user-1")
	h.provider.exchangeErr = &oauthadapter.ProviderError{Op: "exchange code", Status: 400, Code: "invalid_grant"}

	_, err := h.service.Callback(context.Background(), CallbackInput{Code: "bad", State: state})
	requireReason(t, err, ReasonTokenExchange)
	require.ErrorIs(t, err, domainoauth.ErrTokenExchange)
	require.Empty(t, h.connections.all())
	// the state is spent even though the exchange failed
	require.Nil(t, h.states.peek(state))
}

func TestService_CallbackMalformedIdentity(t *testing.T) {
	h := newConnectTestHarness(t)
	state := h.initiate(t, "user-1")
	h.provider.token.IdentityURL = "https://login.salesforce.com/id"

	_, err := h.service.Callback(context.Background(), CallbackInput{Code: "c", State: state})
	requireReason(t, err, ReasonIdentity)
	require.Empty(t, h.connections.all())
}

func TestService_CallbackTamperedVerifier(t *testing.T) {
	h := newConnectTestHarness(t)
	state := h.initiate(t, "user-1")
	h.states.mutate(state, func(rec *domainoauth.OAuthState) {
		rec.CodeVerifier = "AAAA" + rec.CodeVerifier[4:]
	})

	_, err := h.service.Callback(context.Background(), CallbackInput{Code: "c", State: state})
	requireReason(t, err, ReasonDecryption)
	require.Zero(t, h.provider.exchanges())
}

func TestService_CallbackStorageFailure(t *testing.T) {
	h := newConnectTestHarness(t)
	state := h.initiate(t, "user-1")
	h.connections.upsertErr = &domain.StorageError{Op: "upsert connection", Err: errors.New("db down")}

	_, err := h.service.Callback(context.Background(), CallbackInput{Code: "c", State: state})
	requireReason(t, err, ReasonStorage)
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestService_CallbackCleanupFailureIsIgnored(t *testing.T) {
	h := newConnectTestHarness(t)
	state := h.initiate(t, "user-1")
	h.states.deleteErr = errors.New("delete failed")

	conn, err := h.service.Callback(context.Background(), CallbackInput{Code: "c", State: state})
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestService_CallbackReconnectSameOrg(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()

	first, err := h.service.Callback(ctx, CallbackInput{Code: "c1", State: h.initiate(t, "user-1")})
	require.NoError(t, err)
	require.NoError(t, h.service.Disconnect(ctx, "user-1", first.ID))

	h.provider.token.AccessToken = "00D!second"
	second, err := h.service.Callback(ctx, CallbackInput{Code: "c2", State: h.initiate(t, "user-1")})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, domain.ConnectionActive, h.connections.only(t).Status)
}

func TestService_ListConnectionsOmitsTokens(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	_, err := h.service.Callback(ctx, CallbackInput{Code: "c", State: h.initiate(t, "user-1")})
	require.NoError(t, err)

	conns, err := h.service.ListConnections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Empty(t, conns[0].EncryptedAccessToken)
	require.Empty(t, conns[0].EncryptedRefreshToken)

	others, err := h.service.ListConnections(ctx, "user-2")
	require.NoError(t, err)
	require.Empty(t, others)
}

func TestService_RefreshSuccess(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	conn, err := h.service.Callback(ctx, CallbackInput{Code: "c", State: h.initiate(t, "user-1")})
	require.NoError(t, err)

	h.provider.refreshed = &domainoauth.TokenResponse{AccessToken: "00D!refreshed", RefreshToken: "5Aep!refresh"}
	out, err := h.service.Refresh(ctx, "user-1", conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionActive, out.Status)
	require.Empty(t, out.EncryptedAccessToken)

	access, err := h.envelope.DecryptString(h.connections.only(t).EncryptedAccessToken)
	require.NoError(t, err)
	require.Equal(t, "00D!refreshed", access)
	require.Equal(t, "5Aep!refresh", h.provider.lastRefresh)
}

func TestService_RefreshRejectedMarksNeedsReauth(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	conn, err := h.service.Callback(ctx, CallbackInput{Code: "c", State: h.initiate(t, "user-1")})
	require.NoError(t, err)

	h.provider.refreshErr = &oauthadapter.ProviderError{Op: "refresh token", Status: 400, Code: "invalid_grant"}
	_, err = h.service.Refresh(ctx, "user-1", conn.ID)
	require.ErrorIs(t, err, domain.ErrReauthRequired)
	require.Equal(t, domain.ConnectionNeedsReauth, h.connections.only(t).Status)
}

func TestService_RefreshTransientFailureKeepsStatus(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	conn, err := h.service.Callback(ctx, CallbackInput{Code: "c", State: h.initiate(t, "user-1")})
	require.NoError(t, err)

	h.provider.refreshErr = &oauthadapter.ProviderError{Op: "refresh token", Status: 503}
	_, err = h.service.Refresh(ctx, "user-1", conn.ID)
	require.ErrorIs(t, err, domainoauth.ErrTokenExchange)
	require.NotErrorIs(t, err, domain.ErrReauthRequired)
	require.Equal(t, domain.ConnectionActive, h.connections.only(t).Status)
}

func TestService_RefreshInactive(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	conn, err := h.service.Callback(ctx, CallbackInput{Code: "c", State: h.initiate(t, "user-1")})
	require.NoError(t, err)
	require.NoError(t, h.service.Disconnect(ctx, "user-1", conn.ID))

	_, err = h.service.Refresh(ctx, "user-1", conn.ID)
	require.ErrorIs(t, err, domain.ErrConnectionInactive)
}

func TestService_DisconnectOtherUser(t *testing.T) {
	h := newConnectTestHarness(t)
	ctx := context.Background()
	conn, err := h.service.Callback(ctx, CallbackInput{Code: "c", State: h.initiate(t, "user-1")})
	require.NoError(t, err)

	err = h.service.Disconnect(ctx, "user-2", conn.ID)
	require.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func requireReason(t *testing.T, err error, reason FailureReason) {
	t.Helper()
	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	require.Equal(t, reason, cbErr.Reason)
}
