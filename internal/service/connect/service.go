package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/sfconnect/internal/adapter/oauth"
	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/crypto"
	"github.com/smallbiznis/sfconnect/internal/domain"
	domainoauth "github.com/smallbiznis/sfconnect/internal/domain/oauth"
	"github.com/smallbiznis/sfconnect/internal/repository"
	"github.com/smallbiznis/sfconnect/internal/telemetry"
)

// ConnectService defines the Salesforce connection flows exposed over HTTP.
type ConnectService interface {
	Initiate(ctx context.Context, userID string) (*InitiateOutput, error)
	Callback(ctx context.Context, in CallbackInput) (*domain.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]domain.Connection, error)
	Disconnect(ctx context.Context, userID string, connectionID int64) error
	Refresh(ctx context.Context, userID string, connectionID int64) (*domain.Connection, error)
}

// InitiateOutput carries the URL the browser must be sent to.
type InitiateOutput struct {
	AuthorizationURL string
}

// CallbackInput captures the callback query parameters.
type CallbackInput struct {
	Code  string
	State string
}

type verifierPayload struct {
	CodeVerifier string `json:"code_verifier"`
}

// Service implements ConnectService.
type Service struct {
	cfg         config.Config
	states      repository.OAuthStateStore
	connections repository.ConnectionRepository
	provider    oauthadapter.ProviderClient
	envelope    *crypto.Envelope
	tracer      trace.Tracer
	logger      *zap.Logger
}

var _ ConnectService = (*Service)(nil)

// NewService wires the connect service.
func NewService(
	cfg config.Config,
	states repository.OAuthStateStore,
	connections repository.ConnectionRepository,
	provider oauthadapter.ProviderClient,
	envelope *crypto.Envelope,
	tp *telemetry.Provider,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:         cfg,
		states:      states,
		connections: connections,
		provider:    provider,
		envelope:    envelope,
		tracer:      tp.Tracer(),
		logger:      logger,
	}
}

// Initiate prepares a PKCE authorization request bound to userID.
func (s *Service) Initiate(ctx context.Context, userID string) (*InitiateOutput, error) {
	ctx, span := s.tracer.Start(ctx, "connect.Initiate")
	defer span.End()

	if missing := s.cfg.MissingInitiateSettings(); len(missing) > 0 {
		return nil, s.fail(span, &domain.ConfigurationError{Missing: missing})
	}
	if strings.TrimSpace(userID) == "" {
		return nil, s.fail(span, fmt.Errorf("initiate: %w", domain.ErrAuthentication))
	}

	verifier, err := crypto.NewCodeVerifier()
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("generate pkce verifier: %w", err))
	}
	payload, err := json.Marshal(verifierPayload{CodeVerifier: verifier})
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("marshal verifier: %w", err))
	}
	sealed, err := s.envelope.Encrypt(payload)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("encrypt verifier: %w", err))
	}

	state, err := s.states.Create(ctx, userID, sealed, s.cfg.OAuthStateTTL)
	if err != nil {
		s.log().Error("failed to store oauth state", zap.String("user_id", userID), zap.Error(err))
		var storageErr *domain.StorageError
		if !errors.As(err, &storageErr) {
			err = &domain.StorageError{Op: "create oauth state", Err: err}
		}
		return nil, s.fail(span, err)
	}

	s.log().Info("salesforce authorization initiated",
		zap.String("user_id", userID),
		zap.String("state_prefix", statePrefix(state)),
	)
	return &InitiateOutput{
		AuthorizationURL: s.provider.AuthCodeURL(state, crypto.CodeChallenge(verifier)),
	}, nil
}

// Callback completes the authorization. Every failure is a *CallbackError.
func (s *Service) Callback(ctx context.Context, in CallbackInput) (*domain.Connection, error) {
	ctx, span := s.tracer.Start(ctx, "connect.Callback")
	defer span.End()

	conn, err := s.callback(ctx, in)
	if err != nil {
		var cbErr *CallbackError
		if errors.As(err, &cbErr) {
			span.SetAttributes(attribute.String("callback.reason", string(cbErr.Reason)))
			s.log().Warn("salesforce callback failed",
				zap.String("reason", string(cbErr.Reason)),
				zap.String("step", cbErr.Step),
				zap.String("state_prefix", statePrefix(in.State)),
				zap.Error(cbErr.Err),
			)
		}
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String("sf.org_id", conn.SFOrgID))
	return conn, nil
}

func (s *Service) callback(ctx context.Context, in CallbackInput) (*domain.Connection, error) {
	if missing := s.cfg.MissingCallbackSettings(); len(missing) > 0 {
		return nil, newCallbackError(ReasonConfiguration, "config", &domain.ConfigurationError{Missing: missing})
	}
	code := strings.TrimSpace(in.Code)
	stateToken := strings.TrimSpace(in.State)
	if code == "" || stateToken == "" {
		return nil, newCallbackError(ReasonInvalidRequest, "params", domainoauth.ErrInvalidRequest)
	}

	state, err := s.states.Consume(ctx, stateToken)
	if err != nil {
		return nil, stateFailure(err)
	}
	// the consume above already removed the row; this only covers backends
	// that leave it behind
	defer s.deleteOAuthState(ctx, stateToken)

	verifier, err := s.openVerifier(state.CodeVerifier)
	if err != nil {
		return nil, err
	}

	tok, err := s.provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, newCallbackError(ReasonTokenExchange, "exchange", err)
	}

	ident, err := oauthadapter.ParseIdentityURL(tok.IdentityURL)
	if err != nil {
		return nil, newCallbackError(ReasonIdentity, "identity", err)
	}

	encAccess, err := s.envelope.EncryptString(tok.AccessToken)
	if err != nil {
		return nil, newCallbackError(ReasonEncryption, "encrypt access token", err)
	}
	encRefresh := ""
	if tok.RefreshToken != "" {
		encRefresh, err = s.envelope.EncryptString(tok.RefreshToken)
		if err != nil {
			return nil, newCallbackError(ReasonEncryption, "encrypt refresh token", err)
		}
	}

	conn, err := s.connections.UpsertConnection(ctx, domain.Connection{
		UserID:                state.UserID,
		SFOrgID:               ident.OrgID,
		SFUserID:              ident.UserID,
		InstanceURL:           tok.InstanceURL,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		Status:                domain.ConnectionActive,
	})
	if err != nil {
		return nil, newCallbackError(ReasonStorage, "persist connection", err)
	}

	s.log().Info("salesforce org connected",
		zap.String("user_id", conn.UserID),
		zap.String("sf_org_id", conn.SFOrgID),
		zap.Int64("connection_id", conn.ID),
	)
	return &conn, nil
}

func stateFailure(err error) error {
	switch {
	case errors.Is(err, domainoauth.ErrExpiredState):
		return newCallbackError(ReasonExpiredState, "consume state", err)
	case errors.Is(err, domainoauth.ErrInvalidState):
		return newCallbackError(ReasonInvalidState, "consume state", err)
	default:
		return newCallbackError(ReasonStorage, "consume state", err)
	}
}

func (s *Service) openVerifier(sealed string) (string, error) {
	plaintext, err := s.envelope.Decrypt(sealed)
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return "", newCallbackError(ReasonConfiguration, "decrypt verifier", err)
		}
		return "", newCallbackError(ReasonDecryption, "decrypt verifier", err)
	}
	var payload verifierPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil || !crypto.ValidCodeVerifier(payload.CodeVerifier) {
		return "", newCallbackError(ReasonDecryption, "decode verifier", &domain.DecryptionError{Reason: "malformed verifier payload", Err: err})
	}
	return payload.CodeVerifier, nil
}

// ListConnections returns the user's connections. Token fields are never populated.
func (s *Service) ListConnections(ctx context.Context, userID string) ([]domain.Connection, error) {
	ctx, span := s.tracer.Start(ctx, "connect.ListConnections")
	defer span.End()

	conns, err := s.connections.ListConnections(ctx, userID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("list connections: %w", err))
	}
	for i := range conns {
		conns[i].EncryptedAccessToken = ""
		conns[i].EncryptedRefreshToken = ""
	}
	return conns, nil
}

// Disconnect marks the connection inactive. Tokens are kept so a later
// re-authorization of the same org reuses the row.
func (s *Service) Disconnect(ctx context.Context, userID string, connectionID int64) error {
	ctx, span := s.tracer.Start(ctx, "connect.Disconnect")
	defer span.End()

	if err := s.connections.UpdateStatus(ctx, userID, connectionID, domain.ConnectionInactive); err != nil {
		return s.fail(span, fmt.Errorf("disconnect: %w", err))
	}
	s.log().Info("salesforce connection disconnected", zap.String("user_id", userID), zap.Int64("connection_id", connectionID))
	return nil
}

// Refresh exchanges the stored refresh token for a new access token. When
// Salesforce refuses the grant the connection moves to needs_reauth.
func (s *Service) Refresh(ctx context.Context, userID string, connectionID int64) (*domain.Connection, error) {
	ctx, span := s.tracer.Start(ctx, "connect.Refresh")
	defer span.End()

	conn, err := s.connections.GetConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("load connection: %w", err))
	}
	if conn.Status == domain.ConnectionInactive {
		return nil, s.fail(span, domain.ErrConnectionInactive)
	}
	if conn.EncryptedRefreshToken == "" {
		return nil, s.fail(span, s.markNeedsReauth(ctx, conn, errors.New("no refresh token stored")))
	}

	refreshToken, err := s.envelope.DecryptString(conn.EncryptedRefreshToken)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("decrypt refresh token: %w", err))
	}

	tok, err := s.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		var provErr *oauthadapter.ProviderError
		if errors.As(err, &provErr) && provErr.Rejected() {
			return nil, s.fail(span, s.markNeedsReauth(ctx, conn, err))
		}
		return nil, s.fail(span, fmt.Errorf("refresh token: %w", err))
	}

	encAccess, err := s.envelope.EncryptString(tok.AccessToken)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("encrypt access token: %w", err))
	}
	encRefresh, err := s.envelope.EncryptString(tok.RefreshToken)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("encrypt refresh token: %w", err))
	}
	if err := s.connections.UpdateTokens(ctx, conn.ID, encAccess, encRefresh, domain.ConnectionActive); err != nil {
		return nil, s.fail(span, fmt.Errorf("store refreshed tokens: %w", err))
	}

	conn.Status = domain.ConnectionActive
	conn.EncryptedAccessToken = ""
	conn.EncryptedRefreshToken = ""
	if tok.InstanceURL != "" {
		conn.InstanceURL = tok.InstanceURL
	}
	return &conn, nil
}

func (s *Service) markNeedsReauth(ctx context.Context, conn domain.Connection, cause error) error {
	s.log().Warn("salesforce refresh rejected, reconnect required",
		zap.String("user_id", conn.UserID),
		zap.Int64("connection_id", conn.ID),
		zap.Error(cause),
	)
	if err := s.connections.UpdateStatus(ctx, conn.UserID, conn.ID, domain.ConnectionNeedsReauth); err != nil {
		return fmt.Errorf("mark needs_reauth: %w", err)
	}
	return fmt.Errorf("%w: %w", domain.ErrReauthRequired, cause)
}

func (s *Service) deleteOAuthState(ctx context.Context, state string) {
	if err := s.states.Delete(context.WithoutCancel(ctx), state); err != nil {
		s.log().Warn("failed to delete oauth state", zap.String("state_prefix", statePrefix(state)), zap.Error(err))
	}
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

// statePrefix is enough to correlate log lines without leaking the token.
func statePrefix(state string) string {
	state = strings.TrimSpace(state)
	if len(state) > 8 {
		return state[:8]
	}
	return state
}
