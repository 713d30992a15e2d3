package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smallbiznis/sfconnect/internal/config"
	domainoauth "github.com/smallbiznis/sfconnect/internal/domain/oauth"
)

// ProviderClient encapsulates outbound calls to the Salesforce OAuth endpoints.
type ProviderClient interface {
	AuthCodeURL(state, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*domainoauth.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error)
}

// SalesforceClient is the default ProviderClient built on golang.org/x/oauth2.
type SalesforceClient struct {
	config     *oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ ProviderClient = (*SalesforceClient)(nil)

// NewSalesforceClient constructs the client from the deployment settings.
func NewSalesforceClient(cfg config.Config, client *http.Client, logger *zap.Logger) *SalesforceClient {
	if client == nil {
		timeout := cfg.SalesforceHTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &SalesforceClient{
		config: &oauth2.Config{
			ClientID:     cfg.SalesforceClientID,
			ClientSecret: cfg.SalesforceClientSecret,
			RedirectURL:  cfg.SalesforceRedirectURI,
			Scopes:       cfg.SalesforceScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL(),
				TokenURL:  cfg.TokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: client,
		logger:     logger,
	}
}

// AuthCodeURL builds the authorize URL carrying state and the S256 challenge.
func (c *SalesforceClient) AuthCodeURL(state, codeChallenge string) string {
	return c.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode redeems an authorization code together with its PKCE verifier.
func (c *SalesforceClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*domainoauth.TokenResponse, error) {
	tok, err := c.config.Exchange(c.withClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, c.providerError("exchange code", err)
	}
	return tokenResponse(tok)
}

// RefreshToken obtains a new access token. Salesforce keeps the refresh token
// unchanged unless rotation is enabled, in which case the new one is returned.
func (c *SalesforceClient) RefreshToken(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error) {
	src := c.config.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.providerError("refresh token", err)
	}
	resp, err := tokenResponse(tok)
	if err != nil {
		return nil, err
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

func (c *SalesforceClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// providerError keeps the provider's body in server logs only.
func (c *SalesforceClient) providerError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		c.logger.Warn("salesforce token endpoint rejected request",
			zap.String("op", op),
			zap.Int("status", status),
			zap.String("error_code", retrieveErr.ErrorCode),
			zap.String("error_description", retrieveErr.ErrorDescription),
		)
		return &ProviderError{Op: op, Status: status, Code: retrieveErr.ErrorCode}
	}
	c.logger.Warn("salesforce token request failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, domainoauth.ErrTokenExchange)
}

// ProviderError is returned when Salesforce answered with an OAuth error.
type ProviderError struct {
	Op     string
	Status int
	Code   string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: salesforce returned %d (%s)", e.Op, e.Status, e.Code)
	}
	return fmt.Sprintf("%s: salesforce returned %d", e.Op, e.Status)
}

func (e *ProviderError) Is(target error) bool {
	return target == domainoauth.ErrTokenExchange
}

// Rejected reports whether the grant itself was refused, as opposed to a
// transient server failure.
func (e *ProviderError) Rejected() bool {
	switch e.Code {
	case "invalid_grant", "invalid_client", "invalid_token", "unauthorized_client":
		return true
	}
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized
}

func tokenResponse(tok *oauth2.Token) (*domainoauth.TokenResponse, error) {
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return nil, fmt.Errorf("token response without access_token: %w", domainoauth.ErrTokenExchange)
	}
	return &domainoauth.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		InstanceURL:  extraString(tok, "instance_url"),
		IdentityURL:  extraString(tok, "id"),
		Scope:        extraString(tok, "scope"),
		IssuedAt:     extraString(tok, "issued_at"),
	}, nil
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}

// ParseIdentityURL extracts the org and user ids from the last two path
// segments of a Salesforce identity URL such as
// https://login.salesforce.com/id/00Dxx0000001gPL/005xx000001X8Uz.
func ParseIdentityURL(raw string) (domainoauth.Identity, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" || u.Path == "" {
		return domainoauth.Identity{}, domainoauth.ErrMalformedIdentity
	}
	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 2 {
		return domainoauth.Identity{}, domainoauth.ErrMalformedIdentity
	}
	return domainoauth.Identity{
		OrgID:  segments[len(segments)-2],
		UserID: segments[len(segments)-1],
	}, nil
}
