// Package identity resolves a dashboard bearer token to the user it was issued for.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/domain"
)

// Verifier checks a bearer token and returns the subject's user id.
// A token that is invalid or expired yields domain.ErrAuthentication; any other
// error means the identity backend could not be consulted.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// New picks local JWT verification when a signing secret is configured and
// falls back to asking the identity backend.
func New(cfg config.Config) Verifier {
	if cfg.AuthJWTSecret != "" {
		return NewJWTVerifier([]byte(cfg.AuthJWTSecret), cfg.AuthJWTAudience)
	}
	return NewRemoteVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey, nil)
}

// JWTVerifier validates HS256 access tokens signed with a shared secret.
type JWTVerifier struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewJWTVerifier(secret []byte, audience string) *JWTVerifier {
	return &JWTVerifier{
		secret:   secret,
		audience: audience,
		leeway:   gojwt.DefaultLeeway,
		now:      time.Now,
	}
}

var allowedAlgorithms = []gojose.SignatureAlgorithm{gojose.HS256}

func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	parsed, err := gojwt.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", domain.ErrAuthentication)
	}

	var claims gojwt.Claims
	if err := parsed.Claims(v.secret, &claims); err != nil {
		return "", fmt.Errorf("verify token: %w", domain.ErrAuthentication)
	}

	expected := gojwt.Expected{Time: v.now()}
	if v.audience != "" {
		expected.AnyAudience = gojwt.Audience{v.audience}
	}
	if err := claims.ValidateWithLeeway(expected, v.leeway); err != nil {
		return "", fmt.Errorf("validate claims: %w", domain.ErrAuthentication)
	}
	if claims.Expiry == nil {
		return "", fmt.Errorf("token has no expiry: %w", domain.ErrAuthentication)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject: %w", domain.ErrAuthentication)
	}
	return claims.Subject, nil
}

// RemoteVerifier asks the identity backend's user endpoint to resolve the token.
type RemoteVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewRemoteVerifier(baseURL, apiKey string, client *http.Client) *RemoteVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read user response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("identity backend rejected token: %w", domain.ErrAuthentication)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("user lookup failed: status=%d", resp.StatusCode)
	}

	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return "", fmt.Errorf("decode user: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.Join(domain.ErrAuthentication, errors.New("user response without id"))
	}
	return user.ID, nil
}
