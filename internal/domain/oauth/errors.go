package oauth

import "errors"

var (
	// ErrInvalidRequest indicates the callback is missing code or state.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidState indicates the state is unknown or was already consumed.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrExpiredState indicates the state existed but its lifetime had passed.
	ErrExpiredState = errors.New("oauth: expired state")
	// ErrDuplicateState is returned when a generated state collides with a stored one.
	ErrDuplicateState = errors.New("oauth: duplicate state")
	// ErrTokenExchange signals that Salesforce rejected or failed the token request.
	ErrTokenExchange = errors.New("oauth: token exchange failed")
	// ErrMalformedIdentity signals an identity URL without org and user segments.
	ErrMalformedIdentity = errors.New("oauth: malformed identity url")
)
