package indieauth

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPendingAuthorization means a callback arrived without a matching
	// sign-in in this session: a replay, an expired session or a forged callback.
	ErrNoPendingAuthorization = errors.New("no pending authorization")

	// ErrCSRFMismatch means the returned state did not match the one issued.
	ErrCSRFMismatch = errors.New("state mismatch")

	// ErrMissingCode means the callback carried neither a code nor an error.
	ErrMissingCode = errors.New("missing authorization code")
)

// DiscoveryError means the identity URL did not resolve to a usable set of endpoints.
type DiscoveryError struct {
	Me  string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover endpoints for %q: %v", e.Me, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// TokenExchangeError means the token endpoint rejected the code or returned
// an unusable response. The code has been consumed either way.
type TokenExchangeError struct {
	TokenEndpoint string
	Err           error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange at %s: %v", e.TokenEndpoint, e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// ProviderError is an error returned by the authorization endpoint on the callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}
