package tokencache

import "fmt"

// TokenFetchError means the token endpoint did not issue a usable token.
type TokenFetchError struct {
	Err error
}

func (e *TokenFetchError) Error() string {
	return fmt.Sprintf("fetch service token: %v", e.Err)
}

func (e *TokenFetchError) Unwrap() error {
	return e.Err
}

// PersistenceError means a fetched token could not be saved. It is logged
// and never returned from Ensure.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist service token: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
