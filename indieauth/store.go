package indieauth

import (
	"context"
	"errors"
	"time"

	"github.com/mnehpets/indiepost/middleware"
)

// Session keys.
const (
	KeyCSRFSecret = "csrfSecret"
	KeyState      = "state"
	KeyUser       = "user"
	KeyReturnTo   = "returnTo"
)

// CredentialStore reads and writes the SessionCredential of one session.
type CredentialStore struct {
	Session middleware.Session
}

// Get returns the session's credential, if signed in.
func (s CredentialStore) Get() (*SessionCredential, bool) {
	if s.Session == nil {
		return nil, false
	}
	var cred SessionCredential
	if err := s.Session.Get(KeyUser, &cred); err != nil {
		return nil, false
	}
	if cred.Identity == "" || cred.Token == "" {
		return nil, false
	}
	return &cred, true
}

// Set stores cred as the session's credential.
func (s CredentialStore) Set(cred *SessionCredential) error {
	if s.Session == nil {
		return middleware.ErrNilSession
	}
	if cred == nil {
		return errors.New("nil credential")
	}
	return s.Session.Set(KeyUser, cred)
}

// Clear signs the session out.
func (s CredentialStore) Clear() {
	if s.Session != nil {
		s.Session.Delete(KeyUser)
	}
}

// pendingRecord is the part of a PendingAuthorization stored under KeyState.
// The state value and returnTo live under their own keys.
type pendingRecord struct {
	Me               string    `cbor:"1,keyasint"`
	AuthEndpoint     string    `cbor:"2,keyasint"`
	TokenEndpoint    string    `cbor:"3,keyasint"`
	ResourceEndpoint string    `cbor:"4,keyasint"`
	PKCEVerifier     string    `cbor:"5,keyasint,omitempty"`
	ExpiresAt        time.Time `cbor:"6,keyasint,omitempty"`
}

func savePending(sess middleware.Session, p *PendingAuthorization) error {
	rec := pendingRecord{
		Me:               p.Me,
		AuthEndpoint:     p.AuthEndpoint,
		TokenEndpoint:    p.TokenEndpoint,
		ResourceEndpoint: p.ResourceEndpoint,
		PKCEVerifier:     p.PKCEVerifier,
		ExpiresAt:        p.ExpiresAt,
	}
	if err := sess.Set(KeyState, rec); err != nil {
		return err
	}
	if err := sess.Set(KeyCSRFSecret, p.State); err != nil {
		return err
	}
	if p.ReturnTo != "" {
		return sess.Set(KeyReturnTo, p.ReturnTo)
	}
	sess.Delete(KeyReturnTo)
	return nil
}

// loadPending returns the session's pending authorization, or false if
// either the record or its state value is missing.
func loadPending(sess middleware.Session) (*PendingAuthorization, bool) {
	var rec pendingRecord
	if err := sess.Get(KeyState, &rec); err != nil {
		return nil, false
	}
	var state string
	if err := sess.Get(KeyCSRFSecret, &state); err != nil || state == "" {
		return nil, false
	}
	var returnTo string
	_ = sess.Get(KeyReturnTo, &returnTo)
	return &PendingAuthorization{
		Me:               rec.Me,
		State:            state,
		AuthEndpoint:     rec.AuthEndpoint,
		TokenEndpoint:    rec.TokenEndpoint,
		ResourceEndpoint: rec.ResourceEndpoint,
		ReturnTo:         returnTo,
		PKCEVerifier:     rec.PKCEVerifier,
		ExpiresAt:        rec.ExpiresAt,
	}, true
}

func deletePending(sess middleware.Session) {
	sess.Delete(KeyState)
	sess.Delete(KeyCSRFSecret)
	sess.Delete(KeyReturnTo)
}

type credentialContextKey struct{}

// WithCredential stores cred in ctx.
func WithCredential(ctx context.Context, cred *SessionCredential) context.Context {
	return context.WithValue(ctx, credentialContextKey{}, cred)
}

// CredentialFromContext returns the credential stored by RequireLogin, if any.
func CredentialFromContext(ctx context.Context) (*SessionCredential, bool) {
	cred, ok := ctx.Value(credentialContextKey{}).(*SessionCredential)
	return cred, ok && cred != nil
}
