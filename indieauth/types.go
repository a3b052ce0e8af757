package indieauth

import (
	"time"

	"golang.org/x/oauth2"
)

// PendingAuthorization is the state of one in-flight sign-in, held in the
// session between Initiate and Complete.
type PendingAuthorization struct {
	// Me is the identity URL as entered by the user.
	Me               string
	State            string
	AuthEndpoint     string
	TokenEndpoint    string
	ResourceEndpoint string
	// ReturnTo is an optional local path to redirect to after sign-in.
	ReturnTo     string
	PKCEVerifier string
	ExpiresAt    time.Time
}

// expired reports whether p is past its ExpiresAt at now.
func (p *PendingAuthorization) expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// SessionCredential is the authenticated identity of a session. Its presence
// in the session means the user is signed in.
type SessionCredential struct {
	Identity         string `cbor:"1,keyasint"`
	Token            string `cbor:"2,keyasint"`
	AuthEndpoint     string `cbor:"3,keyasint"`
	TokenEndpoint    string `cbor:"4,keyasint"`
	ResourceEndpoint string `cbor:"5,keyasint"`
	Scope            string `cbor:"6,keyasint,omitempty"`
}

// NewSessionCredential builds the credential for a completed sign-in from
// the pending authorization and the token returned by the token endpoint.
func NewSessionCredential(p *PendingAuthorization, tok *oauth2.Token) *SessionCredential {
	cred := &SessionCredential{
		Identity:         p.Me,
		Token:            tok.AccessToken,
		AuthEndpoint:     p.AuthEndpoint,
		TokenEndpoint:    p.TokenEndpoint,
		ResourceEndpoint: p.ResourceEndpoint,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	return cred
}
