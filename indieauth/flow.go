// Package indieauth implements the client side of IndieAuth sign-in: the
// identity URL is resolved to its endpoints, the browser is sent to the
// authorization endpoint with a state value held in the session, and the
// code returned on the callback is exchanged for a bearer token.
package indieauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mnehpets/indiepost/discovery"
	"github.com/mnehpets/indiepost/middleware"
	"golang.org/x/oauth2"
)

const (
	// DefaultScope is requested when Config.Scopes is empty.
	DefaultScope = "create"

	// DefaultRedirect is used after sign-in when no return path was given.
	DefaultRedirect = "/dashboard"

	// DefaultHTTPTimeout bounds each token exchange.
	DefaultHTTPTimeout = 10 * time.Second

	// pendingTTL is how long an in-flight sign-in remains valid.
	pendingTTL = time.Hour
)

// Resolver resolves an identity URL to its endpoints.
type Resolver interface {
	Discover(ctx context.Context, me string) (discovery.Endpoints, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, me string) (discovery.Endpoints, error)

func (f ResolverFunc) Discover(ctx context.Context, me string) (discovery.Endpoints, error) {
	return f(ctx, me)
}

// Config describes this client to authorization servers.
type Config struct {
	// ClientID is the client's URL, e.g. "https://example.com".
	ClientID string
	// RedirectURL is the absolute URL of the callback route.
	RedirectURL string
	// Scopes are requested at the authorization endpoint.
	Scopes []string
	// DefaultRedirect is the post sign-in target when none was stored.
	DefaultRedirect string
}

// Flow runs the two halves of the sign-in: Initiate and Complete. Each
// attempt is single-shot; nothing is retried.
type Flow struct {
	cfg        Config
	resolver   Resolver
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Flow.
type Option func(*Flow)

// WithHTTPClient sets the HTTP client used for token exchange.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(f *Flow) {
		f.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) {
		f.logger = logger
	}
}

// NewFlow creates a Flow.
func NewFlow(cfg Config, resolver Resolver, opts ...Option) *Flow {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{DefaultScope}
	}
	if cfg.DefaultRedirect == "" {
		cfg.DefaultRedirect = DefaultRedirect
	}
	f := &Flow{
		cfg:        cfg,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Initiate starts a sign-in for me and returns the authorization endpoint URL
// to redirect the browser to. Any credential or pending sign-in already in the
// session is discarded first. returnTo is kept only if it is a local path.
func (f *Flow) Initiate(ctx context.Context, sess middleware.Session, me, returnTo string) (string, error) {
	if sess == nil {
		return "", middleware.ErrNilSession
	}
	me = strings.TrimSpace(me)

	state, err := GenerateState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	deletePending(sess)
	CredentialStore{Session: sess}.Clear()

	if me == "" {
		return "", &DiscoveryError{Me: me, Err: discovery.ErrInvalidIdentity}
	}
	ep, err := f.resolver.Discover(ctx, me)
	if err != nil {
		return "", &DiscoveryError{Me: me, Err: err}
	}

	pending := &PendingAuthorization{
		Me:               me,
		State:            state,
		AuthEndpoint:     ep.AuthorizationEndpoint,
		TokenEndpoint:    ep.TokenEndpoint,
		ResourceEndpoint: ep.MicropubEndpoint,
		ReturnTo:         LocalPath(returnTo),
		PKCEVerifier:     oauth2.GenerateVerifier(),
		ExpiresAt:        f.now().Add(pendingTTL),
	}
	if err := savePending(sess, pending); err != nil {
		return "", fmt.Errorf("save pending authorization: %w", err)
	}

	// The claimed identity is kept as entered; the provider is sent its URL form.
	meParam := me
	if u, err := discovery.Canonicalize(me); err == nil {
		meParam = u.String()
	}
	conf := f.oauthConfig(pending)
	return conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("me", meParam),
		oauth2.S256ChallengeOption(pending.PKCEVerifier),
	), nil
}

// Complete finishes the sign-in started by Initiate. The pending
// authorization is consumed whatever the outcome. The state is checked
// before any network call. On success the credential is stored in the
// session and the post sign-in redirect target is returned with it.
func (f *Flow) Complete(ctx context.Context, sess middleware.Session, state, code string) (*SessionCredential, string, error) {
	pending, err := f.consume(sess, state)
	if err != nil {
		return nil, "", err
	}

	tok, err := f.exchange(ctx, pending, code)
	if err != nil {
		f.logger.Warn("IndieAuth token exchange failed",
			"me", pending.Me,
			"token_endpoint", pending.TokenEndpoint,
			"error", err)
		return nil, "", &TokenExchangeError{TokenEndpoint: pending.TokenEndpoint, Err: err}
	}

	cred := NewSessionCredential(pending, tok)
	if err := (CredentialStore{Session: sess}).Set(cred); err != nil {
		return nil, "", fmt.Errorf("store credential: %w", err)
	}
	f.logger.Info("IndieAuth sign-in complete", "me", cred.Identity)

	target := pending.ReturnTo
	if target == "" {
		target = f.cfg.DefaultRedirect
	}
	return cred, target, nil
}

// Abort consumes the pending authorization when the authorization endpoint
// returned an error instead of a code. The state is still checked so that a
// forged error callback cannot cancel someone else's sign-in silently.
func (f *Flow) Abort(sess middleware.Session, state string, perr *ProviderError) error {
	if _, err := f.consume(sess, state); err != nil {
		return err
	}
	f.logger.Info("IndieAuth authorization failed at provider", "error", perr.Code)
	return perr
}

// consume loads and deletes the pending authorization and validates state.
func (f *Flow) consume(sess middleware.Session, state string) (*PendingAuthorization, error) {
	if sess == nil {
		return nil, middleware.ErrNilSession
	}
	pending, ok := loadPending(sess)
	deletePending(sess)
	if !ok {
		return nil, ErrNoPendingAuthorization
	}
	if pending.expired(f.now()) {
		return nil, fmt.Errorf("%w: expired", ErrNoPendingAuthorization)
	}
	if !ValidateState(pending.State, state) {
		f.logger.Warn("IndieAuth state mismatch on callback", "me", pending.Me)
		return nil, ErrCSRFMismatch
	}
	return pending, nil
}

func (f *Flow) exchange(ctx context.Context, pending *PendingAuthorization, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, ErrMissingCode
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	conf := f.oauthConfig(pending)
	return conf.Exchange(ctx, code, oauth2.VerifierOption(pending.PKCEVerifier))
}

// oauthConfig builds the per-identity client configuration. IndieAuth
// clients have no secret, so the client_id goes in the request body.
func (f *Flow) oauthConfig(pending *PendingAuthorization) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    f.cfg.ClientID,
		RedirectURL: f.cfg.RedirectURL,
		Scopes:      f.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   pending.AuthEndpoint,
			TokenURL:  pending.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// LocalPath returns p if it is a local absolute path, and "" otherwise.
// Protocol-relative and backslash forms are rejected, as are control
// characters, which browsers strip before resolving the URL.
func LocalPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return ""
	}
	for i := 0; i < len(p); i++ {
		if p[i] < 0x20 || p[i] == 0x7f {
			return ""
		}
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return p
}
