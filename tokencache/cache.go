// Package tokencache keeps a client-credentials access token for a second
// service. The token is persisted so that a restart does not fetch a new one
// while the old one is still valid.
package tokencache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// DefaultHTTPTimeout bounds each token request and each request made by Client.
const DefaultHTTPTimeout = 10 * time.Second

// Fetcher obtains a new token. *clientcredentials.Config satisfies it.
type Fetcher interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// CredentialsFetcher fetches tokens with the client-credentials grant over
// its own HTTP client.
type CredentialsFetcher struct {
	config     *clientcredentials.Config
	httpClient *http.Client
}

// NewCredentialsFetcher returns a CredentialsFetcher for config. A nil
// httpClient gets one with DefaultHTTPTimeout.
func NewCredentialsFetcher(config *clientcredentials.Config, httpClient *http.Client) *CredentialsFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &CredentialsFetcher{config: config, httpClient: httpClient}
}

func (f *CredentialsFetcher) Token(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	return f.config.Token(ctx)
}

// Cache returns the stored token while it is valid and fetches and stores a
// new one otherwise.
//
// Without WithSingleFlight, concurrent callers that all find the token
// expired each fetch a new one and each write it; the last write wins.
type Cache struct {
	storage Storage
	fetcher Fetcher
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	group   *singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics records Ensure outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithSingleFlight collapses concurrent refreshes into one fetch.
func WithSingleFlight() Option {
	return func(c *Cache) {
		c.group = &singleflight.Group{}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache.
func New(storage Storage, fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		storage: storage,
		fetcher: fetcher,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure returns a valid access token, fetching and saving a new one when
// the stored one is absent, unreadable or expired. A failed save is logged
// and the fetched token is still returned.
func (c *Cache) Ensure(ctx context.Context) (string, error) {
	if tok, ok := c.load(ctx); ok {
		c.metrics.observe(resultHit)
		return tok, nil
	}
	if c.group == nil {
		return c.refresh(ctx)
	}

	ch := c.group.DoChan("token", func() (any, error) {
		// Waiting callers share this refresh; it outlives the caller that started it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultHTTPTimeout)
		defer cancel()
		// Another flight may have stored a token since the first check.
		if tok, ok := c.load(fctx); ok {
			c.metrics.observe(resultHit)
			return tok, nil
		}
		return c.refresh(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context) (string, bool) {
	rec, err := c.storage.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Debug("Ignoring unreadable service token", "error", err)
		}
		return "", false
	}
	if !rec.Usable(c.now()) {
		return "", false
	}
	return rec.AccessToken, true
}

func (c *Cache) refresh(ctx context.Context) (string, error) {
	tok, err := c.fetcher.Token(ctx)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("empty access token")
	}
	if err != nil {
		c.metrics.observe(resultError)
		c.logger.Warn("Service token fetch failed", "error", err)
		return "", &TokenFetchError{Err: err}
	}
	c.metrics.observe(resultMiss)

	expires := c.expiry(tok)
	if expires == 0 {
		c.logger.Debug("Service token has no expiry; not caching")
		return tok.AccessToken, nil
	}
	if err := c.storage.Save(ctx, &Record{AccessToken: tok.AccessToken, Expires: expires}); err != nil {
		c.logger.Warn("Service token not cached", "error", &PersistenceError{Err: err})
	}
	return tok.AccessToken, nil
}

// expiry returns now+expires_in in Unix seconds, or 0 if the token carries
// no lifetime.
func (c *Cache) expiry(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return c.now().Unix() + tok.ExpiresIn
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Unix()
	}
	return 0
}

// Transport returns a RoundTripper that adds the cached token as a Bearer
// Authorization header to each request sent through base.
func (c *Cache) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{cache: c, base: base}
}

// Client returns an HTTP client that authenticates with the cached token.
func (c *Cache) Client() *http.Client {
	return &http.Client{
		Transport: c.Transport(nil),
		Timeout:   DefaultHTTPTimeout,
	}
}

type transport struct {
	cache *Cache
	base  http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.cache.Ensure(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	return t.base.RoundTrip(r)
}
