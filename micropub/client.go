// Package micropub creates posts on a signed-in user's Micropub endpoint.
package micropub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mnehpets/indiepost/indieauth"
)

// DefaultHTTPTimeout bounds each Micropub request.
const DefaultHTTPTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept in a ResponseError.
const maxErrorBody = 4 << 10

var (
	// ErrNoLocation means the endpoint accepted the post without saying where it is.
	ErrNoLocation = errors.New("micropub: response has no Location header")
	// ErrNoEndpoint means the credential carries no Micropub endpoint.
	ErrNoEndpoint = errors.New("micropub: no endpoint")
)

// ResponseError is a non-success response from the Micropub endpoint.
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("micropub: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Entry is an h-entry to create.
type Entry struct {
	Content   string
	Photo     []string
	InReplyTo []string
}

func (e Entry) form() url.Values {
	v := url.Values{"h": {"entry"}}
	if e.Content != "" {
		v.Set("content", e.Content)
	}
	for _, p := range e.Photo {
		v.Add("photo[]", p)
	}
	for _, r := range e.InReplyTo {
		v.Add("in-reply-to[]", r)
	}
	return v
}

// Client posts to Micropub endpoints.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Micropub Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create posts entry to the credential's Micropub endpoint and returns the
// URL of the new post.
func (c *Client) Create(ctx context.Context, cred *indieauth.SessionCredential, entry Entry) (string, error) {
	if cred == nil || cred.ResourceEndpoint == "" {
		return "", ErrNoEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.ResourceEndpoint, strings.NewReader(entry.form().Encode()))
	if err != nil {
		return "", fmt.Errorf("micropub: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("micropub: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &ResponseError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	loc, err := resp.Location()
	if err != nil {
		return "", ErrNoLocation
	}
	c.logger.Info("Created Micropub post", "me", cred.Identity, "location", loc.String())
	return loc.String(), nil
}
