// Package discovery resolves an IndieAuth identity URL ("me") to the
// authorization, token and Micropub endpoints it advertises.
//
// Endpoints are read from HTTP Link headers first and then from <link> and
// <a> elements in an HTML body. When the identity advertises an
// indieauth-metadata document, its authorization_endpoint and token_endpoint
// take precedence over the individual rel values.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomnomnom/linkheader"
	"golang.org/x/net/html"
)

const (
	// DefaultHTTPTimeout bounds each outbound discovery request.
	DefaultHTTPTimeout = 10 * time.Second

	// maxBodyBytes caps how much of an identity page or metadata document is read.
	maxBodyBytes = 1 << 20
)

// Link relation names.
const (
	RelAuthorization = "authorization_endpoint"
	RelToken         = "token_endpoint"
	RelMicropub      = "micropub"
	RelMetadata      = "indieauth-metadata"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity URL")
	ErrMissingEndpoint = errors.New("missing endpoint")
)

// Endpoints are the endpoints advertised by an identity URL.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	MicropubEndpoint      string
}

// Client discovers endpoints over HTTP.
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

// NewClient creates a discovery Client.
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

// Canonicalize normalizes a user-entered identity: a missing scheme becomes
// https and an empty path becomes "/". Only http and https URLs without
// fragments or userinfo are accepted.
func Canonicalize(me string) (*url.URL, error) {
	me = strings.TrimSpace(me)
	if me == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if !strings.Contains(me, "://") {
		me = "https://" + me
	}
	u, err := url.Parse(me)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidIdentity, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidIdentity)
	}
	if u.User != nil || u.Fragment != "" {
		return nil, fmt.Errorf("%w: userinfo and fragments are not allowed", ErrInvalidIdentity)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// Discover fetches me and returns the endpoints it advertises. All three
// endpoints are required.
func (c *Client) Discover(ctx context.Context, me string) (Endpoints, error) {
	u, err := Canonicalize(me)
	if err != nil {
		return Endpoints{}, err
	}

	rels, err := c.fetchRels(ctx, u)
	if err != nil {
		return Endpoints{}, err
	}

	if metaURL, ok := rels[RelMetadata]; ok {
		meta, err := c.fetchMetadata(ctx, metaURL)
		if err != nil {
			return Endpoints{}, err
		}
		metaBase, _ := url.Parse(metaURL)
		for rel, raw := range map[string]string{
			RelAuthorization: meta.AuthorizationEndpoint,
			RelToken:         meta.TokenEndpoint,
		} {
			if raw == "" {
				continue
			}
			abs, err := resolve(metaBase, raw)
			if err != nil {
				return Endpoints{}, fmt.Errorf("%w: %s: %v", ErrMissingEndpoint, rel, err)
			}
			rels[rel] = abs
		}
	}

	var ep Endpoints
	for _, f := range []struct {
		rel string
		dst *string
	}{
		{RelAuthorization, &ep.AuthorizationEndpoint},
		{RelToken, &ep.TokenEndpoint},
		{RelMicropub, &ep.MicropubEndpoint},
	} {
		abs, ok := rels[f.rel]
		if !ok {
			return Endpoints{}, fmt.Errorf("%w: %s not advertised by %s", ErrMissingEndpoint, f.rel, u)
		}
		*f.dst = abs
	}

	c.logger.Debug("Discovered IndieAuth endpoints",
		"me", u.String(),
		"authorization_endpoint", ep.AuthorizationEndpoint,
		"token_endpoint", ep.TokenEndpoint,
		"micropub", ep.MicropubEndpoint)
	return ep, nil
}

// fetchRels GETs u and collects the first absolute http(s) href for each
// rel, from the Link headers and then the HTML body. Link header values
// resolve against the final response URL; HTML values against <base> when present.
func (c *Client) fetchRels(ctx context.Context, u *url.URL) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	req.Header.Set("Accept", "text/html, application/xhtml+xml;q=0.9, */*;q=0.1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}

	base := u
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}

	rels := map[string]string{}
	for _, l := range linkheader.ParseMultiple(resp.Header.Values("Link")) {
		addRel(rels, base, l.Rel, l.URL)
	}

	if isHTML(resp.Header.Get("Content-Type")) {
		found := map[string]string{}
		htmlBase := parseHTMLRels(io.LimitReader(resp.Body, maxBodyBytes), found)
		docBase := base
		if htmlBase != "" {
			if b, err := base.Parse(htmlBase); err == nil {
				docBase = b
			}
		}
		for rel, href := range found {
			addRel(rels, docBase, rel, href)
		}
	}
	return rels, nil
}

// addRel records href, resolved against base, under each space-separated
// rel value not already present. Unresolvable or non-http(s) hrefs are skipped.
func addRel(rels map[string]string, base *url.URL, rel, href string) {
	if href == "" {
		return
	}
	abs, err := resolve(base, href)
	if err != nil {
		return
	}
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if _, ok := rels[r]; !ok {
			rels[r] = abs
		}
	}
}

// addRawRel records href unresolved under each rel value not already present.
func addRawRel(rels map[string]string, rel, href string) {
	if href == "" {
		return
	}
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if _, ok := rels[r]; !ok {
			rels[r] = href
		}
	}
}

// parseHTMLRels scans <link> and <a> elements for rel/href pairs and returns
// the href of a <base> element, if any.
func parseHTMLRels(r io.Reader, rels map[string]string) string {
	var base string
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return base
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag != "link" && tag != "a" && tag != "base" {
				continue
			}
			var rel, href string
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				switch string(key) {
				case "rel":
					rel = string(val)
				case "href":
					href = string(val)
				}
			}
			if tag == "base" {
				if base == "" {
					base = href
				}
				continue
			}
			addRawRel(rels, rel, href)
		}
	}
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", abs.Scheme)
	}
	return abs.String(), nil
}

// metadata is the subset of an IndieAuth server metadata document we use.
type metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

func (c *Client) fetchMetadata(ctx context.Context, metadataURL string) (*metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	var meta metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}
