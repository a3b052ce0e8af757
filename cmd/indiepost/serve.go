package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/indiepost/discovery"
	"github.com/mnehpets/indiepost/endpoint"
	"github.com/mnehpets/indiepost/indieauth"
	"github.com/mnehpets/indiepost/micropub"
	"github.com/mnehpets/indiepost/middleware"
	"github.com/mnehpets/indiepost/tokencache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cache, closeCache, err := newTokenCache(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer closeCache()
	// No route calls the second service yet; media search is out of scope.
	// The cache is warmed here and read by the service-token command.
	if cache != nil {
		if _, err := cache.Ensure(ctx); err != nil {
			logger.Warn("Service token not available at startup", "error", err)
		}
	}

	handler, err := newHandler(cfg, logger, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", srv.Addr, "main_url", cfg.MainURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newHandler wires the sign-in routes, posting and metrics.
func newHandler(cfg Config, logger *slog.Logger, reg *prometheus.Registry) (http.Handler, error) {
	keyID, keys, err := cfg.SessionKeys()
	if err != nil {
		return nil, err
	}
	sessions, err := middleware.NewSessionProcessor(keyID, keys,
		middleware.WithCookieOptions(middleware.WithSecure(!cfg.CookieInsecure)))
	if err != nil {
		return nil, fmt.Errorf("session processor: %w", err)
	}

	flow := indieauth.NewFlow(indieauth.Config{
		ClientID:        cfg.ClientID(),
		RedirectURL:     cfg.MainURL + indieauth.CallbackPath,
		DefaultRedirect: cfg.SuccessRedirect,
	}, discovery.NewClient(discovery.WithLogger(logger)), indieauth.WithLogger(logger))
	auth := indieauth.NewHandler(flow,
		indieauth.WithProcessors(sessions),
		indieauth.WithHandlerLogger(logger))

	posts := &postEndpoint{client: micropub.NewClient(micropub.WithLogger(logger)), logger: logger}

	mux := http.NewServeMux()
	mux.Handle(indieauth.SignInPath, auth)
	mux.Handle(indieauth.CallbackPath, auth)
	mux.Handle(indieauth.SignOutPath, auth)
	mux.Handle("POST /post", endpoint.Handler(posts.Create, sessions, indieauth.RequireLogin()))
	mux.Handle("GET /me", endpoint.Handler(meEndpoint, sessions, indieauth.RequireLogin()))
	mux.Handle("GET /{$}", endpoint.Handler(homeEndpoint, sessions))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux, nil
}

func homeEndpoint(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, _ := middleware.SessionFromContext(r.Context())
	if cred, ok := (indieauth.CredentialStore{Session: sess}).Get(); ok {
		return &endpoint.StringRenderer{Body: "Signed in as " + cred.Identity + "\n"}, nil
	}
	return &endpoint.StringRenderer{Body: "Not signed in\n"}, nil
}

// meEndpoint reports the signed-in identity. The access token stays server side.
func meEndpoint(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	cred, ok := indieauth.CredentialFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusUnauthorized, "sign-in required", nil)
	}
	return &endpoint.JSONRenderer{Value: map[string]any{
		"me":                cred.Identity,
		"scope":             cred.Scope,
		"micropub_endpoint": cred.ResourceEndpoint,
	}}, nil
}

// PostParams is the form posted to create an entry.
type PostParams struct {
	OriginalURL string `form:"originalUrl" maxLength:"2048"`
	InReplyTo   string `form:"inReplyTo" maxLength:"2048"`
	Content     string `form:"content"`
}

type postEndpoint struct {
	client *micropub.Client
	logger *slog.Logger
}

// Create posts an entry for the signed-in user and redirects to it.
func (p *postEndpoint) Create(w http.ResponseWriter, r *http.Request, params PostParams) (endpoint.Renderer, error) {
	cred, ok := indieauth.CredentialFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusUnauthorized, "sign-in required", nil)
	}
	if params.OriginalURL == "" && params.Content == "" {
		return nil, endpoint.Error(http.StatusBadRequest, "nothing to post", nil)
	}

	entry := micropub.Entry{Content: params.Content}
	if params.OriginalURL != "" {
		entry.Photo = []string{params.OriginalURL}
	}
	if params.InReplyTo != "" {
		entry.InReplyTo = []string{params.InReplyTo}
	}
	loc, err := p.client.Create(r.Context(), cred, entry)
	if err != nil {
		p.logger.Warn("Micropub create failed", "me", cred.Identity, "error", err)
		return nil, endpoint.Error(http.StatusBadGateway, "posting to your site failed", err)
	}
	return &endpoint.RedirectRenderer{URL: loc, Status: http.StatusSeeOther}, nil
}

// newTokenCache builds the service token cache, or returns nil if no
// service is configured. The returned func releases its storage.
func newTokenCache(cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*tokencache.Cache, func(), error) {
	if !cfg.ServiceTokenEnabled() {
		return nil, func() {}, nil
	}

	var storage tokencache.Storage
	closeFn := func() {}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		storage = tokencache.NewRedisStorage(client, "")
		closeFn = func() { client.Close() }
	} else {
		storage = tokencache.NewFileStorage(cfg.TokenCacheFile)
	}

	fetcher := tokencache.NewCredentialsFetcher(&clientcredentials.Config{
		ClientID:     cfg.ServiceClientID,
		ClientSecret: cfg.ServiceClientSecret,
		TokenURL:     cfg.ServiceTokenURL,
		Scopes:       cfg.ServiceScopes,
	}, nil)
	cache := tokencache.New(storage, fetcher,
		tokencache.WithLogger(logger),
		tokencache.WithMetrics(tokencache.NewMetrics(reg)),
		tokencache.WithSingleFlight())
	return cache, closeFn, nil
}
