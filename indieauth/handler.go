package indieauth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mnehpets/indiepost/endpoint"
	"github.com/mnehpets/indiepost/middleware"
	"golang.org/x/oauth2"
)

// Route paths served by Handler.
const (
	SignInPath   = "/signin"
	CallbackPath = "/indieauthhandler"
	SignOutPath  = "/signout"
)

// SignInParams is the form posted to start a sign-in.
type SignInParams struct {
	Me       string `form:"me" maxLength:"2048"`
	ReturnTo string `form:"returnTo" maxLength:"2048"`
}

// CallbackParams are the query parameters of the authorization callback.
type CallbackParams struct {
	Code      string `query:"code"`
	State     string `query:"state"`
	Error     string `query:"error"`
	ErrorDesc string `query:"error_description"`
}

// Handler serves the sign-in, callback and sign-out routes. A session
// processor must be installed with WithProcessors.
type Handler struct {
	mux        *http.ServeMux
	flow       *Flow
	logger     *slog.Logger
	processors []endpoint.Processor
	signOutTo  string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithProcessors adds processors to every route, in order.
func WithProcessors(p ...endpoint.Processor) HandlerOption {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithHandlerLogger sets the logger used for failed sign-ins.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithSignOutRedirect sets where the browser goes after signing out. Default "/".
func WithSignOutRedirect(path string) HandlerOption {
	return func(h *Handler) {
		h.signOutTo = path
	}
}

// NewHandler creates the sign-in routes for flow.
func NewHandler(flow *Flow, opts ...HandlerOption) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		flow:      flow,
		logger:    slog.Default(),
		signOutTo: "/",
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.Handle("POST "+SignInPath, endpoint.Handler(h.signIn, h.processors...))
	h.mux.Handle("GET "+CallbackPath, endpoint.Handler(h.callback, h.processors...))
	h.mux.Handle("POST "+SignOutPath, endpoint.Handler(h.signOut, h.processors...))
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request, params SignInParams) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", middleware.ErrNilSession)
	}
	redirectURL, err := h.flow.Initiate(r.Context(), sess, params.Me, params.ReturnTo)
	if err != nil {
		return nil, h.failure(err)
	}
	return &endpoint.RedirectRenderer{URL: redirectURL, Status: http.StatusFound}, nil
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", middleware.ErrNilSession)
	}
	if params.Error != "" {
		err := h.flow.Abort(sess, params.State, &ProviderError{Code: params.Error, Description: params.ErrorDesc})
		return nil, h.failure(err)
	}
	_, target, err := h.flow.Complete(r.Context(), sess, params.State, params.Code)
	if err != nil {
		return nil, h.failure(err)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		sess.Clear()
	}
	return &endpoint.RedirectRenderer{URL: h.signOutTo, Status: http.StatusSeeOther}, nil
}

// failure maps a flow error to a client response. Messages are fixed per
// error kind; the cause is logged and never rendered.
func (h *Handler) failure(err error) error {
	var (
		discErr     *DiscoveryError
		exchangeErr *TokenExchangeError
		providerErr *ProviderError
	)
	var status int
	var msg string
	switch {
	case errors.As(err, &discErr):
		status, msg = http.StatusBadRequest, "could not find IndieAuth endpoints for that identity"
	case errors.Is(err, ErrCSRFMismatch):
		status, msg = http.StatusBadRequest, "sign-in state did not match"
	case errors.Is(err, ErrNoPendingAuthorization):
		status, msg = http.StatusBadRequest, "no sign-in in progress"
	case errors.As(err, &providerErr):
		status, msg = http.StatusBadRequest, "authorization was not granted"
	case errors.As(err, &exchangeErr):
		status, msg = exchangeStatus(exchangeErr), "token exchange failed"
	default:
		status = http.StatusInternalServerError
	}
	h.logger.Info("Sign-in failed", "status", status, "error", err)
	return endpoint.Error(status, msg, err)
}

// exchangeStatus is 400 when the token endpoint rejected the request and
// 502 when it failed or could not be reached.
func exchangeStatus(err *TokenExchangeError) int {
	if errors.Is(err, ErrMissingCode) {
		return http.StatusBadRequest
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// RequireLogin returns a processor that rejects requests from sessions
// without a credential. Signed-in requests carry the credential in their
// context; see CredentialFromContext. It must run after the session processor.
func RequireLogin() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		sess, _ := middleware.SessionFromContext(r.Context())
		cred, ok := CredentialStore{Session: sess}.Get()
		if !ok {
			return endpoint.Error(http.StatusUnauthorized, "sign-in required", nil)
		}
		return next(w, r.WithContext(WithCredential(r.Context(), cred)))
	})
}
