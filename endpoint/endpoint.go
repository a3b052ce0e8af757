// Package endpoint provides a type-safe abstraction for building HTTP handlers.
//
// The core pattern separates request decoding, business logic, and response
// rendering into distinct phases:
//
//  1. Unmarshal: the EndpointHandler decodes path, query and form values
//     into a typed parameters struct using struct tags.
//  2. Endpoint: the EndpointFunc receives the decoded parameters, executes
//     business logic and returns a Renderer. It does not write the response.
//  3. Render: the returned Renderer writes the status, headers and body.
//
// Processors can be chained as middleware to intercept requests before they
// reach the EndpointFunc.
package endpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// EndpointError is a client-visible error that maps directly to an HTTP status code.
//
// Only Message is written to the client. Cause is kept for logging and
// errors.Is/As, and is never rendered.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for an HTTP error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

func newEndpointError(status int, message string, err error) error {
	// Avoid double-wrapping.
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a response into an http.ResponseWriter.
//
// Renderers MUST call w.WriteHeader(). A non-nil error indicates a failure to
// write the response.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the Renderer.
//
// Processors MUST call next(...) unless they intend to short-circuit the
// request, and MUST NOT write to the response. If any processor returns a
// non-nil error, the chain stops and the error is rendered.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type.
//
// It receives the incoming request and a typed params value and returns a
// Renderer responsible for writing the response, or an error.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
	// Logger receives the cause of every error response. Nil means slog.Default().
	Logger *slog.Logger
}

// Handler constructs an EndpointHandler.
//
// This helper exists to enable type inference for the params type P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers a function to be called before the response headers are written.
// The function fn must not call WriteHeader itself.
//
// Outside an EndpointHandler this is a silent no-op.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit executes all deferred functions registered via Defer, in LIFO order.
// It should be called exactly once before writing headers.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		for i := len(*hooks) - 1; i >= 0; i-- {
			(*hooks)[i](w)
		}
		*hooks = nil
	}
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}

		Commit(r2.Context(), w2)
		return renderer.Render(w2, r2)
	}

	if err := run(0, w, r); err != nil {
		status, message := statusAndMessage(err)
		h.logError(r, status, err)
		Commit(r.Context(), w)
		writeError(w, r, status, message)
	}
}

func (h *EndpointHandler[P]) logError(r *http.Request, status int, err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, "Request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err)
}

// writeError writes message as a JSON object for clients that accept JSON
// and as plain text otherwise.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if acceptsJSON(r) {
		_ = (&JSONRenderer{Status: status, Value: map[string]string{"error": message}}).Render(w, r)
		return
	}
	http.Error(w, message, status)
}

func acceptsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json")) {
			return true
		}
	}
	return false
}

// statusAndMessage maps err to the response status and body. Errors that are
// not EndpointErrors are rendered as a bare 500 so that internal detail
// does not reach the client.
func statusAndMessage(err error) (int, string) {
	var ee *EndpointError
	if !errors.As(err, &ee) || ee == nil {
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
	status := http.StatusInternalServerError
	if ee.Status >= 100 {
		status = ee.Status
	}
	if ee.Message == "" {
		return status, http.StatusText(status)
	}
	return status, ee.Message
}
