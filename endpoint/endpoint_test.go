package endpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type headerProcessor struct {
	Key   string
	Value string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	w.Header().Set(hp.Key, hp.Value)
	return next(w, r)
}

func TestHandler_ProcessorsThenRenderer(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, headerProcessor{Key: "X-A", Value: "1"}, headerProcessor{Key: "X-B", Value: "2"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body: got %q want %q", rec.Body.String(), "ok")
	}
	if rec.Header().Get("X-A") != "1" || rec.Header().Get("X-B") != "2" {
		t.Fatalf("processor headers missing: %v", rec.Header())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content-type: got %q", ct)
	}
}

func TestHandler_ProcessorShortCircuit(t *testing.T) {
	called := false
	stop := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return Error(http.StatusForbidden, "stop", nil)
	})
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		called = true
		return &NoContentRenderer{}, nil
	}, stop)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if called {
		t.Fatal("endpoint ran after processor short-circuit")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusForbidden)
	}
	if strings.TrimSpace(rec.Body.String()) != "stop" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestHandler_EndpointError_CauseNotRendered(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusBadRequest, "bad thing", errors.New("secret detail"))
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret detail") {
		t.Fatalf("cause leaked into body: %q", rec.Body.String())
	}
}

func TestHandler_NonEndpointError_Is500WithoutDetail(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, errors.New("internal detail")
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "internal detail") {
		t.Fatalf("error detail leaked: %q", rec.Body.String())
	}
}

func TestHandler_EmptyMessage_FallsBackToStatusText(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusNotFound, "", nil)
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.TrimSpace(rec.Body.String()) != http.StatusText(http.StatusNotFound) {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestHandler_NilRenderer_Is500(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestError_AvoidsDoubleWrap(t *testing.T) {
	inner := Error(http.StatusBadRequest, "inner", nil)
	outer := Error(http.StatusInternalServerError, "outer", inner)
	if outer != inner {
		t.Fatalf("expected the original EndpointError to be returned")
	}
	cause := errors.New("cause")
	if !errors.Is(Error(http.StatusBadRequest, "x", cause), cause) {
		t.Fatal("Unwrap should expose the cause")
	}
}

func TestDeferAndCommit_RunBeforeHeadersInLIFOOrder(t *testing.T) {
	var order []string
	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			order = append(order, "first")
			w.Header().Set("X-Deferred", "yes")
		})
		Defer(r.Context(), func(http.ResponseWriter) { order = append(order, "second") })
		return next(w, r)
	})
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &NoContentRenderer{}, nil
	}, p)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "second,first" {
		t.Fatalf("order: got %v", order)
	}
	if rec.Header().Get("X-Deferred") != "yes" {
		t.Fatal("deferred header not written")
	}
}

func TestDeferAndCommit_RunOnError(t *testing.T) {
	ran := false
	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(http.ResponseWriter) { ran = true })
		return next(w, r)
	})
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusBadRequest, "nope", nil)
	}, p)
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ran {
		t.Fatal("deferred hook did not run on error path")
	}
}

func TestRedirectRenderer_DefaultStatusIsFound(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := &RedirectRenderer{URL: "/next"}
	if err := rr.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("status: got %d", rec.Code)
	}
	if rec.Header().Get("Location") != "/next" {
		t.Fatalf("location: got %q", rec.Header().Get("Location"))
	}
}

func TestJSONRenderer_EncodesValue(t *testing.T) {
	rec := httptest.NewRecorder()
	jr := &JSONRenderer{Value: map[string]string{"url": "https://a.example/?x=<1>"}}
	if err := jr.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content-type: got %q", rec.Header().Get("Content-Type"))
	}
	want := `{"url":"https://a.example/?x=<1>"}` + "\n"
	if rec.Body.String() != want {
		t.Fatalf("body: got %q want %q", rec.Body.String(), want)
	}
}

func TestHandler_DecodesPathQueryAndForm(t *testing.T) {
	type params struct {
		ID   string   `path:"id"`
		Q    string   `query:"q"`
		Me   string   `form:"me"`
		Tags []string `form:"tag"`
	}
	var got params
	mux := http.NewServeMux()
	mux.Handle("POST /items/{id}", HandleFunc(func(_ http.ResponseWriter, _ *http.Request, p params) (Renderer, error) {
		got = p
		return &NoContentRenderer{}, nil
	}))

	form := url.Values{"me": {"https://alice.example"}, "tag": {"a", "b"}}
	req := httptest.NewRequest(http.MethodPost, "/items/42?q=cats", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d body %q", rec.Code, rec.Body.String())
	}
	if got.ID != "42" || got.Q != "cats" || got.Me != "https://alice.example" {
		t.Fatalf("decoded: %+v", got)
	}
	if strings.Join(got.Tags, ",") != "a,b" {
		t.Fatalf("tags: got %v", got.Tags)
	}
}

func TestHandler_ErrorJSONAndLogged(t *testing.T) {
	var logs bytes.Buffer
	h := &EndpointHandler[struct{}]{
		Endpoint: func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
			return nil, Error(http.StatusBadGateway, "upstream failed", errors.New("dial tcp: refused"))
		},
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	}

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Accept", "text/html;q=0.9, application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: got %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %q", rec.Body.String())
	}
	if body["error"] != "upstream failed" {
		t.Errorf("error: got %q", body["error"])
	}
	if !strings.Contains(logs.String(), "dial tcp: refused") || !strings.Contains(logs.String(), "level=ERROR") {
		t.Errorf("cause not logged at error level: %q", logs.String())
	}
}
