package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mnehpets/indiepost/endpoint"
)

func TestSessionData_Validate(t *testing.T) {
	var nilData *sessionData
	if ok, _ := nilData.validate(time.Second, time.Minute); ok {
		t.Fatal("nil session data validated")
	}

	bad := &sessionData{ID: "x", Expires: time.Now().Add(time.Hour), Period: 0}
	if ok, _ := bad.validate(time.Second, time.Minute); ok {
		t.Fatal("zero period validated")
	}

	expired := &sessionData{ID: "x", Expires: time.Now().Add(-time.Second), Period: 10}
	if ok, _ := expired.validate(time.Second, time.Minute); ok {
		t.Fatal("expired session validated")
	}

	orig := time.Now().Add(2 * time.Second).Truncate(time.Second)
	soon := &sessionData{ID: "x", Expires: orig, Period: 10}
	ok, extended := soon.validate(30*time.Second, time.Minute)
	if !ok || !extended {
		t.Fatalf("validate: got (%v,%v) want (true,true)", ok, extended)
	}
	if !soon.Expires.After(orig) || soon.Period <= 10 {
		t.Fatalf("not extended: %+v", soon)
	}
}

func TestSessionData_ExtendTo_CapsAtMax(t *testing.T) {
	issuedAt := time.Now().Add(-time.Hour).Truncate(time.Second)
	expires := issuedAt.Add(time.Minute)
	sd := &sessionData{ID: "x", Expires: expires, Period: 60}
	sd.extendTo(expires.Add(MaxExtendedPeriod * 10))
	if sd.Expires.After(issuedAt.Add(MaxExtendedPeriod)) {
		t.Fatalf("Expires exceeds max: %v", sd.Expires)
	}
}

func TestSession_GetSetDeleteClear(t *testing.T) {
	s := &session{}
	var v string
	if err := s.Get("k", &v); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("empty get: %v", err)
	}
	if s.ID() != "" || !s.Expires().IsZero() {
		t.Fatal("empty session should have no id or expiry")
	}

	if err := s.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if s.ID() == "" || !s.dirty {
		t.Fatal("set should start a session")
	}
	if err := s.Get("k", &v); err != nil || v != "v1" {
		t.Fatalf("get: %v %q", err, v)
	}
	first := s.ID()

	s.Delete("k")
	if err := s.Get("k", &v); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("after delete: %v", err)
	}

	s.Clear()
	if s.ID() != "" {
		t.Fatal("clear should drop the id")
	}
	_ = s.Set("k", "v2")
	if s.ID() == first {
		t.Fatal("new session should get a fresh id")
	}

	var nilSess *session
	if err := nilSess.Set("k", 1); !errors.Is(err, ErrNilSession) {
		t.Fatalf("nil set: %v", err)
	}
}

func newTestProcessor(t *testing.T) *SessionProcessor {
	t.Helper()
	p, err := NewSessionProcessor("k1", testKeys(), WithCookieOptions(WithSecure(false)))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSessionProcessor_PersistsAcrossRequests(t *testing.T) {
	p := newTestProcessor(t)

	set := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		if err := sess.Set("user", "https://alice.example"); err != nil {
			return nil, err
		}
		return &endpoint.NoContentRenderer{}, nil
	}, p)
	var got string
	get := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		if err := sess.Get("user", &got); err != nil {
			return nil, endpoint.Error(http.StatusNotFound, "", err)
		}
		return &endpoint.NoContentRenderer{}, nil
	}, p)

	rec := httptest.NewRecorder()
	set(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultCookieName {
		t.Fatalf("expected session cookie, got %v", cookies)
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookies[0])
	get(rec2, req2)
	if rec2.Code != http.StatusNoContent || got != "https://alice.example" {
		t.Fatalf("get: status %d value %q", rec2.Code, got)
	}
	if len(rec2.Result().Cookies()) != 0 {
		t.Fatal("unchanged session should not rewrite the cookie")
	}
}

func TestSessionProcessor_NoCookieWhenUntouched(t *testing.T) {
	p := newTestProcessor(t)
	h := endpoint.HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.NoContentRenderer{}, nil
	}, p)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("anonymous untouched session should not set a cookie")
	}
}

func TestSessionProcessor_ClearsInvalidCookie(t *testing.T) {
	p := newTestProcessor(t)
	h := endpoint.HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.NoContentRenderer{}, nil
	}, p)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "k1.garbage"})
	h(rec, req)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge != -1 {
		t.Fatalf("expected clearing cookie, got %v", cookies)
	}
}

func TestSessionProcessor_ClearRemovesCookie(t *testing.T) {
	p := newTestProcessor(t)
	set := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		_ = sess.Set("user", "x")
		return &endpoint.NoContentRenderer{}, nil
	}, p)
	logout := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		sess.Clear()
		return &endpoint.NoContentRenderer{}, nil
	}, p)

	rec := httptest.NewRecorder()
	set(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	c := rec.Result().Cookies()[0]

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/", nil)
	req2.AddCookie(c)
	logout(rec2, req2)
	cookies := rec2.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge != -1 {
		t.Fatalf("expected clearing cookie, got %v", cookies)
	}
}
