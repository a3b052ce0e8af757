package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// A session is an anonymous, cookie-held key/value scope. It exists before
// any sign-in so that in-flight authorization state has somewhere to live.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/indiepost/endpoint"
)

var (
	ErrNilSession  = errors.New("nil session")
	ErrKeyNotFound = errors.New("session key not found")
)

// SessionIDBytes is the number of random bytes used to generate a session ID.
//
// 16 bytes -> 22 chars raw URL base64.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = time.Hour * 24

// MaxExtendedPeriod bounds how long a session may live in total,
// even if continually extended.
const MaxExtendedPeriod = time.Hour * 24 * 90

// DefaultExtendThreshold is the remaining lifetime below which a session is extended.
const DefaultExtendThreshold = DefaultSessionPeriod / 4

// DefaultCookieName is the default name for the session cookie.
const DefaultCookieName = "IPS"

// Session is request-scoped session state.
type Session interface {
	// ID returns the session identifier, or "" if the session holds no data yet.
	ID() string
	// Expires returns the expiration time, or the zero time if the session holds no data.
	Expires() time.Time
	// Get unmarshals the value stored under key into dest, which must be a pointer.
	// It returns ErrKeyNotFound if key is absent.
	Get(key string, dest any) error
	// Set stores value under key, starting a new session if necessary.
	Set(key string, value any) error
	// Delete removes key. It is a no-op if key does not exist.
	Delete(key string)
	// Clear drops all session data. The next Set starts a session with a fresh ID.
	Clear()
}

// sessionData is the serializable session state.
type sessionData struct {
	ID      string    `cbor:"1,keyasint"`
	Expires time.Time `cbor:"2,keyasint"`
	// Period is the difference between the creation time and expiry time in seconds.
	Period int                        `cbor:"3,keyasint"`
	KV     map[string]cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

type session struct {
	data   *sessionData
	period time.Duration
	dirty  bool
}

func (s *session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

func (s *session) Get(key string, dest any) error {
	if s == nil {
		return ErrNilSession
	}
	if s.data == nil {
		return ErrKeyNotFound
	}
	raw, ok := s.data.KV[key]
	if !ok {
		return ErrKeyNotFound
	}
	return cbor.Unmarshal(raw, dest)
}

func (s *session) Set(key string, value any) error {
	if s == nil {
		return ErrNilSession
	}
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	if s.data == nil {
		sd, err := newSessionData(s.period)
		if err != nil {
			return err
		}
		s.data = sd
	}
	if s.data.KV == nil {
		s.data.KV = map[string]cbor.RawMessage{}
	}
	s.data.KV[key] = raw
	s.dirty = true
	return nil
}

func (s *session) Delete(key string) {
	if s == nil || s.data == nil {
		return
	}
	if _, ok := s.data.KV[key]; !ok {
		return
	}
	delete(s.data.KV, key)
	s.dirty = true
}

func (s *session) Clear() {
	if s == nil || s.data == nil {
		return
	}
	s.data = nil
	s.dirty = true
}

// newSessionData creates session data with a random ID expiring after period.
func newSessionData(period time.Duration) (*sessionData, error) {
	if period <= 0 {
		period = DefaultSessionPeriod
	}
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	// Truncating moves the creation time backwards, so the valid period starts in the past.
	now := time.Now().Truncate(time.Second)
	return &sessionData{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(period),
		Period:  int(period.Seconds()),
		KV:      map[string]cbor.RawMessage{},
	}, nil
}

// validate reports whether the session is valid now and, if less than
// extendThreshold remains, extends it to now+extendPeriod.
func (sd *sessionData) validate(extendThreshold, extendPeriod time.Duration) (ok bool, extended bool) {
	if sd == nil {
		return false, false
	}
	if sd.Period <= 0 || sd.Period > int(MaxExtendedPeriod.Seconds()) {
		return false, false
	}
	now := time.Now()
	if sd.Expires.IsZero() || !now.Before(sd.Expires) {
		return false, false
	}
	if extendThreshold <= 0 || extendPeriod < extendThreshold {
		return true, false
	}
	if sd.Expires.Sub(now) < extendThreshold {
		return true, sd.extendTo(now.Add(extendPeriod))
	}
	return true, false
}

// extendTo moves Expires forward to newExpires, capped at MaxExtendedPeriod
// after the original issue time. It reports whether Expires changed.
func (sd *sessionData) extendTo(newExpires time.Time) bool {
	if sd == nil || sd.Expires.IsZero() {
		return false
	}
	newExpires = newExpires.Truncate(time.Second)
	issuedAt := sd.Expires.Add(-time.Duration(sd.Period) * time.Second)
	if maxExpires := issuedAt.Add(MaxExtendedPeriod); newExpires.After(maxExpires) {
		newExpires = maxExpires
	}
	if !newExpires.After(sd.Expires) {
		return false
	}
	sd.Period += int(newExpires.Sub(sd.Expires).Seconds())
	sd.Expires = newExpires
	return true
}

type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor is an endpoint processor that loads the session cookie,
// revalidates it, and writes it back just before the response headers when changed.
type SessionProcessor struct {
	cookie          SecureCookie
	maxAge          time.Duration
	extendThreshold time.Duration
}

// SessionProcessorOption configures the SessionProcessor.
type SessionProcessorOption func(*sessionProcessorConfig)

type sessionProcessorConfig struct {
	cookieName      string
	cookieOptions   []SecureCookieOption
	maxAge          time.Duration
	extendThreshold time.Duration
}

// WithCookieName sets the name of the session cookie.
func WithCookieName(name string) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.cookieName = name }
}

// WithCookieOptions adds SecureCookieOptions to the session cookie.
func WithCookieOptions(opts ...SecureCookieOption) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithMaxAge sets the session lifetime.
func WithMaxAge(d time.Duration) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.maxAge = d }
}

// WithExtendThreshold sets the remaining lifetime below which sessions are extended.
func WithExtendThreshold(d time.Duration) SessionProcessorOption {
	return func(c *sessionProcessorConfig) { c.extendThreshold = d }
}

// NewSessionProcessor returns a SessionProcessor sealing sessions with keys[keyID].
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionProcessorOption) (*SessionProcessor, error) {
	cfg := sessionProcessorConfig{
		cookieName:      DefaultCookieName,
		maxAge:          DefaultSessionPeriod,
		extendThreshold: DefaultExtendThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cookie, err := NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{
		cookie:          cookie,
		maxAge:          cfg.maxAge,
		extendThreshold: cfg.extendThreshold,
	}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &session{period: p.maxAge}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var sd sessionData
		if err := p.cookie.Decode(c, &sd); err != nil {
			// Tampered or stale key: drop it.
			sess.dirty = true
		} else if ok, extended := sd.validate(p.extendThreshold, p.maxAge); !ok {
			sess.dirty = true
		} else {
			if sd.KV == nil {
				sd.KV = map[string]cbor.RawMessage{}
			}
			sess.data = &sd
			sess.dirty = extended
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.maybeSetCookie(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) maybeSetCookie(w http.ResponseWriter, sess *session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil || len(sess.data.KV) == 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(time.Until(sess.data.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	if c, err := p.cookie.Encode(*sess.data, maxAge); err == nil {
		http.SetCookie(w, c)
	}
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
