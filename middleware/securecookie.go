package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the amount of attacker-controlled data we will decode.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size in bytes for the default AEAD (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecureCookie seals values into cookies and opens them again.
type SecureCookie interface {
	// Name returns the cookie name used by this codec.
	Name() string
	Encode(plain any, maxAge int) (*http.Cookie, error)
	Decode(cookie *http.Cookie, v any) error
	// Clear returns an http.Cookie that clears this cookie in the client.
	Clear() *http.Cookie
}

// Sealer encrypts and authenticates cookie payloads with a rotating key set.
//
// Format: keyID "." base64url(nonce || ciphertext)
type Sealer struct {
	KeyID string
	Keys  map[string][]byte

	newAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSealer validates the key set and returns a Sealer that seals with keyID
// and opens with any key in keys.
func NewSealer(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Sealer, error) {
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return &Sealer{KeyID: keyID, Keys: keys, newAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (s *Sealer) Seal(plain, aad []byte) (string, error) {
	aead, err := s.newAEAD(s.Keys[s.KeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return s.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (s *Sealer) Open(value string, aad []byte) ([]byte, error) {
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := s.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SecureCookieOption configures a cookie created by NewSecureCookie.
type SecureCookieOption func(*secureCookie)

// WithAEAD configures a custom AEAD factory (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *secureCookie) { sc.newAEAD = f }
}

// WithPath configures the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(sc *secureCookie) { sc.path = path }
}

// WithSecure configures the cookie Secure flag.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *secureCookie) { sc.secure = secure }
}

// WithSameSite configures the cookie SameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *secureCookie) { sc.sameSite = sameSite }
}

type secureCookie struct {
	name     string
	path     string
	secure   bool
	sameSite http.SameSite
	newAEAD  func([]byte) (cipher.AEAD, error)
	sealer   *Sealer
}

// NewSecureCookie creates a SecureCookie that CBOR-encodes values and seals
// them with XChaCha20-Poly1305.
//
// Defaults: Path "/", HttpOnly, Secure, SameSite=Lax. SameSite=Lax keeps the
// cookie on the top-level GET redirect back from the authorization endpoint.
func NewSecureCookie(cookieName, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (SecureCookie, error) {
	sc := &secureCookie{
		name:     cookieName,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	sealer, err := NewSealer(keyID, keys, sc.newAEAD)
	if err != nil {
		return nil, err
	}
	sc.sealer = sealer
	return sc, nil
}

func (sc *secureCookie) Name() string {
	return sc.name
}

// aad binds the cookie name, path and secure flag to the sealed value.
func (sc *secureCookie) aad() []byte {
	flag := "f"
	if sc.secure {
		flag = "t"
	}
	return []byte(sc.name + ":" + sc.path + ":" + flag)
}

func (sc *secureCookie) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	b, err := cbor.Marshal(plain)
	if err != nil {
		return nil, err
	}
	val, err := sc.sealer.Seal(b, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

func (sc *secureCookie) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	b, err := sc.sealer.Open(cookie.Value, sc.aad())
	if err != nil {
		return err
	}
	return cbor.Unmarshal(b, v)
}

func (sc *secureCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}
