package indieauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// stateLength is the number of random bytes in a state value.
// 32 bytes gives 256 bits of entropy.
const stateLength = 32

// GenerateState returns a random, URL-safe anti-forgery state value.
func GenerateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateState reports whether received matches expected, in constant time.
// An empty expected value never validates.
func ValidateState(expected, received string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}
