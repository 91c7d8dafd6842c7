package authserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// S256Challenge derives the S256 code challenge of verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateVerifier checks the length and alphabet RFC 7636 requires of a code verifier.
func ValidateVerifier(verifier string) error {
	if n := len(verifier); n < 43 || n > 128 {
		return fmt.Errorf("code verifier must be 43 to 128 characters, got %d", n)
	}
	for _, r := range verifier {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_' || r == '~':
		default:
			return fmt.Errorf("code verifier contains %q", r)
		}
	}
	return nil
}

// VerifyPKCE reports whether verifier answers challenge under method.
func VerifyPKCE(method, challenge, verifier string) bool {
	if ValidateVerifier(verifier) != nil {
		return false
	}
	var derived string
	switch method {
	case MethodS256:
		derived = S256Challenge(verifier)
	case MethodPlain:
		derived = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
