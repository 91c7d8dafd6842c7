package authserver

import (
	"slices"
	"sync"
	"time"
)

// Client is a registered OAuth2 client.
type Client struct {
	ID string
	// Secret is empty for public clients, which must rely on PKCE alone.
	Secret       string
	RedirectURIs []string
	// Scopes limits what the client may request. Empty allows any scope.
	Scopes []string
}

func (c *Client) allowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

func (c *Client) allowsScopes(scopes []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

type authorizationCode struct {
	clientID            string
	redirectURI         string
	subject             string
	scopes              []string
	codeChallenge       string
	codeChallengeMethod string
	expiresAt           time.Time
}

// codeStore holds issued authorization codes until they are redeemed or expire.
type codeStore struct {
	mu    sync.Mutex
	codes map[string]authorizationCode
	now   func() time.Time
}

func newCodeStore(now func() time.Time) *codeStore {
	return &codeStore{codes: make(map[string]authorizationCode), now: now}
}

func (s *codeStore) put(code string, ac authorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = ac
}

// take removes and returns code. Codes are single use whether or not redemption succeeds.
func (s *codeStore) take(code string) (authorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.codes[code]
	if !ok {
		return authorizationCode{}, false
	}
	delete(s.codes, code)
	if !s.now().Before(ac.expiresAt) {
		return authorizationCode{}, false
	}
	return ac, true
}

func (s *codeStore) sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for code, ac := range s.codes {
		if !now.Before(ac.expiresAt) {
			delete(s.codes, code)
			n++
		}
	}
	return n
}

func (s *codeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}
