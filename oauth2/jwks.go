package oauth2

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const maxJWKSSize = 1 << 20

type cachedKey struct {
	key       *rsa.PublicKey
	alg       string
	expiresAt time.Time
}

// JWKSCache holds the RSA verification keys published at a JWKS endpoint. Keys are fetched on a
// miss or after they expire; concurrent misses share one fetch.
type JWKSCache struct {
	url     string
	client  *http.Client
	ttl     time.Duration
	maxSize int
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	keys    map[string]cachedKey
	group   singleflight.Group
	fetches atomic.Int64
}

// NewJWKSCache creates a cache for the endpoint at url.
func NewJWKSCache(url string, cfg CacheConfig, opts ...Option) *JWKSCache {
	o := newOptions(opts)
	if cfg.JWKSFetchTimeout <= 0 {
		cfg.JWKSFetchTimeout = 10 * time.Second
	}
	return &JWKSCache{
		url:     url,
		client:  o.client,
		ttl:     cfg.JWKSTTL,
		maxSize: cfg.JWKSMaxSize,
		timeout: cfg.JWKSFetchTimeout,
		logger:  o.logger.With(slog.String("component", "jwks")),
		now:     o.now,
		keys:    make(map[string]cachedKey),
	}
}

// Key returns the key with the given kid, fetching the key set if it is not cached.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, string, error) {
	if k, ok := c.lookup(kid); ok {
		return k.key, k.alg, nil
	}

	_, err, _ := c.group.Do(c.url, func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return nil, "", err
	}

	if k, ok := c.lookup(kid); ok {
		return k.key, k.alg, nil
	}
	return nil, "", newError(ErrorUnknownKey, fmt.Sprintf("no key with kid %q", kid), nil)
}

// Fetches is the number of JWKS documents fetched so far.
func (c *JWKSCache) Fetches() int64 { return c.fetches.Load() }

// Len is the number of cached keys, expired ones included.
func (c *JWKSCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func (c *JWKSCache) lookup(kid string) (cachedKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.keys[kid]
	if !ok {
		return cachedKey{}, false
	}
	if !c.now().Before(k.expiresAt) {
		delete(c.keys, kid)
		return cachedKey{}, false
	}
	return k, true
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	body, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	keys, err := parseJWKS(body)
	if err != nil {
		return err
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for kid, k := range c.keys {
		if !now.Before(k.expiresAt) {
			delete(c.keys, kid)
		}
	}
	for _, k := range keys {
		if _, ok := c.keys[k.kid]; !ok && len(c.keys) >= c.maxSize {
			c.evictOldest()
		}
		c.keys[k.kid] = cachedKey{key: k.key, alg: k.alg, expiresAt: now.Add(c.ttl)}
	}
	c.logger.Debug("installed jwks keys", slog.Int("keys", len(keys)), slog.Int("cached", len(c.keys)))
	return nil
}

// evictOldest drops the key closest to expiry. Callers hold mu.
func (c *JWKSCache) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for kid, k := range c.keys {
		if oldest == "" || k.expiresAt.Before(at) {
			oldest, at = kid, k.expiresAt
		}
	}
	delete(c.keys, oldest)
}

func (c *JWKSCache) fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, newError(ErrorJWKSFetch, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	c.fetches.Add(1)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, newError(ErrorJWKSFetch, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(ErrorJWKSFetch, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return nil, newError(ErrorJWKSFetch, "failed to read body", err)
	}
	return body, nil
}

type jwk struct {
	kid string
	alg string
	key *rsa.PublicKey
}

// parseJWKS extracts the RSA signing keys of a JWKS document. Keys of other types or uses are
// skipped.
func parseJWKS(body []byte) ([]jwk, error) {
	if !gjson.ValidBytes(body) {
		return nil, newError(ErrorJWKSParse, "invalid json", nil)
	}
	set := gjson.GetBytes(body, "keys")
	if !set.IsArray() {
		return nil, newError(ErrorJWKSParse, "missing keys array", nil)
	}

	var (
		keys     []jwk
		parseErr error
	)
	set.ForEach(func(_, v gjson.Result) bool {
		if v.Get("kty").String() != "RSA" {
			return true
		}
		if use := v.Get("use").String(); use != "" && use != "sig" {
			return true
		}
		kid := v.Get("kid").String()
		if kid == "" {
			return true
		}
		key, err := rsaKey(v.Get("n").String(), v.Get("e").String())
		if err != nil {
			parseErr = newError(ErrorJWKSParse, fmt.Sprintf("key %q", kid), err)
			return false
		}
		keys = append(keys, jwk{kid: kid, alg: v.Get("alg").String(), key: key})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return keys, nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, fmt.Errorf("invalid rsa parameters")
	}
	exp := new(big.Int).SetBytes(eb)
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}

// EncodeJWK renders pub as a JWKS entry.
func EncodeJWK(kid, alg string, pub *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"use": "sig",
		"kid": kid,
		"alg": alg,
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
