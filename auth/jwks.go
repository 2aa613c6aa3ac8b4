// Package auth implements the authentication core: OIDC discovery, a JWKS
// cache with rotation-aware refresh, bearer token validation, role to
// permission mapping, and HMAC-signed session cookies.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrJWKSUnavailable is returned when no key set was ever fetched and the
// fetch path is failing. Handlers map it to service-unavailable.
var ErrJWKSUnavailable = errors.New("JWKS unavailable: no key set obtained yet")

// UnknownKeyError reports a token signed with a key ID absent from the
// current key set, even after a forced refresh.
type UnknownKeyError struct {
	KeyID string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown signing key %q", e.KeyID)
}

// JWKSCache holds the issuer's current signing keys. Lookups against a fresh
// cache are lock-cheap; a key-ID miss forces a refresh so rotated keys are
// picked up without waiting for the TTL. Fetch failures fall back to the last
// known good set rather than the empty set. Concurrent refreshes share one
// in-flight fetch.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSCache builds a cache over the given JWKS endpoint. A nil client
// uses a default with a bounded timeout.
func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWKSCache{url: url, ttl: ttl, client: client}
}

// Key resolves a signing key by ID. Expired caches refresh first; a miss on
// a fresh cache forces a refresh before giving up.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := c.keys != nil && time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.keys == nil {
			return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
		}
		// Stale-on-error: serve the last known good set.
		log.WithField("error", err.Error()).Warn("⚠️ JWKS refresh failed, serving stale key set")
		if key, ok := c.keys[kid]; ok {
			return key, nil
		}
		return nil, &UnknownKeyError{KeyID: kid}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, &UnknownKeyError{KeyID: kid}
}

// refresh fetches the key set once for all concurrent callers.
func (c *JWKSCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (interface{}, error) {
		keys, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		log.WithFields(log.Fields{
			"url":  c.url,
			"keys": len(keys),
		}).Debug("JWKS refreshed")
		return nil, nil
	})
	return err
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (c *JWKSCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			log.WithFields(log.Fields{
				"kid":   k.Kid,
				"error": err.Error(),
			}).Warn("Skipping unparseable JWKS key")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS document carries no usable RSA signing keys")
	}
	return keys, nil
}

func parseRSAKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
