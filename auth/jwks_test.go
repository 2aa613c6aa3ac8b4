package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksServer serves a mutable key set and can be flipped into failure mode.
type jwksServer struct {
	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	failing bool
	fetches int
	server  *httptest.Server
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: map[string]*rsa.PublicKey{}}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.fetches++
		if s.failing {
			http.Error(w, "upstream broken", http.StatusInternalServerError)
			return
		}
		type jwk struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		}
		doc := struct {
			Keys []jwk `json:"keys"`
		}{}
		for kid, pub := range s.keys {
			doc.Keys = append(doc.Keys, jwk{
				Kty: "RSA",
				Kid: kid,
				Use: "sig",
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			})
		}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *jwksServer) setKey(kid string, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = map[string]*rsa.PublicKey{kid: pub}
}

func (s *jwksServer) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *jwksServer) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestKeyLookupFetchesOnFirstUse(t *testing.T) {
	key := generateKey(t)
	server := newJWKSServer(t)
	server.setKey("kid-1", &key.PublicKey)

	cache := NewJWKSCache(server.server.URL, time.Hour, nil)
	got, err := cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, 0, key.PublicKey.N.Cmp(got.N))
	assert.Equal(t, 1, server.fetchCount())

	// A fresh cache serves repeated lookups without refetching.
	_, err = cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, server.fetchCount())
}

func TestKeyIDMissForcesRefresh(t *testing.T) {
	oldKey := generateKey(t)
	newKey := generateKey(t)
	server := newJWKSServer(t)
	server.setKey("kid-1", &oldKey.PublicKey)

	cache := NewJWKSCache(server.server.URL, time.Hour, nil)
	_, err := cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)

	// Rotate the provider's key, then ask for the new kid while the cache
	// is still fresh: the miss must force a refresh.
	server.setKey("kid-2", &newKey.PublicKey)
	got, err := cache.Key(context.Background(), "kid-2")
	require.NoError(t, err)
	assert.Equal(t, 0, newKey.PublicKey.N.Cmp(got.N))
	assert.Equal(t, 2, server.fetchCount())
}

func TestFetchFailureServesStaleSet(t *testing.T) {
	key := generateKey(t)
	server := newJWKSServer(t)
	server.setKey("kid-1", &key.PublicKey)

	cache := NewJWKSCache(server.server.URL, time.Nanosecond, nil)
	_, err := cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)

	server.setFailing(true)
	time.Sleep(time.Millisecond)

	// Known kid still resolves from the stale set.
	got, err := cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, 0, key.PublicKey.N.Cmp(got.N))

	// Unknown kid against the stale set is rejected, not served.
	_, err = cache.Key(context.Background(), "kid-2")
	var unknown *UnknownKeyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "kid-2", unknown.KeyID)
}

func TestNeverFetchedFailureIsUnavailable(t *testing.T) {
	server := newJWKSServer(t)
	server.setFailing(true)

	cache := NewJWKSCache(server.server.URL, time.Hour, nil)
	_, err := cache.Key(context.Background(), "kid-1")
	require.ErrorIs(t, err, ErrJWKSUnavailable)
}

func TestUnknownKidAfterRefresh(t *testing.T) {
	key := generateKey(t)
	server := newJWKSServer(t)
	server.setKey("kid-1", &key.PublicKey)

	cache := NewJWKSCache(server.server.URL, time.Hour, nil)
	_, err := cache.Key(context.Background(), "kid-9")
	var unknown *UnknownKeyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "kid-9", unknown.KeyID)
}
