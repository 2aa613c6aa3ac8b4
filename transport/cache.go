package transport

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SessionCache holds one reusable session per host. Sessions are constructed
// lazily on first use and never mutated after creation; Close invalidates a
// host's entry so the next caller reconnects.
type SessionCache struct {
	dialer   Dialer
	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessionCache returns an empty cache backed by the given dialer.
func NewSessionCache(dialer Dialer) *SessionCache {
	return &SessionCache{
		dialer:   dialer,
		sessions: make(map[string]Session),
	}
}

// GetSession returns the cached session for the host, dialing one if absent.
// Dialing may block; callers are expected to already be on a scheduler
// worker rather than the request path.
func (c *SessionCache) GetSession(ctx context.Context, hostname string) (Session, error) {
	c.mu.Lock()
	if session, ok := c.sessions[hostname]; ok {
		c.mu.Unlock()
		return session, nil
	}
	c.mu.Unlock()

	// Dial outside the cache lock so a slow host cannot stall the fleet.
	session, err := c.dialer.Dial(ctx, hostname)
	if err != nil {
		return nil, &TransportError{Host: hostname, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessions[hostname]; ok {
		// Lost the race; keep the first session.
		session.Close()
		return existing, nil
	}
	c.sessions[hostname] = session

	log.WithField("hostname", hostname).Info("Transport session cached")
	return session, nil
}

// Close invalidates and closes the host's cached session, if any.
func (c *SessionCache) Close(hostname string) {
	c.mu.Lock()
	session, ok := c.sessions[hostname]
	delete(c.sessions, hostname)
	c.mu.Unlock()

	if ok {
		if err := session.Close(); err != nil {
			log.WithField("hostname", hostname).WithError(err).Warn("Failed to close transport session")
		}
		log.WithField("hostname", hostname).Info("Transport session invalidated")
	}
}

// CloseAll tears down every cached session, for shutdown.
func (c *SessionCache) CloseAll() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.mu.Unlock()

	for hostname, session := range sessions {
		if err := session.Close(); err != nil {
			log.WithField("hostname", hostname).WithError(err).Warn("Failed to close transport session")
		}
	}
}
