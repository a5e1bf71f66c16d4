package ocppnet

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Credentials are what a connecting node presented on the handshake.
type Credentials struct {
	NodeID     NodeID
	Username   string
	Password   string
	RemoteAddr string
}

// Authenticator accepts or rejects a connecting node.
type Authenticator interface {
	Validate(ctx context.Context, c Credentials) bool
}

// AllowAll accepts every connection.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, Credentials) bool { return true }

// BasicAuthenticator checks HTTP Basic credentials against bcrypt hashes
// keyed by username. OCPP security profile 1 uses the station id as the
// username, so by default the username must also equal the node id from
// the URL.
type BasicAuthenticator struct {
	mu     sync.RWMutex
	hashes map[string][]byte

	// AllowForeignUsername accepts a username that differs from the node id.
	AllowForeignUsername bool
}

func NewBasicAuthenticator() *BasicAuthenticator {
	return &BasicAuthenticator{hashes: make(map[string][]byte)}
}

// SetPassword stores a bcrypt hash of password for username.
func (a *BasicAuthenticator) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", username, err)
	}
	a.SetHash(username, hash)
	return nil
}

// SetHash stores a precomputed bcrypt hash, e.g. one loaded from config.
func (a *BasicAuthenticator) SetHash(username string, hash []byte) {
	a.mu.Lock()
	a.hashes[username] = hash
	a.mu.Unlock()
}

func (a *BasicAuthenticator) Remove(username string) {
	a.mu.Lock()
	delete(a.hashes, username)
	a.mu.Unlock()
}

func (a *BasicAuthenticator) Validate(_ context.Context, c Credentials) bool {
	if c.Username == "" {
		return false
	}
	if !a.AllowForeignUsername && NodeID(c.Username) != c.NodeID {
		return false
	}
	a.mu.RLock()
	hash, ok := a.hashes[c.Username]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(c.Password)) == nil
}
