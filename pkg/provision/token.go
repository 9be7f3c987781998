package provision

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// TokenManager issues the per-instance bootstrap tokens workers present on
// the control channel. One token is minted per instance lifetime and revoked
// when the instance terminates, so a recycled provider address can never
// replay a dead instance's credential.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> instance id
}

// NewTokenManager creates an empty token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]string),
	}
}

// Issue mints a fresh token bound to the instance
func (tm *TokenManager) Issue(instanceID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate bootstrap token: %w", err)
	}
	token := hex.EncodeToString(buf)

	tm.mu.Lock()
	tm.tokens[token] = instanceID
	tm.mu.Unlock()
	return token, nil
}

// Lookup resolves a presented token to the instance it was issued for
func (tm *TokenManager) Lookup(token string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	id, ok := tm.tokens[token]
	return id, ok
}

// Revoke invalidates every token issued to an instance. Revoking an unknown
// instance is a no-op.
func (tm *TokenManager) Revoke(instanceID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for token, id := range tm.tokens {
		if id == instanceID {
			delete(tm.tokens, token)
		}
	}
}

// Active returns the number of live tokens
func (tm *TokenManager) Active() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.tokens)
}
