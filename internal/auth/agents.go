// Package auth validates the credentials agents present in their Hello
// frame.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for unknown agents and wrong secrets.
var ErrUnauthorized = errors.New("unauthorized")

// Credential is the secret of one agent. Hash is a bcrypt hash and takes
// precedence over Secret.
type Credential struct {
	AgentID string
	Secret  string `json:"-"`
	Hash    string `json:"-"`
}

// Authenticator checks agent credentials. When not required, agents that
// have no configured credential are let in; configured ones must still
// present the right secret.
type Authenticator struct {
	mu       sync.RWMutex
	required bool
	creds    map[string]Credential
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator for the given credentials.
func NewAuthenticator(required bool, creds []Credential, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{logger: logger.With("component", "auth.Authenticator")}
	a.Update(required, creds)
	return a
}

// Update replaces the credential set, e.g. after a config reload.
func (a *Authenticator) Update(required bool, creds []Credential) {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		m[c.AgentID] = c
	}
	a.mu.Lock()
	a.required = required
	a.creds = m
	a.mu.Unlock()
	a.logger.Info("agent credentials loaded", "agents", len(m), "required", required)
}

// Validate checks the secret presented by agentID.
func (a *Authenticator) Validate(agentID, secret string) error {
	a.mu.RLock()
	c, ok := a.creds[agentID]
	required := a.required
	a.mu.RUnlock()

	if !ok {
		if required {
			return fmt.Errorf("%w: unknown agent %q", ErrUnauthorized, agentID)
		}
		return nil
	}

	if c.Hash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(secret)); err != nil {
			return fmt.Errorf("%w: bad secret for agent %q", ErrUnauthorized, agentID)
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
		return fmt.Errorf("%w: bad secret for agent %q", ErrUnauthorized, agentID)
	}
	return nil
}

// Agents returns the number of configured credentials.
func (a *Authenticator) Agents() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.creds)
}

// HashSecret returns the bcrypt hash to put in secret_hash.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(h), nil
}

// GenerateSecret returns a random hex secret for a new agent.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
