// Package nonce issues and consumes the single-use nonces of the admin
// registration endpoint.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/hghs/internal/clock"
)

// Store remembers issued nonces until they are consumed or expire.
type Store interface {
	Issue(ctx context.Context, nonce string, ttl time.Duration) error

	// Consume reports whether nonce was issued, unexpired and not yet
	// consumed, and marks it consumed in the same step.
	Consume(ctx context.Context, nonce string) (bool, error)
}

// Generate returns 32 random hex characters.
func Generate() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MemoryStore keeps nonces in a map. Expired entries are swept on Issue.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{clock: clk, expires: make(map[string]time.Time)}
}

func (s *MemoryStore) Issue(_ context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for n, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, n)
		}
	}
	if _, ok := s.expires[nonce]; ok {
		return fmt.Errorf("nonce already issued")
	}
	s.expires[nonce] = now.Add(ttl)
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[nonce]
	if !ok {
		return false, nil
	}
	delete(s.expires, nonce)
	return s.clock.Now().Before(exp), nil
}
