package middleware

import (
	"context"
	"sync"
	"time"
)

// localNonces is the in-process domain.NonceStore used when no shared store
// is configured. It only protects a single process.
type localNonces struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	swept time.Time
	now   func() time.Time
}

func newLocalNonces(now func() time.Time) *localNonces {
	return &localNonces{seen: make(map[string]time.Time), now: now}
}

func (n *localNonces) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now.Sub(n.swept) >= ttl {
		for k, exp := range n.seen {
			if !now.Before(exp) {
				delete(n.seen, k)
			}
		}
		n.swept = now
	}
	if exp, ok := n.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	n.seen[key] = now.Add(ttl)
	return true, nil
}
