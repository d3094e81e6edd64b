package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HumansWindow/lastproject-sub014/internal/rpc"
)

// RootSource provides the commitment root FIRST proofs are verified
// against at enqueue time.
type RootSource interface {
	CurrentRoot(ctx context.Context) ([32]byte, error)
}

// CachedRootSource reads the root from the contract through the
// endpoint registry and caches it briefly. The contract re-verifies
// proofs at mint, so a slightly stale root can only cause an early
// rejection, never a wrong mint.
type CachedRootSource struct {
	registry *rpc.Registry
	adapter  Adapter
	network  string
	ttl      time.Duration

	mu        sync.Mutex
	root      [32]byte
	fetchedAt time.Time
}

func NewCachedRootSource(registry *rpc.Registry, adapter Adapter, network string, ttl time.Duration) *CachedRootSource {
	return &CachedRootSource{
		registry: registry,
		adapter:  adapter,
		network:  network,
		ttl:      ttl,
	}
}

func (s *CachedRootSource) CurrentRoot(ctx context.Context) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < s.ttl {
		return s.root, nil
	}

	ep, err := s.registry.Select(s.network)
	if err != nil {
		return [32]byte{}, fmt.Errorf("registry.Select: %w", err)
	}

	start := time.Now()
	root, err := s.adapter.GetCommitmentRoot(ctx, ep)
	if err != nil {
		s.registry.ReportOutcome(ep, false, 0)
		return [32]byte{}, fmt.Errorf("adapter.GetCommitmentRoot: %w", err)
	}
	s.registry.ReportOutcome(ep, true, time.Since(start))

	s.root = root
	s.fetchedAt = time.Now()
	return root, nil
}
