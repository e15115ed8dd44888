package memory

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

const defaultLeaseShards = 16

// LeaseStore keeps leases in mutex-guarded shards selected by an xxh3 hash of
// the item id.
type LeaseStore struct {
	shards []*leaseShard
}

type leaseShard struct {
	mu     sync.Mutex
	leases map[string]crawler.Lease
}

// NewLeaseStore constructs a LeaseStore with n shards (16 when n <= 0).
func NewLeaseStore(n int) *LeaseStore {
	if n <= 0 {
		n = defaultLeaseShards
	}
	shards := make([]*leaseShard, n)
	for i := range shards {
		shards[i] = &leaseShard{leases: make(map[string]crawler.Lease)}
	}
	return &LeaseStore{shards: shards}
}

func (s *LeaseStore) shard(itemID string) *leaseShard {
	return s.shards[xxh3.HashString(itemID)%uint64(len(s.shards))]
}

// TryAcquire stores lease unless a live lease exists for its item.
func (s *LeaseStore) TryAcquire(_ context.Context, lease crawler.Lease, now time.Time) (crawler.Lease, bool, error) {
	sh := s.shard(lease.ItemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if current, ok := sh.leases[lease.ItemID]; ok && !current.Expired(now) {
		return current, false, nil
	}
	sh.leases[lease.ItemID] = lease
	return lease, true, nil
}

// Extend pushes ExpiresAt forward for the matching live lease.
func (s *LeaseStore) Extend(_ context.Context, itemID, token string, expiresAt, now time.Time) (crawler.Lease, error) {
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.leases[itemID]
	if !ok || current.Token != token || current.Expired(now) {
		return crawler.Lease{}, crawler.ErrExpired
	}
	if expiresAt.After(current.ExpiresAt) {
		current.ExpiresAt = expiresAt
	}
	sh.leases[itemID] = current
	return current, nil
}

// Delete removes the lease when token matches.
func (s *LeaseStore) Delete(_ context.Context, itemID, token string) error {
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if current, ok := sh.leases[itemID]; ok && current.Token == token {
		delete(sh.leases, itemID)
	}
	return nil
}

// Get returns the stored lease for itemID, live or not.
func (s *LeaseStore) Get(_ context.Context, itemID string) (crawler.Lease, error) {
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.leases[itemID]
	if !ok {
		return crawler.Lease{}, crawler.ErrNotFound
	}
	return current, nil
}
