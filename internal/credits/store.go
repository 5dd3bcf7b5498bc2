package credits

import (
	"context"
	"sync"

	"github.com/timmy/exposcan/internal/domain"
)

// Store persists ledger entries. Entries are never updated or deleted.
type Store interface {
	// Append stores entries whose IdempotencyKey is not yet present and
	// returns how many were written. Duplicate keys are skipped silently.
	Append(ctx context.Context, entries ...domain.CreditLedgerEntry) (int, error)
	// Entries returns a workspace's entries in append order.
	Entries(ctx context.Context, workspaceID string) ([]domain.CreditLedgerEntry, error)
}

// TierSource resolves a workspace's subscription tier.
type TierSource interface {
	Tier(ctx context.Context, workspaceID string) (domain.Tier, error)
}

// MemoryStore is an in-process Store, used by the CLI and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]domain.CreditLedgerEntry
	keys    map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]domain.CreditLedgerEntry),
		keys:    make(map[string]struct{}),
	}
}

func (s *MemoryStore) Append(_ context.Context, entries ...domain.CreditLedgerEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, e := range entries {
		if e.IdempotencyKey != "" {
			if _, dup := s.keys[e.IdempotencyKey]; dup {
				continue
			}
			s.keys[e.IdempotencyKey] = struct{}{}
		}
		s.entries[e.WorkspaceID] = append(s.entries[e.WorkspaceID], e)
		written++
	}
	return written, nil
}

func (s *MemoryStore) Entries(_ context.Context, workspaceID string) ([]domain.CreditLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.CreditLedgerEntry, len(s.entries[workspaceID]))
	copy(out, s.entries[workspaceID])
	return out, nil
}

// StaticTiers maps workspaces to tiers; unknown workspaces get Default.
type StaticTiers struct {
	Default domain.Tier
	Tiers   map[string]domain.Tier
}

func (s StaticTiers) Tier(_ context.Context, workspaceID string) (domain.Tier, error) {
	if t, ok := s.Tiers[workspaceID]; ok {
		return t, nil
	}
	if s.Default == "" {
		return domain.TierFree, nil
	}
	return s.Default, nil
}
