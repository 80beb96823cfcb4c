package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	auction   *model.Auction
	bonds     map[common.Address]model.Bond
	keys      map[common.Hash]struct{}
	remaining *uint256.Int
	fills     []model.Fill
	balances  map[string]map[common.Address]*uint256.Int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bonds:    make(map[common.Address]model.Bond),
		keys:     make(map[common.Hash]struct{}),
		balances: make(map[string]map[common.Address]*uint256.Int),
	}
}

func (s *MemoryStore) GetAuction(_ context.Context) (model.Auction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.auction == nil {
		return model.Auction{}, false, nil
	}
	return s.auction.Clone(), true, nil
}

func (s *MemoryStore) PutAuction(_ context.Context, a model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	c := a.Clone()
	s.auction = &c
	return nil
}

func (s *MemoryStore) DeleteAuction(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auction = nil
	return nil
}

func (s *MemoryStore) GetBond(_ context.Context, holder common.Address) (model.Bond, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bonds[holder]
	if !ok {
		return model.Bond{}, false, nil
	}
	return b.Clone(), true, nil
}

func (s *MemoryStore) PutBond(_ context.Context, b model.Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bonds[b.Holder] = b.Clone()
	return nil
}

func (s *MemoryStore) DeleteBond(_ context.Context, holder common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bonds, holder)
	return nil
}

// ListBonds returns bonds ordered by holder address.
func (s *MemoryStore) ListBonds(_ context.Context) ([]model.Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bonds := make([]model.Bond, 0, len(s.bonds))
	for _, b := range s.bonds {
		bonds = append(bonds, b.Clone())
	}
	sort.Slice(bonds, func(i, j int) bool {
		return bytes.Compare(bonds[i].Holder.Bytes(), bonds[j].Holder.Bytes()) < 0
	})
	return bonds, nil
}

func (s *MemoryStore) ConsumeKey(_ context.Context, key common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.keys[key]; used {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) ReleaseKey(_ context.Context, key common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)
	return nil
}

func (s *MemoryStore) GetOfferingRemaining(_ context.Context) (*uint256.Int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.remaining == nil {
		return nil, false, nil
	}
	return s.remaining.Clone(), true, nil
}

func (s *MemoryStore) PutOfferingRemaining(_ context.Context, remaining *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remaining = remaining.Clone()
	return nil
}

func (s *MemoryStore) InsertFill(_ context.Context, f *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, cloneFill(*f))
	return nil
}

func (s *MemoryStore) DeleteFill(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.fills {
		if f.ID == id {
			s.fills = append(s.fills[:i], s.fills[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListFills(_ context.Context) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Fill, 0, len(s.fills))
	for _, f := range s.fills {
		out = append(out, cloneFill(f))
	}
	return out, nil
}

func (s *MemoryStore) ListFillsByBuyer(_ context.Context, buyer common.Address) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Fill
	for _, f := range s.fills {
		if f.Buyer == buyer {
			out = append(out, cloneFill(f))
		}
	}
	return out, nil
}

func cloneFill(f model.Fill) model.Fill {
	c := f
	if f.AmountOut != nil {
		c.AmountOut = f.AmountOut.Clone()
	}
	if f.AmountIn != nil {
		c.AmountIn = f.AmountIn.Clone()
	}
	if f.Price != nil {
		c.Price = f.Price.Clone()
	}
	return c
}

func (s *MemoryStore) LoadBalances(_ context.Context, ledger string) (map[common.Address]*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[common.Address]*uint256.Int, len(s.balances[ledger]))
	for addr, v := range s.balances[ledger] {
		out[addr] = v.Clone()
	}
	return out, nil
}

func (s *MemoryStore) PutBalances(_ context.Context, ledger string, changed map[common.Address]*uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book := s.balances[ledger]
	if book == nil {
		book = make(map[common.Address]*uint256.Int)
		s.balances[ledger] = book
	}
	for addr, v := range changed {
		book[addr] = v.Clone()
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
