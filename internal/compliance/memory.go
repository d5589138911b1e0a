package compliance

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used by tests and the simulate command.
type MemoryStore struct {
	mu    sync.RWMutex
	facts map[common.Address]Fact
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore seeds a store with facts.
func NewMemoryStore(facts ...Fact) *MemoryStore {
	s := &MemoryStore{facts: make(map[common.Address]Fact, len(facts))}
	for _, f := range facts {
		s.facts[f.Address] = f
	}
	return s
}

// Put replaces the fact for f.Address.
func (s *MemoryStore) Put(f Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[f.Address] = f
}

func (s *MemoryStore) GetProfile(_ context.Context, addr common.Address) (Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[addr]
	if !ok {
		return Fact{Address: addr}, nil
	}
	return f, nil
}

func (s *MemoryStore) ConsumeVolume(_ context.Context, addr common.Address, amount decimal.Decimal, at time.Time) error {
	s.update(addr, func(f Fact) Fact { return f.Consume(amount, at) })
	return nil
}

func (s *MemoryStore) ReleaseVolume(_ context.Context, addr common.Address, amount decimal.Decimal, at time.Time) error {
	s.update(addr, func(f Fact) Fact { return f.Release(amount, at) })
	return nil
}

func (s *MemoryStore) update(addr common.Address, fn func(Fact) Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[addr]
	if !ok {
		f = Fact{Address: addr}
	}
	s.facts[addr] = fn(f)
}
