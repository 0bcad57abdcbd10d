package inventory

import (
	"context"
	"strings"
	"sync"

	"fulfillmentservice/internal/catalog"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps inventory in process memory. Every operation holds the
// store mutex, so reserve and restock are atomic per item.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	resolver NameResolver
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(resolver NameResolver) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		resolver: resolver,
	}
}

// find must be called with mu held.
func (s *MemoryStore) find(itemID string) *Record {
	if r, ok := s.records[itemID]; ok {
		return r
	}
	if s.resolver != nil {
		if r, ok := s.records[s.resolver.Resolve(itemID)]; ok {
			return r
		}
	}
	for id, r := range s.records {
		if strings.EqualFold(id, itemID) {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, itemID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(itemID)
	if r == nil {
		return Record{}, false, nil
	}
	return *r, true, nil
}

func (s *MemoryStore) Quantity(_ context.Context, itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.find(itemID); r != nil {
		return r.QuantityOnHand, nil
	}
	return 0, nil
}

func (s *MemoryStore) QuantitiesBatch(_ context.Context, itemIDs []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(itemIDs))
	for _, id := range itemIDs {
		if r := s.find(id); r != nil {
			out[id] = r.QuantityOnHand
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

func (s *MemoryStore) PricesBatch(_ context.Context, itemIDs []string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(itemIDs))
	for _, id := range itemIDs {
		if r := s.find(id); r != nil {
			out[id] = r.UnitPrice
		} else {
			out[id] = decimal.Zero
		}
	}
	return out, nil
}

func (s *MemoryStore) Reserve(_ context.Context, itemID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(itemID)
	if r == nil || r.QuantityOnHand < qty {
		return false, nil
	}
	r.QuantityOnHand -= qty
	return true, nil
}

func (s *MemoryStore) Restock(_ context.Context, itemID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(itemID)
	if r == nil {
		return false, nil
	}
	r.QuantityOnHand += qty
	return true, nil
}

func (s *MemoryStore) Seed(_ context.Context, items []catalog.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == 0 {
		for _, it := range items {
			s.records[it.ID] = &Record{ItemID: it.ID, QuantityOnHand: it.Quantity, UnitPrice: it.Price}
		}
		return nil
	}

	for _, it := range items {
		if r, ok := s.records[it.ID]; ok && r.UnitPrice.IsZero() {
			r.UnitPrice = it.Price
		}
	}
	return nil
}
