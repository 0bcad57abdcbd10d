package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in process memory. Sessions are stored as
// JSON so a loaded session never aliases the caller's copy.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string][]byte
	markers  map[string]struct{}
	// index maps orders awaiting payment to their deadline.
	index map[Key]time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string][]byte),
		markers:  make(map[string]struct{}),
		index:    make(map[Key]time.Time),
	}
}

func (r *MemoryRepository) Load(_ context.Context, key Key) (*Session, error) {
	r.mu.Lock()
	data, ok := r.sessions[key.String()]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *MemoryRepository) Save(_ context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Key.String()] = data
	if st := s.State; st != nil && st.Status == StatusAwaitingPayment && !st.PaymentDeadline.IsZero() {
		r.index[s.Key] = st.PaymentDeadline
	} else {
		delete(r.index, s.Key)
	}
	return nil
}

func (r *MemoryRepository) claim(marker string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markers[marker]; ok {
		return false
	}
	r.markers[marker] = struct{}{}
	return true
}

func (r *MemoryRepository) release(marker string) {
	r.mu.Lock()
	delete(r.markers, marker)
	r.mu.Unlock()
}

func (r *MemoryRepository) ClaimSettlement(_ context.Context, key Key, txID string) (bool, error) {
	return r.claim("settlement:" + key.String() + ":" + txID), nil
}

func (r *MemoryRepository) ReleaseSettlement(_ context.Context, key Key, txID string) error {
	r.release("settlement:" + key.String() + ":" + txID)
	return nil
}

func (r *MemoryRepository) ClaimRestock(_ context.Context, key Key, orderID string, line int) (bool, error) {
	return r.claim(fmt.Sprintf("restock:%s:%s:%d", key, orderID, line)), nil
}

func (r *MemoryRepository) ReleaseRestock(_ context.Context, key Key, orderID string, line int) error {
	r.release(fmt.Sprintf("restock:%s:%s:%d", key, orderID, line))
	return nil
}

func (r *MemoryRepository) Overdue(_ context.Context, now time.Time, limit int) ([]Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []Key
	for key, deadline := range r.index {
		if !deadline.After(now) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := r.index[keys[i]], r.index[keys[j]]
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return keys[i].String() < keys[j].String()
	})

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (r *MemoryRepository) Unindex(_ context.Context, key Key) error {
	r.mu.Lock()
	delete(r.index, key)
	r.mu.Unlock()
	return nil
}
