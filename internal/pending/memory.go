package pending

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]PaymentInfo
}

// NewMemoryStore returns an in-process Store for tests and single-process
// runs without Redis.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string]PaymentInfo)}
}

func (s *memoryStore) Save(_ context.Context, info PaymentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[info.Token] = info
	return nil
}

func (s *memoryStore) Load(_ context.Context, token string) (*PaymentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.records[token]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (s *memoryStore) Clear(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, token)
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]PaymentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]PaymentInfo, 0, len(s.records))
	for _, info := range s.records {
		infos = append(infos, info)
	}
	return infos, nil
}
