package store

import "sync"

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	data, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := decode(key, data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) Put(key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}
