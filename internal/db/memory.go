package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chefcloud/posync/internal/models"
)

// MemoryStore is a Store that keeps records in process memory. It is used
// when no database can be opened; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]models.Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]models.Record)}
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), rec.Value...), true, nil
}

func (s *MemoryStore) Put(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.records[namespace]
	if !ok {
		ns = make(map[string]models.Record)
		s.records[namespace] = ns
	}
	ns[key] = models.Record{
		Namespace: namespace,
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: time.Now().UnixMilli(),
	}
	return nil
}

func (s *MemoryStore) PutMany(ctx context.Context, namespace string, values map[string][]byte) error {
	for key, value := range values {
		if err := s.Put(ctx, namespace, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.records[namespace], key)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, namespace string) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Record, 0, len(s.records[namespace]))
	for _, rec := range s.records[namespace] {
		rec.Value = append([]byte(nil), rec.Value...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, namespace)
	return nil
}

func (s *MemoryStore) Durable() bool {
	return false
}

func (s *MemoryStore) Close() error {
	return nil
}
