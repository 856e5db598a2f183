package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps documents in process memory. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Item
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]Item)}
}

func (s *MemoryStore) Get(ctx context.Context, table, key string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.tables[table][key]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}
	return copyItem(item), nil
}

func (s *MemoryStore) List(ctx context.Context, table, prefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	for key, item := range s.tables[table] {
		if strings.HasPrefix(key, prefix) {
			items = append(items, copyItem(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s *MemoryStore) Apply(ctx context.Context, ops ...Op) error {
	if err := checkBatch(ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		current := s.tables[op.Table][op.Key].Version
		if !versionMatches(op, current) {
			return fmt.Errorf("%w: %s/%s expected %d, found %d", ErrConflict, op.Table, op.Key, op.ExpectVersion, current)
		}
	}

	for _, op := range ops {
		tbl, ok := s.tables[op.Table]
		if !ok {
			tbl = make(map[string]Item)
			s.tables[op.Table] = tbl
		}
		if op.Delete {
			delete(tbl, op.Key)
			continue
		}
		value := make([]byte, len(op.Value))
		copy(value, op.Value)
		tbl[op.Key] = Item{Key: op.Key, Value: value, Version: tbl[op.Key].Version + 1}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyItem(item Item) Item {
	value := make([]byte, len(item.Value))
	copy(value, item.Value)
	return Item{Key: item.Key, Value: value, Version: item.Version}
}
