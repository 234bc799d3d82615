package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps API keys in memory, indexed by their hash.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*Subject
}

// NewMemoryStore initialises the store with the provided keys.
func NewMemoryStore(keys []Key) (*MemoryStore, error) {
	store := &MemoryStore{byHash: make(map[string]*Subject)}
	for _, key := range keys {
		if err := store.Add(key); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Add registers a key. Duplicate key hashes are rejected.
func (s *MemoryStore) Add(key Key) error {
	if strings.TrimSpace(key.ID) == "" {
		return errors.New("api key id must not be empty")
	}
	hash := strings.ToLower(strings.TrimSpace(key.SecretHash))
	if hash == "" {
		if strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("api key %s has neither secret nor secret hash", key.ID)
		}
		hash = HashKey(key.Secret)
	}
	subject := &Subject{
		ID:          key.ID,
		Name:        key.Name,
		Permissions: dedupeStrings(key.Permissions),
		Disabled:    key.Disabled,
	}
	subject.normalise()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[hash]; exists {
		return fmt.Errorf("api key %s duplicates an existing key", key.ID)
	}
	s.byHash[hash] = subject
	return nil
}

// FindByKeyHash implements Store.
func (s *MemoryStore) FindByKeyHash(_ context.Context, keyHash string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.byHash[strings.ToLower(keyHash)]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject.Clone(), nil
}

func dedupeStrings(values []string) []string {
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
