package objstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Client for tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject // bucket + "/" + key
}

type memObject struct {
	data     []byte
	modified time.Time
}

// NewMemory returns an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

// Put stores data under bucket/key with the current time.
func (m *Memory) Put(bucket, key string, data []byte) {
	m.PutAt(bucket, key, data, time.Now())
}

// PutAt stores data with an explicit last-modified time.
func (m *Memory) PutAt(bucket, key string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = memObject{data: append([]byte(nil), data...), modified: modified}
}

func (m *Memory) Fetch(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) List(_ context.Context, bucket, prefix string, max int, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		key      string
		modified time.Time
	}
	var entries []entry
	for name, obj := range m.objects {
		bkt, key, ok := strings.Cut(name, "/")
		if !ok || bkt != bucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		if !since.IsZero() && obj.modified.Before(since) {
			continue
		}
		entries = append(entries, entry{key: key, modified: obj.modified})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modified.Equal(entries[j].modified) {
			return entries[i].key < entries[j].key
		}
		return entries[i].modified.Before(entries[j].modified)
	})
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}
