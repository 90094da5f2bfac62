package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-process object store for local runs without a bucket.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	deletes []string
}

type memoryObject struct {
	size        int64
	contentType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Put records an object of size bytes.
func (m *MemoryStore) Put(key string, size int64, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{size: size, contentType: contentType}
}

func (m *MemoryStore) HeadObject(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return &ObjectInfo{ContentLength: obj.size, ContentType: obj.contentType}, nil
}

func (m *MemoryStore) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deletes = append(m.deletes, key)
	return nil
}

// Deletes lists every key passed to DeleteObject, in order.
func (m *MemoryStore) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

// Exists reports whether key is currently stored.
func (m *MemoryStore) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
