package storage

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Store holds the entries of one bucket of one region.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key, overwriting any existing value
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// List returns all keys in the store in no particular order
	List() []string

	// Stats returns the entry count and value bytes held by the store
	Stats() StoreStats

	// Drop discards every entry and releases the store
	Drop() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// Add returns the sum of two stats
func (s StoreStats) Add(o StoreStats) StoreStats {
	return StoreStats{Keys: s.Keys + o.Keys, Bytes: s.Bytes + o.Bytes}
}

// MemoryStore implements Store with in-memory storage.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu     sync.RWMutex      // Protects concurrent access
	data   map[string][]byte // Key-value storage
	bytes  int               // Running total of value sizes
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the stored value
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of value under key
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	if old, ok := m.data[key]; ok {
		m.bytes -= len(old)
	}
	m.data[key] = stored
	m.bytes += len(stored)

	return nil
}

// Delete removes a key-value pair (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if old, ok := m.data[key]; ok {
		m.bytes -= len(old)
		delete(m.data, key)
	}
	return nil
}

// List returns a copy of the keys
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Keys:  len(m.data),
		Bytes: m.bytes,
	}
}

// Drop clears the store. Further writes fail with ErrClosed.
func (m *MemoryStore) Drop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string][]byte)
	m.bytes = 0
	m.closed = true
	return nil
}
