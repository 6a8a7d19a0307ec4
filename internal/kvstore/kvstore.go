// Package kvstore provides the device's persistent key/value store: small
// typed values grouped into namespaces, the way embedded NVS partitions hold
// boot counters and configuration blobs.
//
// Two implementations exist: SQLite (production, survives restarts) and
// Memory (tests). Values are typed at write time; reading a key back with a
// different type fails with ErrTypeMismatch rather than reinterpreting bytes.
package kvstore

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when the namespace/key pair has no value.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrTypeMismatch is returned when a key holds a value of another type.
	ErrTypeMismatch = errors.New("kvstore: type mismatch")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kvstore: store closed")
)

// Store is the namespaced typed key/value surface consumed by the OTA boot
// record, the transition config, the error log, and builtin command state.
type Store interface {
	SetU8(namespace, key string, value uint8) error
	GetU8(namespace, key string) (uint8, error)
	SetU32(namespace, key string, value uint32) error
	GetU32(namespace, key string) (uint32, error)
	SetBlob(namespace, key string, value []byte) error
	GetBlob(namespace, key string) ([]byte, error)
	Delete(namespace, key string) error
	EraseNamespace(namespace string) error
	Close() error
}

const (
	kindU8   = "u8"
	kindU32  = "u32"
	kindBlob = "blob"
)

type memEntry struct {
	kind string
	num  uint32
	blob []byte
}

// Memory returns an in-memory Store for tests. Safe for concurrent use.
func Memory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// MemoryStore is a map-backed Store. It forgets everything on process exit.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	closed  bool
}

func memKey(namespace, key string) string { return namespace + "\x00" + key }

func (m *MemoryStore) set(namespace, key string, e memEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[memKey(namespace, key)] = e
	return nil
}

func (m *MemoryStore) get(namespace, key, kind string) (memEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return memEntry{}, ErrClosed
	}
	e, ok := m.entries[memKey(namespace, key)]
	if !ok {
		return memEntry{}, ErrNotFound
	}
	if e.kind != kind {
		return memEntry{}, ErrTypeMismatch
	}
	return e, nil
}

func (m *MemoryStore) SetU8(namespace, key string, value uint8) error {
	return m.set(namespace, key, memEntry{kind: kindU8, num: uint32(value)})
}

func (m *MemoryStore) GetU8(namespace, key string) (uint8, error) {
	e, err := m.get(namespace, key, kindU8)
	if err != nil {
		return 0, err
	}
	return uint8(e.num), nil
}

func (m *MemoryStore) SetU32(namespace, key string, value uint32) error {
	return m.set(namespace, key, memEntry{kind: kindU32, num: value})
}

func (m *MemoryStore) GetU32(namespace, key string) (uint32, error) {
	e, err := m.get(namespace, key, kindU32)
	if err != nil {
		return 0, err
	}
	return e.num, nil
}

func (m *MemoryStore) SetBlob(namespace, key string, value []byte) error {
	blob := make([]byte, len(value))
	copy(blob, value)
	return m.set(namespace, key, memEntry{kind: kindBlob, blob: blob})
}

func (m *MemoryStore) GetBlob(namespace, key string) ([]byte, error) {
	e, err := m.get(namespace, key, kindBlob)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, len(e.blob))
	copy(blob, e.blob)
	return blob, nil
}

func (m *MemoryStore) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, memKey(namespace, key))
	return nil
}

func (m *MemoryStore) EraseNamespace(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prefix := namespace + "\x00"
	for k := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
