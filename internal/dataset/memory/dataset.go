// Package memory provides in-memory result sinks for tests and local runs.
package memory

import (
	"context"
	"sync"
)

// Dataset is an append-only in-memory record sink.
type Dataset struct {
	mu      sync.RWMutex
	records []map[string]any
}

// NewDataset returns an empty Dataset.
func NewDataset() *Dataset {
	return &Dataset{}
}

// Push appends one record.
func (d *Dataset) Push(_ context.Context, record map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, record)
	return nil
}

// Records returns a copy of everything pushed so far.
func (d *Dataset) Records() []map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]map[string]any, len(d.records))
	copy(out, d.records)
	return out
}

// KeyValueStore is an in-memory named-artifact store.
type KeyValueStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewKeyValueStore returns an empty store.
func NewKeyValueStore() *KeyValueStore {
	return &KeyValueStore{values: make(map[string][]byte)}
}

// SetValue stores value under key, replacing any previous value.
func (s *KeyValueStore) SetValue(_ context.Context, key, _ string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Value returns the stored bytes for key, or nil.
func (s *KeyValueStore) Value(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}
