// Package store resolves per-assistant upstream credentials for the relay.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when an assistant has no stored credential.
var ErrNotFound = errors.New("store: assistant credential not found")

// Store looks up the upstream API key configured for an assistant.
type Store interface {
	APIKey(ctx context.Context, assistantID string) (string, error)
}

// Memory is an in-process Store, used by tests and single-tenant deployments.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewMemory returns a Memory store seeded with keys.
func NewMemory(keys map[string]string) *Memory {
	m := &Memory{keys: make(map[string]string, len(keys))}
	for id, k := range keys {
		m.keys[id] = k
	}
	return m
}

func (m *Memory) APIKey(_ context.Context, assistantID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[assistantID]
	if !ok || k == "" {
		return "", ErrNotFound
	}
	return k, nil
}

// Set stores or replaces the key for assistantID.
func (m *Memory) Set(assistantID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[assistantID] = key
}
