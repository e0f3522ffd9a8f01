package cache

import (
	"bytes"
	"context"
	"sync"
)

type key struct {
	scope, model, fingerprint string
}

// Memory is an in-process backend.
type Memory struct {
	mu      sync.RWMutex
	entries map[key][]byte
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[key][]byte)}
}

func (m *Memory) Get(_ context.Context, scope, model, fingerprint string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[key{scope, model, fingerprint}]
	return p, ok, nil
}

func (m *Memory) Put(_ context.Context, scope, model, fingerprint string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{scope, model, fingerprint}
	if existing, ok := m.entries[k]; ok {
		if !bytes.Equal(existing, payload) {
			return ErrConflict
		}
		return nil
	}
	m.entries[k] = bytes.Clone(payload)
	return nil
}

// Len reports the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Overlay reads through to a base cache and keeps its own writes in memory,
// so a dry run sees earlier results without persisting new ones.
type Overlay struct {
	base  Cache
	local *Memory
}

func NewOverlay(base Cache) *Overlay {
	return &Overlay{base: base, local: NewMemory()}
}

func (o *Overlay) Get(ctx context.Context, scope, model, fingerprint string) ([]byte, bool, error) {
	if p, ok, _ := o.local.Get(ctx, scope, model, fingerprint); ok {
		return p, true, nil
	}
	return o.base.Get(ctx, scope, model, fingerprint)
}

func (o *Overlay) Put(ctx context.Context, scope, model, fingerprint string, payload []byte) error {
	if existing, ok, err := o.base.Get(ctx, scope, model, fingerprint); err == nil && ok {
		if !bytes.Equal(existing, payload) {
			return ErrConflict
		}
		return nil
	}
	return o.local.Put(ctx, scope, model, fingerprint, payload)
}
