package store

import (
	"context"
	"sync"

	"muster/pkg/registry"
)

// Memory keeps the node document in process. Nothing survives a restart.
type Memory struct {
	mu  sync.Mutex
	doc *registry.Document

	// FailSaves, when set, is returned by every Save.
	FailSaves error
	saves     int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) (*registry.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, doc *registry.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves != nil {
		return m.FailSaves
	}
	m.doc = doc.Clone()
	m.saves++
	return nil
}

// Saves returns how many writes succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }

var _ registry.DocumentStore = (*Memory)(nil)
