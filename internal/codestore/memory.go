package codestore

import (
	"context"
	"strings"
	"sync"
)

// MemoryBackend keeps the code in memory. It is not durable: everything is lost when the process exits, which makes it
// suitable for demos and tests only
type MemoryBackend struct {
	mu   sync.Mutex
	code string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (mb *MemoryBackend) Load(_ context.Context) (string, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.code == "" {
		return "", ErrNotFound
	}
	return mb.code, nil
}

func (mb *MemoryBackend) Save(_ context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.code = code
	return nil
}

func (mb *MemoryBackend) Durability() Durability {
	return Ephemeral
}
