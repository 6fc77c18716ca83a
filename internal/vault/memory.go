package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/maneesh/sourcenet/internal/apperr"
)

// MemoryBackend keeps blobs in process. It backs tests and single-node demos.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (m *MemoryBackend) Put(_ context.Context, objectKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[objectKey] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, objectKey string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[objectKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrBlobNotFound, objectKey)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, objectKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, objectKey)
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Corrupt flips one byte of a stored blob in place.
func (m *MemoryBackend) Corrupt(objectKey string, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.blobs[objectKey]; ok && offset < len(data) {
		data[offset] ^= 0xff
	}
}
