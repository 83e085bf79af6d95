package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"chronicler/internal/archive"
)

// MemoryVault keeps mirrored attachments in memory. It is used by tests and
// by the "memory" mirror type, and is safe for concurrent use.
type MemoryVault struct {
	name    string
	content map[string][]byte // checksum -> bytes
	mu      sync.RWMutex
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:    name,
		content: make(map[string][]byte),
	}
}

func (m *MemoryVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	if err := validateChecksum(checksum); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[checksum] = data
	return nil
}

func (m *MemoryVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[checksum]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, checksum)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (m *MemoryVault) HasContent(ctx context.Context, checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[checksum]
	return ok, nil
}

// Len returns the number of stored objects.
func (m *MemoryVault) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}

// ValidateSetup always succeeds for an in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

var _ archive.Vault = (*MemoryVault)(nil)
