package testutil

import (
	"chronicler/internal/archive"
	"chronicler/internal/encryption"
	"chronicler/internal/vault"
)

// NewTestEncryptor returns the reversible test encryptor.
func NewTestEncryptor() archive.Encryptor {
	return encryption.NewTestEncryptor()
}

// NewTestVault returns an empty in-memory vault.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}
