package encryption

import (
	"fmt"
	"path/filepath"
	"strings"

	"chronicler/internal/archive"
	"chronicler/internal/config"
)

// Types lists the accepted values of encryption.type. An empty type means age.
var Types = []string{"age", "test"}

// NewEncryptorFromConfig returns the Encryptor that seals mirrored
// attachments. The age encryptor needs two distinct key files; they do not
// have to exist yet, since 'chronicler keys init' creates them.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (archive.Encryptor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "age":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		if filepath.Clean(cfg.PublicKeyPath) == filepath.Clean(cfg.PrivateKeyPath) {
			return nil, fmt.Errorf("age public and private key share one path: %s", cfg.PublicKeyPath)
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type %q (supported: %s)", cfg.Type, strings.Join(Types, ", "))
	}
}
