package vault

import (
	"context"
	"fmt"

	"chronicler/internal/archive"
	"chronicler/internal/config"
)

// NewVaultFromConfig creates the mirror vault named by cfg.Type. It returns
// nil, nil when mirroring is disabled.
func NewVaultFromConfig(ctx context.Context, cfg config.MirrorConfig) (archive.Vault, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		v, err := NewS3Vault(ctx, S3Options{
			Name:     cfg.Name,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
