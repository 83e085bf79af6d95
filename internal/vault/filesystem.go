package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"chronicler/internal/archive"
)

// FileSystemVault mirrors attachments into a local directory, typically a
// mounted backup disk:
//
//	<root>/
//	  content/
//	    <ab>/<checksum>   (fanned out by the first two hex digits)
type FileSystemVault struct {
	name       string
	root       string
	contentDir string
}

// NewFileSystemVault creates a filesystem vault rooted at root.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	contentDir := filepath.Join(root, "content")
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &FileSystemVault{name: name, root: root, contentDir: contentDir}, nil
}

func (v *FileSystemVault) objectPath(checksum string) string {
	return filepath.Join(v.contentDir, checksum[:2], checksum)
}

// PutContent stores content under its checksum. An existing object is left
// alone; the reader is still drained so the size check applies.
func (v *FileSystemVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	if err := validateChecksum(checksum); err != nil {
		return err
	}
	dest := v.objectPath(checksum)

	if _, err := os.Stat(dest); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create fan-out directory: %w", err)
	}
	return writeFile(dest, r, size)
}

func (v *FileSystemVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if err := validateChecksum(checksum); err != nil {
		return err
	}
	f, err := os.Open(v.objectPath(checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, checksum)
		}
		return fmt.Errorf("failed to open content: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	return nil
}

func (v *FileSystemVault) HasContent(ctx context.Context, checksum string) (bool, error) {
	if err := validateChecksum(checksum); err != nil {
		return false, err
	}
	_, err := os.Stat(v.objectPath(checksum))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking content: %w", err)
}

// ValidateSetup verifies that the content directory exists and is writable.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.contentDir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.contentDir)
	}

	scratch, err := os.CreateTemp(v.contentDir, ".tmp-scratch-*")
	if err != nil {
		return fmt.Errorf("vault directory not writable: %w", err)
	}
	scratch.Close()
	return os.Remove(scratch.Name())
}

// writeFile copies r into destPath through a temp file in the same
// directory, then renames it into place.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ archive.Vault = (*FileSystemVault)(nil)
