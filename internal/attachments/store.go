// Package attachments stores attachment bytes under a topic's media
// directory at deterministic, content-checked paths.
package attachments

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"chronicler/internal/archive"
	"chronicler/internal/metrics"
)

// FileStore writes attachments beneath root/<group>/<topic>/media.
// It does not stage or commit anything.
type FileStore struct {
	root   string
	logger archive.Logger
}

// NewFileStore creates a FileStore for the repository rooted at root.
func NewFileStore(root string, logger archive.Logger) *FileStore {
	return &FileStore{root: root, logger: logger}
}

// Put stores att.Content and returns its topic-relative path.
func (s *FileStore) Put(ctx context.Context, topic archive.Topic, att archive.Attachment) (string, error) {
	if err := archive.ValidateAttachmentID(att.ID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rel := RelPath(att.MIMEType, att.Filename, att.ID)
	dest := s.abs(topic, rel)

	same, err := sameContent(dest, att.Content)
	if err != nil {
		return "", err
	}
	switch same {
	case matchEqual:
		metrics.AttachmentsTotal.WithLabelValues("existing").Inc()
		s.logger.Debug("attachment already stored", "path", rel)
		return rel, nil
	case matchDiffer:
		metrics.AttachmentsTotal.WithLabelValues("conflict").Inc()
		return "", &archive.AttachmentConflictError{ID: att.ID, Path: rel}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating media directory: %w", err)
	}
	if err := writeFile(dest, bytes.NewReader(att.Content), int64(len(att.Content))); err != nil {
		return "", err
	}

	metrics.AttachmentsTotal.WithLabelValues("written").Inc()
	return rel, nil
}

// Exists reports whether a topic-relative attachment path is present.
func (s *FileStore) Exists(topic archive.Topic, relPath string) (bool, error) {
	info, err := os.Stat(s.abs(topic, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking attachment: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *FileStore) abs(topic archive.Topic, rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(topic.Dir()), filepath.FromSlash(rel))
}

type match int

const (
	matchAbsent match = iota
	matchEqual
	matchDiffer
)

// sameContent compares the file at path with data by length, then by BLAKE3.
func sameContent(path string, data []byte) (match, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return matchAbsent, nil
		}
		return matchAbsent, fmt.Errorf("opening existing attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return matchAbsent, fmt.Errorf("stat existing attachment: %w", err)
	}
	if info.Size() != int64(len(data)) {
		return matchDiffer, nil
	}

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return matchAbsent, fmt.Errorf("hashing existing attachment: %w", err)
	}
	if hex.EncodeToString(h.Sum(nil)) != archive.ContentChecksum(data) {
		return matchDiffer, nil
	}
	return matchEqual, nil
}

// writeFile writes r to destPath through a temp file in the same directory
// and renames it into place once the size checks out.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ archive.AttachmentStore = (*FileStore)(nil)
