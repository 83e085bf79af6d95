package journal

import (
	"fmt"
	"os"
	"path/filepath"

	"chronicler/internal/config"
)

// FileName is the journal database name inside the configured data dir.
const FileName = "journal.db"

// NewJournalFromConfig creates a journal based on the config type.
func NewJournalFromConfig(cfg config.JournalConfig) (*SQLiteJournal, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite journal")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
		return NewSQLiteJournal(filepath.Join(cfg.DataDir, FileName))
	case "memory":
		return NewSQLiteJournal(":memory:")
	default:
		return nil, fmt.Errorf("unknown journal type: %s", cfg.Type)
	}
}
