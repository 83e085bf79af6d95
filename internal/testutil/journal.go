package testutil

import (
	"testing"

	"chronicler/internal/journal"
)

// NewTestJournal opens a migrated in-memory journal that is closed when the
// test ends.
func NewTestJournal(t *testing.T) *journal.SQLiteJournal {
	t.Helper()
	j, err := journal.NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}
