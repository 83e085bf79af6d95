package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"chronicler/internal/archive"
	"chronicler/internal/attachments"
	"chronicler/internal/gitrepo"
	"chronicler/internal/journal"
	"chronicler/internal/messagelog"
	"chronicler/internal/metadata"
)

// Archive is a coordinator wired to real components over a temp repository.
type Archive struct {
	Coord   *archive.Coordinator
	Repo    *gitrepo.Repository
	Log     *messagelog.FileLog
	Meta    *metadata.YAMLStore
	Journal *journal.SQLiteJournal
	Clock   *StubClock
	IDs     *StubIDGenerator
}

// NewArchive builds an Archive. remote may be empty.
func NewArchive(t *testing.T, remote string) *Archive {
	t.Helper()
	repo := InitGitRepo(t, remote)
	logger := archive.NewNopLogger()

	log, err := messagelog.NewFileLog(repo.Root(), 16, logger)
	if err != nil {
		t.Fatalf("NewFileLog() error = %v", err)
	}
	a := &Archive{
		Repo:    repo,
		Log:     log,
		Meta:    metadata.NewYAMLStore(repo.Root(), logger),
		Journal: NewTestJournal(t),
		Clock:   FixedClock(),
		IDs:     NewStubIDGenerator("op"),
	}
	a.Coord = archive.NewCoordinator(repo, log, attachments.NewFileStore(repo.Root(), logger),
		a.Meta, a.Journal, logger, a.Clock, a.IDs)
	return a
}

// ReadFile returns a file from the working tree by root-relative path.
func (a *Archive) ReadFile(t *testing.T, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(a.Repo.Root(), filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	return data
}
