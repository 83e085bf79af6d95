package testutil

import (
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/gitrepo"
)

// RequireGit skips the test when the git binary is not installed.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// InitGitRepo initializes a repository in a fresh temp directory. remote may
// be empty.
func InitGitRepo(t *testing.T, remote string) *gitrepo.Repository {
	t.Helper()
	RequireGit(t)
	r := gitrepo.NewRepository(t.TempDir(), gitrepo.Options{
		RemoteURL:     remote,
		CommitBackoff: time.Millisecond,
	}, archive.NewNopLogger())
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return r
}

// NewBareRemote creates an empty bare repository on branch main and returns
// its path.
func NewBareRemote(t *testing.T) string {
	t.Helper()
	RequireGit(t)
	dir := filepath.Join(t.TempDir(), "remote.git")
	if out, err := exec.Command("git", "init", "-q", "--bare", "-b", "main", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v: %s", err, out)
	}
	return dir
}

// CommitCount returns the number of commits reachable from HEAD, 0 before
// the first commit.
func CommitCount(t *testing.T, r *gitrepo.Repository) int {
	t.Helper()
	out, err := r.Run(context.Background(), "rev-list", "--count", "HEAD")
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parsing commit count %q: %v", out, err)
	}
	return n
}

// Status returns `git status --porcelain` output; empty means clean.
func Status(t *testing.T, r *gitrepo.Repository) string {
	t.Helper()
	out, err := r.Run(context.Background(), "status", "--porcelain")
	if err != nil {
		t.Fatalf("git status: %v", err)
	}
	return strings.TrimSpace(out)
}
