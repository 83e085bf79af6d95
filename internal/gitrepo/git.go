// Package gitrepo drives the git CLI for the archive working tree. Every
// command targets the repository through "git -C <dir>".
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/metrics"
)

// Options configures a Repository.
type Options struct {
	Branch      string // default "main"
	RemoteName  string // default "origin"
	RemoteURL   string // may reference environment variables, e.g. ${CHRONICLER_GIT_TOKEN}
	AuthorName  string
	AuthorEmail string

	// CommitAttempts bounds retries of index-lock contention. Default 3.
	CommitAttempts int
	// CommitBackoff is the delay before the second attempt; it grows
	// linearly. Default 200ms.
	CommitBackoff time.Duration
}

func (o *Options) setDefaults() {
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.RemoteName == "" {
		o.RemoteName = "origin"
	}
	if o.AuthorName == "" {
		o.AuthorName = "chronicler"
	}
	if o.AuthorEmail == "" {
		o.AuthorEmail = "chronicler@localhost"
	}
	if o.CommitAttempts <= 0 {
		o.CommitAttempts = 3
	}
	if o.CommitBackoff <= 0 {
		o.CommitBackoff = 200 * time.Millisecond
	}
}

// CommandError is a failed git invocation.
type CommandError struct {
	Args   []string
	Dir    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s in %s: %v (stderr: %s)", strings.Join(e.Args, " "), e.Dir, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Repository is a git working tree holding the archive.
type Repository struct {
	dir    string
	opts   Options
	logger archive.Logger

	// mu serializes commands that write the index or refs.
	mu sync.Mutex
}

// NewRepository returns a Repository for the working tree at dir.
func NewRepository(dir string, opts Options, logger archive.Logger) *Repository {
	opts.setDefaults()
	return &Repository{dir: dir, opts: opts, logger: logger}
}

// Root returns the working tree directory.
func (r *Repository) Root() string {
	return r.dir
}

// Run executes git against the repository and returns stdout.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{
		"-C", r.dir,
		"-c", "user.name=" + r.opts.AuthorName,
		"-c", "user.email=" + r.opts.AuthorEmail,
		"-c", "commit.gpgsign=false",
	}, args...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Args:   redact(args),
			Dir:    r.dir,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

// Init creates the repository if needed, excludes temp files, and
// configures the remote.
func (r *Repository) Init(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("creating repository directory: %w", err)
	}

	if _, err := os.Stat(filepath.Join(r.dir, ".git")); os.IsNotExist(err) {
		if _, err := r.Run(ctx, "init", "-q", "-b", r.opts.Branch); err != nil {
			return fmt.Errorf("initializing repository: %w", err)
		}
		r.logger.Info("repository initialized", "dir", r.dir, "branch", r.opts.Branch)
	}

	if err := r.writeExclude(); err != nil {
		return err
	}

	if r.opts.RemoteURL != "" {
		if err := r.configureRemote(ctx); err != nil {
			return err
		}
	}
	return nil
}

// writeExclude keeps partially written temp files out of every commit.
func (r *Repository) writeExclude() error {
	const pattern = ".tmp-*"
	p := filepath.Join(r.dir, ".git", "info", "exclude")
	data, err := os.ReadFile(p)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading exclude file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("creating info directory: %w", err)
	}
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	data = append(data, pattern+"\n"...)
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("writing exclude file: %w", err)
	}
	return nil
}

func (r *Repository) configureRemote(ctx context.Context) error {
	url := os.ExpandEnv(r.opts.RemoteURL)

	out, err := r.Run(ctx, "remote")
	if err != nil {
		return fmt.Errorf("listing remotes: %w", err)
	}
	verb := "add"
	for _, name := range strings.Fields(out) {
		if name == r.opts.RemoteName {
			verb = "set-url"
			break
		}
	}
	if _, err := r.Run(ctx, "remote", verb, r.opts.RemoteName, url); err != nil {
		return fmt.Errorf("configuring remote %s: %w", r.opts.RemoteName, err)
	}
	return nil
}

// Stage adds paths to the index, including deletions.
func (r *Repository) Stage(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.retry(ctx, "stage", func() (archive.CommitResult, error) {
		_, err := r.Run(ctx, append([]string{"add", "-A", "--"}, paths...)...)
		return archive.CommitResult{}, err
	})
	return err
}

// Unstage removes paths from the index without touching the files.
func (r *Repository) Unstage(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasHead(ctx) {
		_, err := r.Run(ctx, append([]string{"reset", "-q", "--"}, paths...)...)
		return err
	}
	_, err := r.Run(ctx, append([]string{"rm", "-r", "-q", "--cached", "--ignore-unmatch", "--"}, paths...)...)
	return err
}

// Commit records the index. Index-lock contention is retried with linear
// backoff; persistent failure is returned as *archive.CommitError.
func (r *Repository) Commit(ctx context.Context, message string) (archive.CommitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.retry(ctx, "commit", func() (archive.CommitResult, error) {
		return r.commitOnce(ctx, message)
	})
	if err != nil {
		return archive.CommitResult{}, err
	}
	if !res.Empty {
		metrics.CommitAttempts.Observe(float64(res.Attempts))
		r.logger.Debug("committed", "hash", res.Hash, "attempts", res.Attempts)
	}
	return res, nil
}

func (r *Repository) commitOnce(ctx context.Context, message string) (archive.CommitResult, error) {
	staged, err := r.hasStaged(ctx)
	if err != nil {
		return archive.CommitResult{}, err
	}
	if !staged {
		return archive.CommitResult{Empty: true}, nil
	}
	if _, err := r.Run(ctx, "commit", "-q", "--no-verify", "-m", message); err != nil {
		return archive.CommitResult{}, err
	}
	hash, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return archive.CommitResult{}, err
	}
	return archive.CommitResult{Hash: strings.TrimSpace(hash)}, nil
}

// retry runs fn until it succeeds, fails with something other than lock
// contention, or runs out of attempts. Callers hold r.mu.
func (r *Repository) retry(ctx context.Context, what string, fn func() (archive.CommitResult, error)) (archive.CommitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.CommitAttempts; attempt++ {
		res, err := fn()
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err
		if !IsLockContention(err) || attempt == r.opts.CommitAttempts {
			return archive.CommitResult{}, &archive.CommitError{Attempts: attempt, Err: lastErr}
		}

		delay := r.opts.CommitBackoff * time.Duration(attempt)
		r.logger.Warn("git index locked, retrying", "op", what, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return archive.CommitResult{}, &archive.CommitError{Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		case <-time.After(delay):
		}
	}
	return archive.CommitResult{}, &archive.CommitError{Attempts: r.opts.CommitAttempts, Err: lastErr}
}

// IsLockContention reports whether err came from another process holding
// a git lock file.
func IsLockContention(err error) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	return strings.Contains(cerr.Stderr, ".lock") &&
		(strings.Contains(cerr.Stderr, "File exists") || strings.Contains(cerr.Stderr, "Unable to create"))
}

func (r *Repository) hasStaged(ctx context.Context) (bool, error) {
	_, err := r.Run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (r *Repository) hasHead(ctx context.Context) bool {
	_, err := r.Run(ctx, "rev-parse", "--verify", "-q", "HEAD")
	return err == nil
}

// Dirty lists modified, deleted or untracked root-relative paths under the
// given pathspecs.
func (r *Repository) Dirty(ctx context.Context, paths ...string) ([]string, error) {
	args := []string{"status", "--porcelain=v1", "-z", "--untracked-files=all"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := r.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	return parsePorcelain(out), nil
}

// parsePorcelain extracts paths from "git status --porcelain=v1 -z" output.
// Renames carry the original path as an extra NUL-terminated field.
func parsePorcelain(out string) []string {
	var paths []string
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		status, p := f[:2], f[3:]
		paths = append(paths, p)
		if status[0] == 'R' || status[0] == 'C' {
			i++
			if i < len(fields) && fields[i] != "" {
				paths = append(paths, fields[i])
			}
		}
	}
	return paths
}

// Push sends the branch to the remote. A missing remote or an empty branch
// is reported as Skipped. Failures are *archive.PushError.
func (r *Repository) Push(ctx context.Context) (archive.PushResult, error) {
	res := archive.PushResult{Remote: r.opts.RemoteName, Branch: r.opts.Branch}

	ok, err := r.hasRemote(ctx)
	if err != nil {
		return res, &archive.PushError{Err: err}
	}
	if !ok || !r.hasHead(ctx) {
		res.Skipped = true
		metrics.PushesTotal.WithLabelValues("skipped").Inc()
		return res, nil
	}

	_, err = r.Run(ctx, "push", r.opts.RemoteName, "HEAD:refs/heads/"+r.opts.Branch)
	if err != nil {
		rejected := isRejected(err)
		if rejected {
			metrics.PushesTotal.WithLabelValues("rejected").Inc()
		} else {
			metrics.PushesTotal.WithLabelValues("failed").Inc()
		}
		return res, &archive.PushError{Rejected: rejected, Err: err}
	}
	metrics.PushesTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func isRejected(err error) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	for _, marker := range []string{"[rejected]", "non-fast-forward", "fetch first", "! [remote rejected]"} {
		if strings.Contains(cerr.Stderr, marker) {
			return true
		}
	}
	return false
}

func (r *Repository) hasRemote(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "remote")
	if err != nil {
		return false, fmt.Errorf("listing remotes: %w", err)
	}
	for _, name := range strings.Fields(out) {
		if name == r.opts.RemoteName {
			return true, nil
		}
	}
	return false, nil
}

// PullRebase fetches the remote branch and replays local commits on top.
// A conflicting rebase is aborted and reported; nothing is merged by hand.
func (r *Repository) PullRebase(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Run(ctx, "pull", "--rebase", "-q", r.opts.RemoteName, r.opts.Branch); err != nil {
		if _, aerr := r.Run(context.WithoutCancel(ctx), "rebase", "--abort"); aerr != nil {
			r.logger.Debug("rebase abort", "error", aerr)
		}
		return fmt.Errorf("pull --rebase: %w", err)
	}
	r.logger.Info("rebased onto remote", "remote", r.opts.RemoteName, "branch", r.opts.Branch)
	return nil
}

// Head returns the current commit hash, or "" on an unborn branch.
func (r *Repository) Head(ctx context.Context) (string, error) {
	if !r.hasHead(ctx) {
		return "", nil
	}
	out, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// redact hides credentials embedded in URL arguments.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = redactURL(a)
	}
	return out
}

func redactURL(s string) string {
	scheme := strings.Index(s, "://")
	if scheme < 0 {
		return s
	}
	rest := s[scheme+3:]
	at := strings.Index(rest, "@")
	slash := strings.Index(rest, "/")
	if at < 0 || (slash >= 0 && slash < at) {
		return s
	}
	return s[:scheme+3] + "***" + rest[at:]
}

var _ archive.Repository = (*Repository)(nil)
