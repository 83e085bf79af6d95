package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
	"chronicler/internal/metrics"
	"chronicler/internal/pipeline"
)

const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// Handler receives the frames read from the inbox. *pipeline.Pipeline and
// *pipeline.Dispatcher both satisfy it.
type Handler interface {
	Process(ctx context.Context, f frame.Frame) (*pipeline.Result, error)
}

// Result is what happened to one inbox file.
type Result string

const (
	ResultDone    Result = "done"
	ResultFailed  Result = "failed"
	ResultRetry   Result = "retry"
	ResultIgnored Result = "ignored"
	// ResultGone means the file disappeared before it was read.
	ResultGone Result = "gone"
)

// Options tunes a Spool. Zero values take defaults.
type Options struct {
	// Ignore holds gitignore-style patterns matched against file names.
	Ignore []string
	// Settle is how long a file must go without events before it is read.
	// Default 200ms.
	Settle time.Duration
	// RetryInterval is how often Watch rescans for files left behind by
	// retryable failures. Default 30s.
	RetryInterval time.Duration
}

// ScanResult counts the outcomes of one Scan.
type ScanResult struct {
	Done    int
	Failed  int
	Retry   int
	Ignored int
}

// Spool reads envelopes from an inbox directory.
type Spool struct {
	dir     string
	handler Handler
	matcher *IgnoreMatcher
	opts    Options
	logger  archive.Logger
}

// New prepares the inbox at dir, creating it and its done/ and failed/
// subdirectories. Patterns from <dir>/.spoolignore are added to opts.Ignore.
func New(dir string, handler Handler, opts Options, logger archive.Logger) (*Spool, error) {
	for _, d := range []string{dir, filepath.Join(dir, DoneDir), filepath.Join(dir, FailedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating spool directory: %w", err)
		}
	}
	extra, err := ParseIgnoreFile(filepath.Join(dir, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	if opts.Settle <= 0 {
		opts.Settle = 200 * time.Millisecond
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	return &Spool{
		dir:     dir,
		handler: handler,
		matcher: NewIgnoreMatcher(append(append([]string{}, opts.Ignore...), extra...)),
		opts:    opts,
		logger:  logger,
	}, nil
}

// Dir returns the inbox directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Scan ingests every file currently in the inbox in name order.
func (s *Spool) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return res, fmt.Errorf("listing spool: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r, _ := s.Ingest(ctx, e.Name())
		switch r {
		case ResultDone:
			res.Done++
		case ResultFailed:
			res.Failed++
		case ResultRetry:
			res.Retry++
		case ResultIgnored:
			res.Ignored++
		}
	}
	return res, nil
}

// Ingest processes one inbox file by name. Accepted and dropped frames move
// the file to done/; permanent failures move it to failed/ next to a .err
// file. Retryable failures leave it in place for the next scan.
func (s *Spool) Ingest(ctx context.Context, name string) (Result, error) {
	if s.matcher.Match(name) {
		metrics.SpoolFilesTotal.WithLabelValues(string(ResultIgnored)).Inc()
		return ResultIgnored, nil
	}
	path := filepath.Join(s.dir, name)

	f, err := LoadFrame(path)
	if errors.Is(err, os.ErrNotExist) {
		return ResultGone, nil
	}
	if err != nil {
		return s.fail(name, err)
	}

	res, err := s.handler.Process(ctx, f)
	if err != nil {
		if archive.IsRetryable(err) || ctx.Err() != nil {
			s.logger.Warn("spool file will be retried", "file", name, "error", err)
			metrics.SpoolFilesTotal.WithLabelValues(string(ResultRetry)).Inc()
			return ResultRetry, err
		}
		return s.fail(name, err)
	}

	if err := os.Rename(path, filepath.Join(s.dir, DoneDir, name)); err != nil {
		return ResultRetry, fmt.Errorf("moving %s to %s: %w", name, DoneDir, err)
	}
	args := []any{"file", name, "state", res.State}
	if res.CorrelationID != "" {
		args = append(args, "correlation_id", res.CorrelationID)
	}
	s.logger.Info("spool file ingested", args...)
	metrics.SpoolFilesTotal.WithLabelValues(string(ResultDone)).Inc()
	return ResultDone, nil
}

func (s *Spool) fail(name string, cause error) (Result, error) {
	s.logger.Error("spool file rejected", "file", name, "error", cause)
	metrics.SpoolFilesTotal.WithLabelValues(string(ResultFailed)).Inc()

	dst := filepath.Join(s.dir, FailedDir, name)
	if err := os.WriteFile(dst+".err", []byte(cause.Error()+"\n"), 0644); err != nil {
		return ResultFailed, errors.Join(cause, fmt.Errorf("writing error file: %w", err))
	}
	if err := os.Rename(filepath.Join(s.dir, name), dst); err != nil {
		return ResultFailed, errors.Join(cause, fmt.Errorf("moving %s to %s: %w", name, FailedDir, err))
	}
	return ResultFailed, cause
}

// Watch scans the inbox, then ingests files as they are created or renamed
// into it until ctx is cancelled. A file is read once it has had no events
// for the settle delay.
func (s *Spool) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}
	s.logger.Info("watching spool", "dir", s.dir)

	if _, err := s.Scan(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	pending := make(map[string]time.Time)
	tick := time.NewTicker(s.opts.Settle / 2)
	defer tick.Stop()
	retry := time.NewTicker(s.opts.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(s.dir) {
				continue
			}
			pending[filepath.Base(event.Name)] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", "error", err)

		case now := <-tick.C:
			var ready []string
			for name, seen := range pending {
				if now.Sub(seen) >= s.opts.Settle {
					ready = append(ready, name)
					delete(pending, name)
				}
			}
			sort.Strings(ready)
			for _, name := range ready {
				if info, err := os.Stat(filepath.Join(s.dir, name)); err != nil || info.IsDir() {
					continue
				}
				s.Ingest(ctx, name)
			}

		case <-retry.C:
			if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("spool rescan failed", "error", err)
			}
		}
	}
}
