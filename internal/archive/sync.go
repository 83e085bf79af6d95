package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sync pushes local commits to the remote and then drains the mirror queue.
// It does not hold the repository lock while talking to the network, except
// for a rebase under PushRebase. A failed push never touches local commits.
func (c *Coordinator) Sync(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}

	push, rebased, pushErr := c.push(ctx)
	res.Push = push
	res.Rebased = rebased
	if pushErr != nil {
		c.logger.Warn("push failed", CorrelationArgs(ctx, "error", pushErr)...)
	} else if !push.Skipped {
		c.logger.Info("pushed", CorrelationArgs(ctx, "remote", push.Remote, "branch", push.Branch, "rebased", rebased)...)
	}

	n, mirrorErr := c.drainMirror(ctx)
	res.Mirrored = n
	if mirrorErr != nil {
		mirrorErr = fmt.Errorf("mirroring attachments: %w", mirrorErr)
	}
	return res, errors.Join(pushErr, mirrorErr)
}

func (c *Coordinator) push(ctx context.Context) (PushResult, bool, error) {
	res, err := c.repo.Push(ctx)
	if err == nil {
		return res, false, nil
	}

	var perr *PushError
	if errors.As(err, &perr) && perr.Rejected {
		if c.pushPolicy != PushRebase {
			return res, false, err
		}
		if err := c.rebase(ctx); err != nil {
			return res, false, &PushError{Rejected: true, Err: fmt.Errorf("rebasing onto remote: %w", err)}
		}
		res, err = c.repo.Push(ctx)
		return res, true, err
	}

	if ctx.Err() != nil {
		return res, false, err
	}
	c.logger.Debug("retrying push", CorrelationArgs(ctx, "error", err)...)
	res, err = c.repo.Push(ctx)
	return res, false, err
}

func (c *Coordinator) rebase(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.PullRebase(ctx)
}

// drainMirror copies queued attachments to the vault, oldest first. An item
// is removed from the queue only after the vault accepted it; the first
// failure stops the drain so ordering is kept for the next attempt.
func (c *Coordinator) drainMirror(ctx context.Context) (int, error) {
	if c.vault == nil {
		return 0, nil
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		item, err := c.journal.NextMirror()
		if err != nil {
			return count, fmt.Errorf("reading mirror queue: %w", err)
		}
		if item == nil {
			break
		}
		if err := c.mirrorOne(ctx, item); err != nil {
			return count, fmt.Errorf("mirroring %s: %w", item.Path, err)
		}
		if err := c.journal.RemoveMirror(item.ID); err != nil {
			return count, fmt.Errorf("removing mirror item %d: %w", item.ID, err)
		}
		count++
	}

	if count > 0 {
		c.logger.Info("attachments mirrored", CorrelationArgs(ctx, "count", count)...)
	}
	return count, nil
}

func (c *Coordinator) mirrorOne(ctx context.Context, item *MirrorItem) error {
	exists, err := c.vault.HasContent(ctx, item.Checksum)
	if err != nil {
		return fmt.Errorf("checking vault: %w", err)
	}
	if exists {
		c.logger.Debug("attachment already mirrored", CorrelationArgs(ctx, "checksum", item.Checksum)...)
		return nil
	}

	data, err := os.ReadFile(filepath.Join(c.repo.Root(), filepath.FromSlash(item.Path)))
	if err != nil {
		return fmt.Errorf("reading attachment: %w", err)
	}
	if sum := ContentChecksum(data); sum != item.Checksum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", item.Checksum, sum)
	}

	if c.encryptor != nil {
		var buf bytes.Buffer
		if err := c.encryptor.Encrypt(bytes.NewReader(data), &buf); err != nil {
			return fmt.Errorf("encrypting: %w", err)
		}
		data = buf.Bytes()
	}

	if err := c.vault.PutContent(ctx, item.Checksum, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("uploading: %w", err)
	}
	return nil
}

// PendingMirror returns the number of attachments waiting to be mirrored.
func (c *Coordinator) PendingMirror() (int, error) {
	return c.journal.CountMirror()
}

// Syncer runs Coordinator.Sync on a fixed interval.
type Syncer struct {
	coord    *Coordinator
	interval time.Duration
	logger   Logger
}

// NewSyncer creates a Syncer. A non-positive interval defaults to five minutes.
func NewSyncer(coord *Coordinator, interval time.Duration, logger Logger) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{coord: coord, interval: interval, logger: logger}
}

// Run syncs every interval until ctx is cancelled. Failures are logged and
// retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.coord.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("sync failed", "error", err)
			}
		}
	}
}
