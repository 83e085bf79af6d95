// Package messagelog implements the per-topic append-only message log.
//
// Each topic has one messages.jsonl file. Duplicate checks use an id index
// per topic, kept in an LRU cache and extended incrementally from the byte
// offset where the previous scan stopped, so an append only costs a scan of
// the new tail.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"chronicler/internal/archive"
	"chronicler/internal/codec"
	"chronicler/internal/metrics"
)

// DefaultCacheSize is the number of topic indexes kept in memory.
const DefaultCacheSize = 256

// index holds the ids found in the first offset bytes of a log.
type index struct {
	ids    map[string]struct{}
	offset int64
	lines  int
}

// FileLog stores topic logs beneath a repository root.
type FileLog struct {
	root   string
	logger archive.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *index]
}

// NewFileLog creates a FileLog rooted at root caching up to cacheSize topic
// indexes. A non-positive cacheSize uses DefaultCacheSize.
func NewFileLog(root string, cacheSize int, logger archive.Logger) (*FileLog, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *index](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating index cache: %w", err)
	}
	return &FileLog{root: root, logger: logger, cache: cache}, nil
}

func (l *FileLog) path(topic archive.Topic) string {
	return filepath.Join(l.root, filepath.FromSlash(topic.LogPath()))
}

// Init creates the topic directory and an empty log file if absent.
func (l *FileLog) Init(ctx context.Context, topic archive.Topic) error {
	p := l.path(topic)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("creating topic directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("creating log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	l.logger.Debug("topic log created", "topic", topic.Key())
	return nil
}

// Contains reports whether id has already been appended to the topic log.
func (l *FileLog) Contains(ctx context.Context, topic archive.Topic, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, err := l.refresh(topic)
	if err != nil {
		return false, err
	}
	_, ok := idx.ids[id]
	return ok, nil
}

// refresh returns the topic index brought up to date with the file on disk.
// Callers hold l.mu.
func (l *FileLog) refresh(topic archive.Topic) (*index, error) {
	key := topic.Key()
	idx, ok := l.cache.Get(key)
	if ok {
		metrics.IndexLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.IndexLookupsTotal.WithLabelValues("miss").Inc()
		idx = &index{ids: make(map[string]struct{})}
	}

	f, err := os.Open(l.path(topic))
	if err != nil {
		if os.IsNotExist(err) {
			l.cache.Remove(key)
			return &index{ids: map[string]struct{}{}}, nil
		}
		return nil, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}
	if info.Size() < idx.offset {
		// Shrunk underneath us; start over.
		idx = &index{ids: make(map[string]struct{})}
	}
	if info.Size() > idx.offset {
		if _, err := f.Seek(idx.offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking log: %w", err)
		}
		if err := scanInto(idx, f); err != nil {
			return nil, err
		}
	}

	l.cache.Add(key, idx)
	return idx, nil
}

func scanInto(idx *index, r io.Reader) error {
	rd := codec.NewReader(r, idx.lines, idx.offset)
	for {
		msg, err := rd.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, codec.ErrTruncated) {
			break
		}
		var derr *archive.DecodeError
		if errors.As(err, &derr) {
			// Corrupt but complete line: skip it, keep indexing.
			continue
		}
		if err != nil {
			return err
		}
		idx.ids[msg.ID] = struct{}{}
	}
	idx.offset = rd.Offset()
	idx.lines = rd.Line()
	return nil
}

// Append writes msg as one line with a single write and syncs the file.
func (l *FileLog) Append(ctx context.Context, topic archive.Topic, msg archive.Message) error {
	line, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path(topic), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}
	return nil
}

// Read decodes the whole topic log. A missing log reads as empty.
func (l *FileLog) Read(ctx context.Context, topic archive.Topic) ([]archive.Message, []*archive.DecodeError, error) {
	f, err := os.Open(l.path(topic))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()
	return codec.ReadAll(f)
}

// RepairTail fixes a log whose last line has no terminating newline. A tail
// that decodes is completed with the missing newline; anything else is
// truncated back to the previous line.
func (l *FileLog) RepairTail(ctx context.Context, topic archive.Topic) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path(topic), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return false, fmt.Errorf("reading log tail: %w", err)
	}
	if last[0] == '\n' {
		return false, nil
	}

	start, err := lastLineStart(f, size)
	if err != nil {
		return false, err
	}
	tail := make([]byte, size-start)
	if _, err := f.ReadAt(tail, start); err != nil {
		return false, fmt.Errorf("reading log tail: %w", err)
	}

	if _, derr := codec.Decode(tail); derr == nil {
		if _, err := f.WriteAt([]byte{'\n'}, size); err != nil {
			return false, fmt.Errorf("completing log tail: %w", err)
		}
		l.logger.Warn("completed unterminated log line", "topic", topic.Key())
	} else {
		if err := f.Truncate(start); err != nil {
			return false, fmt.Errorf("truncating log tail: %w", err)
		}
		l.logger.Warn("truncated partial log line", "topic", topic.Key(), "bytes", size-start)
	}
	if err := f.Sync(); err != nil {
		return false, fmt.Errorf("syncing log: %w", err)
	}

	l.cache.Remove(topic.Key())
	return true, nil
}

// lastLineStart returns the offset just past the last newline before size,
// or 0 when the file has a single line.
func lastLineStart(f *os.File, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n := int(end - start)
		if _, err := f.ReadAt(buf[:n], start); err != nil {
			return 0, fmt.Errorf("scanning log tail: %w", err)
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				return start + int64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}

var _ archive.MessageLog = (*FileLog)(nil)
