package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"chronicler/internal/archive"
)

// ErrTruncated marks a final line with no terminating newline.
var ErrTruncated = errors.New("truncated line")

// Reader decodes a message log line by line. Corrupt lines are reported as
// *archive.DecodeError and reading may continue past them.
type Reader struct {
	r      *bufio.Reader
	line   int
	offset int64
}

// NewReader reads from r. Line numbers start after startLine and offsets
// after startOffset, for callers resuming a scan partway into a file.
func NewReader(r io.Reader, startLine int, startOffset int64) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), line: startLine, offset: startOffset}
}

// Next returns the next message. It returns io.EOF at the end of input and
// *archive.DecodeError for a line that cannot be decoded. A final line without
// a newline is a DecodeError wrapping ErrTruncated, even if it parses.
func (r *Reader) Next() (archive.Message, error) {
	data, err := r.r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return archive.Message{}, fmt.Errorf("reading log: %w", err)
	}
	if len(data) == 0 {
		return archive.Message{}, io.EOF
	}

	if data[len(data)-1] != '\n' {
		return archive.Message{}, &archive.DecodeError{Line: r.line + 1, Err: ErrTruncated}
	}
	r.line++
	r.offset += int64(len(data))

	msg, derr := decode(data)
	if derr != nil {
		return archive.Message{}, &archive.DecodeError{Line: r.line, Err: derr}
	}
	return msg, nil
}

// Line returns the number of the last complete line read.
func (r *Reader) Line() int { return r.line }

// Offset returns the byte offset just past the last complete line.
func (r *Reader) Offset() int64 { return r.offset }

// ReadAll decodes every line of r. Messages come back in log order; corrupt
// lines are collected rather than aborting the read.
func ReadAll(r io.Reader) ([]archive.Message, []*archive.DecodeError, error) {
	var msgs []archive.Message
	var bad []*archive.DecodeError

	rd := NewReader(r, 0, 0)
	for {
		msg, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var derr *archive.DecodeError
		if errors.As(err, &derr) {
			bad = append(bad, derr)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, bad, nil
}
