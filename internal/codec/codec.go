// Package codec converts archive messages to and from single JSON lines.
//
// A line is a JSON object with keys in a fixed order (id, content,
// timestamp, metadata, attachments); metadata keys are sorted. The same
// message therefore always encodes to the same bytes, which keeps diffs of
// the git-tracked logs minimal.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"chronicler/internal/archive"
)

// TimestampFormat is the layout of the timestamp field.
const TimestampFormat = time.RFC3339Nano

type record struct {
	ID          string             `json:"id"`
	Content     string             `json:"content"`
	Timestamp   string             `json:"timestamp"`
	Metadata    map[string]any     `json:"metadata"`
	Attachments []attachmentRecord `json:"attachments"`
}

type attachmentRecord struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Encode returns msg as one JSON object without a trailing newline.
// Failures are *archive.SerializationError.
func Encode(msg archive.Message) ([]byte, error) {
	fail := func(format string, args ...any) ([]byte, error) {
		return nil, &archive.SerializationError{MessageID: msg.ID, Err: fmt.Errorf(format, args...)}
	}

	if msg.ID == "" {
		return fail("message id is empty")
	}
	if msg.Timestamp.IsZero() {
		return fail("timestamp is zero")
	}
	if y := msg.Timestamp.UTC().Year(); y < 0 || y > 9999 {
		return fail("timestamp year %d cannot be written as RFC 3339", y)
	}
	if !utf8.ValidString(msg.ID) || !utf8.ValidString(msg.Content) {
		return fail("id or content is not valid UTF-8")
	}
	md, err := archive.NormalizeMetadata(msg.Metadata)
	if err != nil {
		return fail("%w", err)
	}

	rec := record{
		ID:          msg.ID,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp.UTC().Format(TimestampFormat),
		Metadata:    md,
		Attachments: make([]attachmentRecord, 0, len(msg.Attachments)),
	}
	for _, a := range msg.Attachments {
		if !a.Materialized() {
			return fail("attachment %s has not been stored", a.ID)
		}
		for _, v := range []string{a.ID, a.MIMEType, a.Filename, a.Path} {
			if !utf8.ValidString(v) {
				return fail("attachment field %q is not valid UTF-8", v)
			}
		}
		rec.Attachments = append(rec.Attachments, attachmentRecord{
			ID:       a.ID,
			MIMEType: a.MIMEType,
			Filename: a.Filename,
			Path:     a.Path,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fail("%w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses a single line produced by Encode. Failures are
// *archive.DecodeError with Line set to 1.
func Decode(line []byte) (archive.Message, error) {
	msg, err := decode(line)
	if err != nil {
		return archive.Message{}, &archive.DecodeError{Line: 1, Err: err}
	}
	return msg, nil
}

var errEmptyLine = errors.New("empty line")

func decode(line []byte) (archive.Message, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	if len(bytes.TrimSpace(line)) == 0 {
		return archive.Message{}, errEmptyLine
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var rec record
	if err := dec.Decode(&rec); err != nil {
		return archive.Message{}, fmt.Errorf("parsing JSON: %w", err)
	}
	if dec.More() {
		return archive.Message{}, errors.New("trailing data after JSON object")
	}

	if rec.ID == "" {
		return archive.Message{}, errors.New("missing id")
	}
	ts, err := time.Parse(TimestampFormat, rec.Timestamp)
	if err != nil {
		return archive.Message{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	md, err := archive.NormalizeMetadata(rec.Metadata)
	if err != nil {
		return archive.Message{}, err
	}

	atts := make([]archive.Attachment, len(rec.Attachments))
	for i, a := range rec.Attachments {
		if a.ID == "" || a.Path == "" {
			return archive.Message{}, fmt.Errorf("attachment %d is missing id or path", i)
		}
		atts[i] = archive.Attachment{
			ID:       a.ID,
			MIMEType: a.MIMEType,
			Filename: a.Filename,
			Path:     a.Path,
		}
	}

	return archive.Message{
		ID:          rec.ID,
		Content:     rec.Content,
		Timestamp:   ts.UTC(),
		Metadata:    md,
		Attachments: atts,
	}, nil
}
