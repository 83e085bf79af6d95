// Package frame defines the units of content a transport hands to the
// pipeline. Frame is a closed set of variants; code that consumes frames
// switches on the concrete type.
package frame

import (
	"bytes"
	"encoding/hex"
	"maps"
	"strings"

	"github.com/zeebo/blake3"

	"chronicler/internal/archive"
)

// Kind names a frame variant.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVoice    Kind = "voice"
	KindSticker  Kind = "sticker"
	KindCommand  Kind = "command"
)

// Frame is implemented only by the variants in this package.
type Frame interface {
	Kind() Kind
	// Metadata returns a copy of the normalized frame metadata.
	Metadata() archive.Metadata
	// Text is the message text or caption. It may be empty for media.
	Text() string

	sealed()
}

type base struct {
	metadata archive.Metadata
	text     string
}

func newBase(md archive.Metadata, text string) (base, error) {
	norm, err := archive.NormalizeMetadata(md)
	if err != nil {
		return base{}, err
	}
	return base{metadata: norm, text: text}, nil
}

func (b base) Metadata() archive.Metadata { return cloneMetadata(b.metadata) }
func (b base) Text() string               { return b.text }
func (base) sealed()                      {}

// cloneMetadata copies nested maps and slices so callers cannot reach the
// frame's own storage.
func cloneMetadata(md archive.Metadata) archive.Metadata {
	out := make(archive.Metadata, len(md))
	for k, v := range md {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := maps.Clone(x)
		for k, vv := range m {
			m[k] = cloneValue(vv)
		}
		return m
	case archive.Metadata:
		return cloneMetadata(x)
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// File is the binary payload of a media frame.
type File struct {
	Content      []byte
	MIMEType     string
	Filename     string
	FileID       string // source-assigned id, may be reused across chats
	FileUniqueID string // source-assigned id, stable for identical content
}

// AttachmentID picks the stable id for the file: the source's unique id,
// else its file id, else a content hash.
func (f File) AttachmentID() string {
	switch {
	case f.FileUniqueID != "":
		return f.FileUniqueID
	case f.FileID != "":
		return f.FileID
	}
	sum := blake3.Sum256(f.Content)
	return hex.EncodeToString(sum[:])[:32]
}

type media struct {
	file File
}

func newMedia(kind Kind, f File, defaultMIME, defaultExt string) (media, error) {
	if len(f.Content) == 0 {
		return media{}, archive.NewValidationError(string(kind)+".content", "content is required")
	}
	f.Content = bytes.Clone(f.Content)
	f.MIMEType = strings.ToLower(strings.TrimSpace(f.MIMEType))
	if f.MIMEType == "" {
		f.MIMEType = defaultMIME
	}
	if f.Filename == "" {
		f.Filename = string(kind) + "." + defaultExt
	}
	if err := archive.ValidateAttachmentID(f.AttachmentID()); err != nil {
		return media{}, err
	}
	return media{file: f}, nil
}

// File returns a copy of the payload.
func (m media) File() File {
	f := m.file
	f.Content = bytes.Clone(m.file.Content)
	return f
}

// Size is the payload length in bytes.
func (m media) Size() int { return len(m.file.Content) }
