// Package spool ingests frames from an inbox directory of JSON envelopes.
//
// Producers write an envelope to a temporary name (ignored by default) and
// rename it into the inbox. Each envelope becomes one frame; once the
// pipeline has accepted or permanently rejected it, the file moves to done/
// or failed/. A rejected file gets a sibling <name>.err with the reason.
package spool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
)

// Envelope is the on-disk form of one incoming message. Content is base64
// in JSON.
type Envelope struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata"`

	Content      []byte `json:"content,omitempty"`
	Filename     string `json:"filename,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`
	FileID       string `json:"file_id,omitempty"`
	FileUniqueID string `json:"file_unique_id,omitempty"`

	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Format   string `json:"format,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
	SetName  string `json:"set_name,omitempty"`

	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// DecodeEnvelope parses an envelope. Numbers in metadata keep their exact
// value so large chat ids survive.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, archive.NewValidationError("envelope", "%v", err)
	}
	return &env, nil
}

// Frame builds the frame the envelope describes.
func (e *Envelope) Frame() (frame.Frame, error) {
	md := archive.Metadata(e.Metadata)
	file := frame.File{
		Content:      e.Content,
		MIMEType:     e.MIMEType,
		Filename:     e.Filename,
		FileID:       e.FileID,
		FileUniqueID: e.FileUniqueID,
	}

	switch frame.Kind(e.Type) {
	case frame.KindText:
		return frame.NewTextFrame(md, e.Text)
	case frame.KindImage:
		return frame.NewImageFrame(md, file, e.Width, e.Height, e.Format, e.Text)
	case frame.KindDocument:
		return frame.NewDocumentFrame(md, file, e.Text)
	case frame.KindAudio:
		return frame.NewAudioFrame(md, file, e.Duration)
	case frame.KindVoice:
		return frame.NewVoiceFrame(md, file, e.Duration)
	case frame.KindSticker:
		return frame.NewStickerFrame(md, file, e.Emoji, e.SetName, e.Format)
	case frame.KindCommand:
		args := e.Args
		if args == nil {
			args = []string{}
		}
		return frame.NewCommandFrame(md, e.Command, args)
	default:
		return nil, archive.NewValidationError("envelope.type", "unknown frame type %q", e.Type)
	}
}

// LoadFrame reads an envelope file and builds its frame.
func LoadFrame(path string) (frame.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return env.Frame()
}
