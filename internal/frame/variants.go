package frame

import (
	"strings"

	"chronicler/internal/archive"
)

// TextFrame is a plain text message.
type TextFrame struct {
	base
}

// NewTextFrame requires non-blank text.
func NewTextFrame(md archive.Metadata, text string) (*TextFrame, error) {
	if strings.TrimSpace(text) == "" {
		return nil, archive.NewValidationError("text.text", "text is required")
	}
	b, err := newBase(md, text)
	if err != nil {
		return nil, err
	}
	return &TextFrame{base: b}, nil
}

func (*TextFrame) Kind() Kind { return KindText }

var imageFormats = map[string]struct{ mime, ext string }{
	"jpeg": {"image/jpeg", "jpg"},
	"jpg":  {"image/jpeg", "jpg"},
	"png":  {"image/png", "png"},
	"webp": {"image/webp", "webp"},
	"gif":  {"image/gif", "gif"},
}

// ImageFrame is a photo with its pixel dimensions.
type ImageFrame struct {
	base
	media
	width  int
	height int
	format string
}

// NewImageFrame requires content and a recognized format (jpeg, png, webp,
// gif). The caption becomes the frame text.
func NewImageFrame(md archive.Metadata, f File, width, height int, format, caption string) (*ImageFrame, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	info, ok := imageFormats[format]
	if !ok {
		return nil, archive.NewValidationError("image.format", "unrecognized image format %q", format)
	}
	if width < 0 || height < 0 {
		return nil, archive.NewValidationError("image.dimensions", "dimensions must not be negative")
	}
	m, err := newMedia(KindImage, f, info.mime, info.ext)
	if err != nil {
		return nil, err
	}
	b, err := newBase(md, caption)
	if err != nil {
		return nil, err
	}
	if format == "jpg" {
		format = "jpeg"
	}
	return &ImageFrame{base: b, media: m, width: width, height: height, format: format}, nil
}

func (*ImageFrame) Kind() Kind { return KindImage }

func (i *ImageFrame) Width() int     { return i.width }
func (i *ImageFrame) Height() int    { return i.height }
func (i *ImageFrame) Format() string { return i.format }

// DocumentFrame is an arbitrary file sent as a document.
type DocumentFrame struct {
	base
	media
}

// NewDocumentFrame requires content and a filename.
func NewDocumentFrame(md archive.Metadata, f File, caption string) (*DocumentFrame, error) {
	if strings.TrimSpace(f.Filename) == "" {
		return nil, archive.NewValidationError("document.filename", "filename is required")
	}
	m, err := newMedia(KindDocument, f, "application/octet-stream", "bin")
	if err != nil {
		return nil, err
	}
	b, err := newBase(md, caption)
	if err != nil {
		return nil, err
	}
	return &DocumentFrame{base: b, media: m}, nil
}

func (*DocumentFrame) Kind() Kind { return KindDocument }

// AudioFrame is a music or audio file.
type AudioFrame struct {
	base
	media
	duration int
}

// NewAudioFrame requires content and a non-negative duration.
func NewAudioFrame(md archive.Metadata, f File, duration int) (*AudioFrame, error) {
	if duration < 0 {
		return nil, archive.NewValidationError("audio.duration", "duration must not be negative")
	}
	m, err := newMedia(KindAudio, f, "audio/mpeg", "mp3")
	if err != nil {
		return nil, err
	}
	b, err := newBase(md, "")
	if err != nil {
		return nil, err
	}
	return &AudioFrame{base: b, media: m, duration: duration}, nil
}

func (*AudioFrame) Kind() Kind { return KindAudio }

// Duration is the play length in seconds.
func (a *AudioFrame) Duration() int { return a.duration }

// VoiceFrame is a recorded voice note.
type VoiceFrame struct {
	base
	media
	duration int
}

// NewVoiceFrame requires content and a non-negative duration.
func NewVoiceFrame(md archive.Metadata, f File, duration int) (*VoiceFrame, error) {
	if duration < 0 {
		return nil, archive.NewValidationError("voice.duration", "duration must not be negative")
	}
	m, err := newMedia(KindVoice, f, "audio/ogg", "ogg")
	if err != nil {
		return nil, err
	}
	b, err := newBase(md, "")
	if err != nil {
		return nil, err
	}
	return &VoiceFrame{base: b, media: m, duration: duration}, nil
}

func (*VoiceFrame) Kind() Kind { return KindVoice }

// Duration is the play length in seconds.
func (v *VoiceFrame) Duration() int { return v.duration }

var stickerFormats = map[string]struct{ mime, ext string }{
	"webp": {"image/webp", "webp"},
	"tgs":  {"application/x-tgsticker", "tgs"},
	"webm": {"video/webm", "webm"},
}

// StickerFrame is a sticker from a sticker set.
type StickerFrame struct {
	base
	media
	emoji   string
	setName string
	format  string
}

// NewStickerFrame requires content. format (webp, tgs or webm, default
// webp) selects the MIME type; emoji and setName are optional.
func NewStickerFrame(md archive.Metadata, f File, emoji, setName, format string) (*StickerFrame, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "webp"
	}
	info, ok := stickerFormats[format]
	if !ok {
		return nil, archive.NewValidationError("sticker.format", "unrecognized sticker format %q", format)
	}
	f.MIMEType = info.mime
	m, err := newMedia(KindSticker, f, info.mime, info.ext)
	if err != nil {
		return nil, err
	}
	b, err := newBase(md, emoji)
	if err != nil {
		return nil, err
	}
	return &StickerFrame{base: b, media: m, emoji: emoji, setName: setName, format: format}, nil
}

func (*StickerFrame) Kind() Kind { return KindSticker }

func (s *StickerFrame) Emoji() string   { return s.emoji }
func (s *StickerFrame) SetName() string { return s.setName }
func (s *StickerFrame) Format() string  { return s.format }

// CommandFrame is a bot command such as "/status now". It is handled
// before storage and never archived.
type CommandFrame struct {
	base
	command string
	args    []string
}

// NewCommandFrame requires a command starting with "/". The command is
// lower-cased; a nil args becomes an empty list.
func NewCommandFrame(md archive.Metadata, command string, args []string) (*CommandFrame, error) {
	command = strings.ToLower(strings.TrimSpace(command))
	if len(command) < 2 || !strings.HasPrefix(command, "/") {
		return nil, archive.NewValidationError("command.command", "command must start with / and name a command")
	}
	text := command
	if len(args) > 0 {
		text += " " + strings.Join(args, " ")
	}
	b, err := newBase(md, text)
	if err != nil {
		return nil, err
	}
	return &CommandFrame{base: b, command: command, args: append([]string{}, args...)}, nil
}

func (*CommandFrame) Kind() Kind { return KindCommand }

// Command returns the lower-cased command including the leading slash.
func (c *CommandFrame) Command() string { return c.command }

// Args returns a copy of the arguments.
func (c *CommandFrame) Args() []string { return append([]string{}, c.args...) }

var (
	_ Frame = (*TextFrame)(nil)
	_ Frame = (*ImageFrame)(nil)
	_ Frame = (*DocumentFrame)(nil)
	_ Frame = (*AudioFrame)(nil)
	_ Frame = (*VoiceFrame)(nil)
	_ Frame = (*StickerFrame)(nil)
	_ Frame = (*CommandFrame)(nil)
)
