package archive

import (
	"encoding/hex"
	"path"
	"reflect"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

const (
	// LogFileName is the per-topic append-only message log.
	LogFileName = "messages.jsonl"
	// MediaDirName is the per-topic attachment directory.
	MediaDirName = "media"
	// MetadataFileName is the repository-wide group/topic name mapping.
	MetadataFileName = "metadata.yaml"
)

// Topic identifies a topic stream within a group. Paths are derived from the
// numeric ids only; names live in the metadata mapping.
type Topic struct {
	GroupID   int64
	ID        int64
	Name      string
	GroupName string
}

// Key returns "<group>/<topic>", which is also the topic directory relative to
// the repository root.
func (t Topic) Key() string {
	return strconv.FormatInt(t.GroupID, 10) + "/" + strconv.FormatInt(t.ID, 10)
}

// Dir returns the topic directory relative to the repository root, using
// forward slashes.
func (t Topic) Dir() string {
	return t.Key()
}

// LogPath returns the topic's message log path relative to the repository root.
func (t Topic) LogPath() string {
	return path.Join(t.Dir(), LogFileName)
}

// Validate checks that the identifiers can be used as path segments.
func (t Topic) Validate() error {
	if t.GroupID == 0 {
		return &TopicResolutionError{GroupID: t.GroupID, TopicID: t.ID, Reason: "group id is required"}
	}
	if t.ID < 0 {
		return &TopicResolutionError{GroupID: t.GroupID, TopicID: t.ID, Reason: "topic id must not be negative"}
	}
	return nil
}

// DefaultTopicName is the name recorded for a topic first seen without one.
// Thread 1 is the forum's general topic; 0 stands for a chat without topics.
func DefaultTopicName(id int64) string {
	if id <= 1 {
		return "General"
	}
	return "Topic " + strconv.FormatInt(id, 10)
}

// TopicRef names a topic to resolve or create. Empty names leave any existing
// names untouched.
type TopicRef struct {
	GroupID   int64
	TopicID   int64
	GroupName string
	TopicName string
}

func (r TopicRef) topic() Topic {
	return Topic{GroupID: r.GroupID, ID: r.TopicID, Name: r.TopicName, GroupName: r.GroupName}
}

// Metadata carries frame metadata through to the log. Values are normalized
// by NormalizeMetadata.
type Metadata map[string]any

// Attachment references a binary file stored under the topic's media
// directory. Content is only set on attachments that still have to be
// materialized and is never serialized.
type Attachment struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Content  []byte `json:"-"`
}

// Materialized reports whether the attachment already has a storage path and
// no pending content.
func (a Attachment) Materialized() bool {
	return a.Path != "" && len(a.Content) == 0
}

// Message is the durable projection of a Frame.
type Message struct {
	ID          string
	Content     string
	Timestamp   time.Time
	Metadata    Metadata
	Attachments []Attachment
}

// NewMessage validates and normalizes the fields of a Message. The timestamp
// is converted to UTC.
func NewMessage(id, content string, ts time.Time, metadata Metadata, attachments []Attachment) (Message, error) {
	if id == "" {
		return Message{}, NewValidationError("id", "message id is required")
	}
	if err := validateText(id, content); err != nil {
		return Message{}, err
	}
	norm, err := NormalizeMetadata(metadata)
	if err != nil {
		return Message{}, err
	}
	if err := validateTimestamp(ts); err != nil {
		return Message{}, err
	}
	atts := make([]Attachment, len(attachments))
	for i, a := range attachments {
		if err := validateAttachment(a); err != nil {
			return Message{}, err
		}
		if a.MIMEType == "" {
			return Message{}, NewValidationError("attachments.mime_type", "attachment %s has no MIME type", a.ID)
		}
		atts[i] = a
	}
	return Message{
		ID:          id,
		Content:     content,
		Timestamp:   ts.UTC(),
		Metadata:    norm,
		Attachments: atts,
	}, nil
}

func validateText(id, content string) error {
	if !utf8.ValidString(id) {
		return NewValidationError("id", "message id is not valid UTF-8")
	}
	if !utf8.ValidString(content) {
		return NewValidationError("content", "content is not valid UTF-8")
	}
	return nil
}

// validateTimestamp rejects times outside the four-digit years an RFC 3339
// timestamp can carry.
func validateTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return NewValidationError("timestamp", "timestamp is required")
	}
	if y := ts.UTC().Year(); y < 0 || y > 9999 {
		return NewValidationError("timestamp", "year %d is outside 0000-9999", y)
	}
	return nil
}

func validateAttachment(a Attachment) error {
	if err := ValidateAttachmentID(a.ID); err != nil {
		return err
	}
	fields := []struct{ name, value string }{
		{"mime_type", a.MIMEType},
		{"filename", a.Filename},
		{"path", a.Path},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return NewValidationError("attachments."+f.name, "attachment %s %s is not valid UTF-8", a.ID, f.name)
		}
	}
	if !a.Materialized() && len(a.Content) == 0 {
		return NewValidationError("attachments.content", "attachment %s has no content", a.ID)
	}
	return nil
}

// Equal reports whether two messages have the same durable projection.
// Pending attachment content is ignored.
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.Content != o.Content || !m.Timestamp.Equal(o.Timestamp) {
		return false
	}
	if len(m.Attachments) != len(o.Attachments) {
		return false
	}
	for i := range m.Attachments {
		a, b := m.Attachments[i], o.Attachments[i]
		if a.ID != b.ID || a.MIMEType != b.MIMEType || a.Filename != b.Filename || a.Path != b.Path {
			return false
		}
	}
	if len(m.Metadata) == 0 && len(o.Metadata) == 0 {
		return true
	}
	return reflect.DeepEqual(m.Metadata, o.Metadata)
}

var attachmentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]*$`)

// ValidateAttachmentID checks that id is usable as a file name.
func ValidateAttachmentID(id string) error {
	if id == "" {
		return NewValidationError("attachments.id", "attachment id is required")
	}
	if len(id) > 128 || !attachmentIDPattern.MatchString(id) {
		return NewValidationError("attachments.id", "attachment id %q is not filesystem-safe", id)
	}
	return nil
}

// ContentChecksum returns the hex BLAKE3-256 digest of data.
func ContentChecksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Stage is a checkpoint of the save sequence.
type Stage string

const (
	StageResolvingTopic        Stage = "resolving_topic"
	StagePersistingAttachments Stage = "persisting_attachments"
	StageAppendingMessage      Stage = "appending_message"
	StageUpdatingMetadata      Stage = "updating_metadata"
	StageCommitting            Stage = "committing"
	StageCommitted             Stage = "committed"
)

// CommitResult describes the outcome of a commit.
type CommitResult struct {
	Hash     string
	Empty    bool
	Attempts int
}

// PushResult describes the outcome of a push.
type PushResult struct {
	Remote  string
	Branch  string
	Skipped bool // no remote configured
}
