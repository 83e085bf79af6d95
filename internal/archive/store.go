package archive

import (
	"context"
	"io"
	"time"
)

// AttachmentStore writes attachment bytes under a topic's media directory.
type AttachmentStore interface {
	// Put stores att.Content and returns the topic-relative path
	// (media/<bucket>/<id>.<ext>). Storing identical bytes again returns the
	// same path without rewriting; different bytes under the same path fail
	// with *AttachmentConflictError.
	Put(ctx context.Context, topic Topic, att Attachment) (string, error)

	// Exists reports whether the topic-relative path is present on disk.
	Exists(topic Topic, relPath string) (bool, error)
}

// MessageLog is the per-topic append-only log of serialized messages.
type MessageLog interface {
	// Init creates the topic directory and an empty log if absent.
	Init(ctx context.Context, topic Topic) error

	// Contains reports whether a message with id is already in the topic log.
	Contains(ctx context.Context, topic Topic, id string) (bool, error)

	// Append writes msg as a single line at the end of the topic log.
	Append(ctx context.Context, topic Topic, msg Message) error

	// Read returns every decodable message in order plus one DecodeError per
	// corrupt line. A non-nil error means the log could not be read at all.
	Read(ctx context.Context, topic Topic) ([]Message, []*DecodeError, error)

	// RepairTail truncates a trailing partial line left by an interrupted
	// append. It reports whether anything was removed.
	RepairTail(ctx context.Context, topic Topic) (bool, error)
}

// MetadataStore persists the group/topic name mapping.
type MetadataStore interface {
	// Ensure records the group and topic, updating names only when the new
	// ones are non-empty and different. changed reports whether the file was
	// rewritten.
	Ensure(topic Topic) (changed bool, err error)

	// Lookup fills in stored names for a topic. ok is false for unknown topics.
	Lookup(groupID, topicID int64) (Topic, bool, error)

	// Topics lists every known topic ordered by group and topic id.
	Topics() ([]Topic, error)

	// Path returns the mapping file path relative to the repository root.
	Path() string
}

// Repository is the version-control working tree the archive lives in.
type Repository interface {
	// Root is the absolute path of the working tree.
	Root() string

	// Init creates the repository if needed and configures identity and remote.
	Init(ctx context.Context) error

	// Stage adds the given root-relative paths to the index.
	Stage(ctx context.Context, paths ...string) error

	// Unstage resets the given paths in the index, leaving files untouched.
	Unstage(ctx context.Context, paths ...string) error

	// Commit records the index. It returns Empty when nothing was staged.
	Commit(ctx context.Context, message string) (CommitResult, error)

	// Push sends local commits to the configured remote.
	Push(ctx context.Context) (PushResult, error)

	// PullRebase replays local commits on top of the remote branch.
	PullRebase(ctx context.Context) error

	// Dirty lists modified or untracked root-relative paths under the given
	// pathspecs (the whole tree when none are given).
	Dirty(ctx context.Context, paths ...string) ([]string, error)
}

// OperationStatus is the outcome recorded for a save operation.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationSuccess   OperationStatus = "success"
	OperationDuplicate OperationStatus = "duplicate"
	OperationError     OperationStatus = "error"
)

// Operation is one journaled SaveMessage call.
type Operation struct {
	ID            string
	CorrelationID string
	GroupID       int64
	TopicID       int64
	MessageID     string
	Stage         Stage
	Status        OperationStatus
	Error         string
	CommitHash    string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// MirrorItem is a committed attachment waiting to be copied off-site.
type MirrorItem struct {
	ID         int64
	Path       string // root-relative
	Checksum   string
	Size       int64
	EnqueuedAt time.Time
}

// Journal records save operations and the off-site mirror queue.
type Journal interface {
	BeginOperation(op *Operation) error
	UpdateStage(id string, stage Stage) error
	FinishOperation(id string, status OperationStatus, errText, commitHash string, finishedAt time.Time) error
	// ListOperations returns operations newest first. limit <= 0 means no limit.
	ListOperations(limit int, failedOnly bool) ([]*Operation, error)

	EnqueueMirror(item *MirrorItem) error
	// NextMirror returns the oldest queued item, or nil when the queue is empty.
	NextMirror() (*MirrorItem, error)
	RemoveMirror(id int64) error
	CountMirror() (int, error)

	Close() error
}

// Vault is an off-site store for attachment bytes, keyed by checksum.
type Vault interface {
	// PutContent stores content identified by its checksum. Storing the same
	// checksum again is safe. size is the number of bytes read from r.
	PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error

	// GetContent retrieves content by checksum and writes it to w.
	GetContent(ctx context.Context, checksum string, w io.Writer) error

	// HasContent reports whether checksum is already stored.
	HasContent(ctx context.Context, checksum string) (bool, error)

	// ValidateSetup verifies that the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts mirrored content with a public key. Decryption needs
// the passphrase-protected private key.
type Encryptor interface {
	// Setup generates a key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key for the session.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
