package archive

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed Frame or Message. It is a caller bug
// and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TopicResolutionError reports group or topic identifiers that cannot be
// mapped onto the archive layout.
type TopicResolutionError struct {
	GroupID int64
	TopicID int64
	Reason  string
}

func (e *TopicResolutionError) Error() string {
	return fmt.Sprintf("resolving topic %d in group %d: %s", e.TopicID, e.GroupID, e.Reason)
}

// AttachmentConflictError reports an attachment id that already exists on
// disk with different content. It requires operator intervention.
type AttachmentConflictError struct {
	ID   string
	Path string
}

func (e *AttachmentConflictError) Error() string {
	return fmt.Sprintf("attachment %s conflicts with existing content at %s", e.ID, e.Path)
}

// SerializationError reports a Message that could not be encoded.
type SerializationError struct {
	MessageID string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serializing message %s: %v", e.MessageID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// CommitError reports a git commit that failed after all attempts.
type CommitError struct {
	Attempts int
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// PushError reports a failed delivery to the remote. Rejected is set when the
// remote refused a non-fast-forward update.
type PushError struct {
	Rejected bool
	Err      error
}

func (e *PushError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("push rejected by remote: %v", e.Err)
	}
	return fmt.Sprintf("push failed: %v", e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// DecodeError reports a corrupt log line. Line is 1-based.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SaveError wraps a SaveMessage failure with the stage it reached.
type SaveError struct {
	Stage     Stage
	Topic     Topic
	MessageID string
	Err       error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("saving message %s in topic %s at stage %s: %v", e.MessageID, e.Topic.Key(), e.Stage, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying by redelivery. Validation
// and conflict errors are permanent; everything else may succeed later.
func IsRetryable(err error) bool {
	var verr *ValidationError
	var cerr *AttachmentConflictError
	var terr *TopicResolutionError
	var serr *SerializationError
	switch {
	case errors.As(err, &verr), errors.As(err, &cerr), errors.As(err, &terr), errors.As(err, &serr):
		return false
	}
	return err != nil
}
