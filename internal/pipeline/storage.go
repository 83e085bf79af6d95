package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
)

// Archiver is the part of archive.Coordinator the storage sink needs.
type Archiver interface {
	EnsureTopic(ctx context.Context, ref archive.TopicRef) (archive.Topic, error)
	SaveMessage(ctx context.Context, topic archive.Topic, msg archive.Message) (*archive.SaveResult, error)
}

// StorageProcessor is the terminal sink: it projects a frame onto a topic
// and a message and hands them to the archive.
type StorageProcessor struct {
	archiver Archiver
	clock    archive.Clock
}

// NewStorageProcessor creates the storage sink.
func NewStorageProcessor(a Archiver, clock archive.Clock) *StorageProcessor {
	return &StorageProcessor{archiver: a, clock: clock}
}

func (s *StorageProcessor) Name() string { return "storage" }

// Persist resolves the frame's topic and saves its message.
func (s *StorageProcessor) Persist(ctx context.Context, f frame.Frame) (*archive.SaveResult, error) {
	ref, msg, err := s.Project(f)
	if err != nil {
		return nil, err
	}
	topic, err := s.archiver.EnsureTopic(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.archiver.SaveMessage(ctx, topic, msg)
}

// Project maps a frame to the topic it belongs to and the message to store.
// Command frames have no projection.
func (s *StorageProcessor) Project(f frame.Frame) (archive.TopicRef, archive.Message, error) {
	md := f.Metadata()

	ref, err := topicRef(md)
	if err != nil {
		return archive.TopicRef{}, archive.Message{}, err
	}

	mid, ok, err := archive.MetadataInt(md, "message_id")
	if err != nil {
		return archive.TopicRef{}, archive.Message{}, err
	}
	if !ok {
		return archive.TopicRef{}, archive.Message{}, archive.NewValidationError("metadata.message_id", "message id is required")
	}

	ts, err := s.timestamp(md)
	if err != nil {
		return archive.TopicRef{}, archive.Message{}, err
	}

	content := f.Text()
	var atts []archive.Attachment
	switch v := f.(type) {
	case *frame.TextFrame:
	case *frame.ImageFrame:
		md["width"] = int64(v.Width())
		md["height"] = int64(v.Height())
		atts = append(atts, attachment(v.File()))
	case *frame.DocumentFrame:
		atts = append(atts, attachment(v.File()))
	case *frame.AudioFrame:
		md["duration"] = int64(v.Duration())
		atts = append(atts, attachment(v.File()))
	case *frame.VoiceFrame:
		md["duration"] = int64(v.Duration())
		atts = append(atts, attachment(v.File()))
	case *frame.StickerFrame:
		if v.Emoji() != "" {
			md["emoji"] = v.Emoji()
		}
		if v.SetName() != "" {
			md["set_name"] = v.SetName()
		}
		atts = append(atts, attachment(v.File()))
	case *frame.CommandFrame:
		return archive.TopicRef{}, archive.Message{}, archive.NewValidationError("frame", "command frames are not archived")
	default:
		return archive.TopicRef{}, archive.Message{}, archive.NewValidationError("frame", "unsupported frame type %T", f)
	}
	if content == "" && len(atts) > 0 {
		content = fmt.Sprintf("[%s: %s]", f.Kind(), atts[0].Filename)
	}

	msg, err := archive.NewMessage(strconv.FormatInt(mid, 10), content, ts, md, atts)
	if err != nil {
		return archive.TopicRef{}, archive.Message{}, err
	}
	return ref, msg, nil
}

func topicRef(md archive.Metadata) (archive.TopicRef, error) {
	chatID, ok, err := archive.MetadataInt(md, "chat_id")
	if err != nil {
		return archive.TopicRef{}, err
	}
	if !ok {
		return archive.TopicRef{}, &archive.TopicResolutionError{Reason: "metadata has no chat_id"}
	}
	threadID, _, err := archive.MetadataInt(md, "thread_id")
	if err != nil {
		return archive.TopicRef{}, err
	}
	return archive.TopicRef{
		GroupID:   chatID,
		TopicID:   threadID,
		GroupName: archive.MetadataString(md, "chat_title"),
		TopicName: archive.MetadataString(md, "topic_name"),
	}, nil
}

// timestamp reads metadata "date" as unix seconds or an RFC 3339 string and
// falls back to the clock.
func (s *StorageProcessor) timestamp(md archive.Metadata) (time.Time, error) {
	switch v := md["date"].(type) {
	case nil:
		return s.clock.Now().UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, archive.NewValidationError("metadata.date", "%v", err)
		}
		return ts.UTC(), nil
	default:
		secs, ok, err := archive.MetadataInt(md, "date")
		if err != nil || !ok {
			return time.Time{}, archive.NewValidationError("metadata.date", "expected unix seconds or RFC 3339, got %T", v)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
}

func attachment(f frame.File) archive.Attachment {
	return archive.Attachment{
		ID:       f.AttachmentID(),
		MIMEType: f.MIMEType,
		Filename: f.Filename,
		Content:  f.Content,
	}
}

var _ Sink = (*StorageProcessor)(nil)
