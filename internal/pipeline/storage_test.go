package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/codec"
	"chronicler/internal/frame"
	"chronicler/internal/testutil"
)

type fakeArchiver struct {
	refs []archive.TopicRef
	msgs []archive.Message
}

func (a *fakeArchiver) EnsureTopic(ctx context.Context, ref archive.TopicRef) (archive.Topic, error) {
	a.refs = append(a.refs, ref)
	return archive.Topic{GroupID: ref.GroupID, ID: ref.TopicID, Name: ref.TopicName, GroupName: ref.GroupName}, nil
}

func (a *fakeArchiver) SaveMessage(ctx context.Context, topic archive.Topic, msg archive.Message) (*archive.SaveResult, error) {
	a.msgs = append(a.msgs, msg)
	return &archive.SaveResult{Message: msg}, nil
}

func TestStorageProcessor_Project(t *testing.T) {
	s := NewStorageProcessor(&fakeArchiver{}, testutil.FixedClock())

	t.Run("text frame", func(t *testing.T) {
		f, _ := frame.NewTextFrame(archive.Metadata{
			"chat_id": -100, "thread_id": 7, "message_id": 42,
			"chat_title": "Team", "topic_name": "Ops", "date": 1705314600,
		}, "hello")
		ref, msg, err := s.Project(f)
		if err != nil {
			t.Fatalf("Project() error = %v", err)
		}
		want := archive.TopicRef{GroupID: -100, TopicID: 7, GroupName: "Team", TopicName: "Ops"}
		if ref != want {
			t.Errorf("TopicRef = %+v, want %+v", ref, want)
		}
		if msg.ID != "42" || msg.Content != "hello" || len(msg.Attachments) != 0 {
			t.Errorf("Message = %+v", msg)
		}
		if !msg.Timestamp.Equal(time.Unix(1705314600, 0)) {
			t.Errorf("Timestamp = %v", msg.Timestamp)
		}
	})

	t.Run("missing thread is topic zero", func(t *testing.T) {
		f, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -5, "message_id": 1}, "x")
		ref, _, err := s.Project(f)
		if err != nil {
			t.Fatalf("Project() error = %v", err)
		}
		if ref.TopicID != 0 {
			t.Errorf("TopicID = %d, want 0", ref.TopicID)
		}
	})

	t.Run("RFC 3339 date", func(t *testing.T) {
		f, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -5, "message_id": 1, "date": "2024-03-01T12:00:00+02:00"}, "x")
		_, msg, err := s.Project(f)
		if err != nil {
			t.Fatalf("Project() error = %v", err)
		}
		if want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC); !msg.Timestamp.Equal(want) || msg.Timestamp.Location() != time.UTC {
			t.Errorf("Timestamp = %v, want %v", msg.Timestamp, want)
		}
	})

	t.Run("clock fallback", func(t *testing.T) {
		f, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -5, "message_id": 1}, "x")
		_, msg, err := s.Project(f)
		if err != nil {
			t.Fatalf("Project() error = %v", err)
		}
		if !msg.Timestamp.Equal(testutil.FixedClock().Now()) {
			t.Errorf("Timestamp = %v", msg.Timestamp)
		}
	})

	t.Run("image gets placeholder and dimensions", func(t *testing.T) {
		f, _ := frame.NewImageFrame(archive.Metadata{"chat_id": -5, "message_id": 2},
			frame.File{Content: []byte("0123456789"), FileUniqueID: "img1"}, 640, 480, "jpeg", "")
		_, msg, err := s.Project(f)
		if err != nil {
			t.Fatalf("Project() error = %v", err)
		}
		if msg.Content != "[image: image.jpg]" {
			t.Errorf("Content = %q", msg.Content)
		}
		if msg.Metadata["width"] != int64(640) || msg.Metadata["height"] != int64(480) {
			t.Errorf("Metadata = %v", msg.Metadata)
		}
		if len(msg.Attachments) != 1 || msg.Attachments[0].ID != "img1" || msg.Attachments[0].MIMEType != "image/jpeg" {
			t.Errorf("Attachments = %+v", msg.Attachments)
		}
	})

	t.Run("sticker metadata", func(t *testing.T) {
		f, _ := frame.NewStickerFrame(archive.Metadata{"chat_id": -5, "message_id": 3},
			frame.File{Content: []byte("RIFF"), FileUniqueID: "st1"}, "🎉", "party", "webp")
		_, msg, err := s.Project(f)
		if err != nil {
			t.Fatalf("Project() error = %v", err)
		}
		if msg.Content != "🎉" || msg.Metadata["emoji"] != "🎉" || msg.Metadata["set_name"] != "party" {
			t.Errorf("Message = %+v", msg)
		}
	})

	tests := []struct {
		name string
		md   archive.Metadata
		want any
	}{
		{"missing chat", archive.Metadata{"message_id": 1}, &archive.TopicResolutionError{}},
		{"missing message id", archive.Metadata{"chat_id": -5}, &archive.ValidationError{}},
		{"bad date", archive.Metadata{"chat_id": -5, "message_id": 1, "date": "yesterday"}, &archive.ValidationError{}},
		{"date past year 9999", archive.Metadata{"chat_id": -5, "message_id": 1, "date": 253402300800}, &archive.ValidationError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := frame.NewTextFrame(tt.md, "x")
			if err != nil {
				t.Fatal(err)
			}
			_, _, err = s.Project(f)
			switch tt.want.(type) {
			case *archive.TopicResolutionError:
				var target *archive.TopicResolutionError
				if !errors.As(err, &target) {
					t.Errorf("Project() error = %v, want TopicResolutionError", err)
				}
			case *archive.ValidationError:
				var target *archive.ValidationError
				if !errors.As(err, &target) {
					t.Errorf("Project() error = %v, want ValidationError", err)
				}
			}
		})
	}

	t.Run("commands are rejected", func(t *testing.T) {
		f, _ := frame.NewCommandFrame(archive.Metadata{"chat_id": -5, "message_id": 1}, "/status", nil)
		_, _, err := s.Project(f)
		var verr *archive.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Project() error = %v, want ValidationError", err)
		}
	})
}

func TestStorageProcessor_Persist(t *testing.T) {
	a := &fakeArchiver{}
	s := NewStorageProcessor(a, testutil.FixedClock())
	f, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -100, "thread_id": 2, "message_id": 9}, "hi")

	res, err := s.Persist(context.Background(), f)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if len(a.refs) != 1 || len(a.msgs) != 1 || res.Message.ID != "9" {
		t.Errorf("archiver saw refs=%v msgs=%v", a.refs, a.msgs)
	}
}

func TestStorageProcessor_EndToEnd(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	p := New(NewStorageProcessor(arc.Coord, arc.Clock), archive.NewNopLogger(), arc.Clock, testutil.NewStubIDGenerator("corr"))
	ctx := context.Background()

	text, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -100, "thread_id": 5, "message_id": 1}, "hello")
	if _, err := p.Process(ctx, text); err != nil {
		t.Fatalf("Process(text) error = %v", err)
	}
	img, _ := frame.NewImageFrame(archive.Metadata{"chat_id": -100, "thread_id": 5, "message_id": 2},
		frame.File{Content: []byte("0123456789"), FileUniqueID: "img1"}, 1, 1, "jpeg", "pic")
	res, err := p.Process(ctx, img)
	if err != nil {
		t.Fatalf("Process(image) error = %v", err)
	}
	if res.Save.Commit.Hash == "" {
		t.Error("image save produced no commit")
	}

	if got := string(arc.ReadFile(t, "-100/5/media/jpg/img1.jpg")); got != "0123456789" {
		t.Errorf("attachment content = %q", got)
	}
	lines := strings.Split(strings.TrimSuffix(string(arc.ReadFile(t, "-100/5/messages.jsonl")), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("log has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"attachments":[]`) {
		t.Errorf("text line = %s", lines[0])
	}
	msg, err := codec.Decode([]byte(lines[1]))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Path != "media/jpg/img1.jpg" {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
	if s := testutil.Status(t, arc.Repo); s != "" {
		t.Errorf("working tree not clean:\n%s", s)
	}

	// Redelivery is a duplicate.
	res, err = p.Process(ctx, img)
	if err != nil {
		t.Fatalf("Process(redelivered) error = %v", err)
	}
	if !res.Save.Duplicate {
		t.Error("redelivered frame not reported as duplicate")
	}
}
