package pipeline

import (
	"context"
	"errors"
	"testing"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
)

func TestCommandRouter(t *testing.T) {
	var handled []string
	router := NewCommandRouter(map[string]CommandHandler{
		"/status": func(ctx context.Context, cmd *frame.CommandFrame) error {
			handled = append(handled, cmd.Command())
			return nil
		},
		"/fail": func(ctx context.Context, cmd *frame.CommandFrame) error {
			return errors.New("unavailable")
		},
	}, archive.NewNopLogger())
	ctx := context.Background()
	md := archive.Metadata{"chat_id": -1, "message_id": 1}

	t.Run("handled and dropped", func(t *testing.T) {
		cmd, _ := frame.NewCommandFrame(md, "/status", nil)
		_, err := router.Process(ctx, cmd)
		if !errors.Is(err, ErrDrop) {
			t.Errorf("Process() error = %v, want ErrDrop", err)
		}
		if len(handled) != 1 {
			t.Errorf("handler calls = %d, want 1", len(handled))
		}
	})

	t.Run("unknown dropped", func(t *testing.T) {
		cmd, _ := frame.NewCommandFrame(md, "/nope", nil)
		if _, err := router.Process(ctx, cmd); !errors.Is(err, ErrDrop) {
			t.Errorf("Process() error = %v, want ErrDrop", err)
		}
	})

	t.Run("handler failure", func(t *testing.T) {
		cmd, _ := frame.NewCommandFrame(md, "/fail", nil)
		_, err := router.Process(ctx, cmd)
		if err == nil || errors.Is(err, ErrDrop) {
			t.Errorf("Process() error = %v, want failure", err)
		}
	})

	t.Run("other frames pass", func(t *testing.T) {
		text, _ := frame.NewTextFrame(md, "hi")
		got, err := router.Process(ctx, text)
		if err != nil || got != text {
			t.Errorf("Process() = %v, %v", got, err)
		}
	})
}

func TestChatFilter(t *testing.T) {
	ctx := context.Background()
	allowed, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -100, "message_id": 1}, "a")
	other, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -200, "message_id": 1}, "b")

	f := NewChatFilter(-100)
	if _, err := f.Process(ctx, allowed); err != nil {
		t.Errorf("Process(allowed) error = %v", err)
	}
	if _, err := f.Process(ctx, other); !errors.Is(err, ErrDrop) {
		t.Errorf("Process(other) error = %v, want ErrDrop", err)
	}
	if _, err := NewChatFilter().Process(ctx, other); err != nil {
		t.Errorf("empty filter Process() error = %v", err)
	}
}

func TestPipeline_CommandNeverReachesStorage(t *testing.T) {
	sink := &recordingSink{}
	p := newPipeline(sink, NewCommandRouter(nil, archive.NewNopLogger()))
	cmd, _ := frame.NewCommandFrame(archive.Metadata{"chat_id": -1, "message_id": 1}, "/start", nil)

	res, err := p.Process(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.State != StateDropped || len(sink.frames) != 0 {
		t.Errorf("Result = %+v, sink frames = %d", res, len(sink.frames))
	}
}
