package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
)

type orderSink struct {
	mu    sync.Mutex
	seen  map[string][]string
	delay time.Duration
}

func (s *orderSink) Name() string { return "order" }

func (s *orderSink) Persist(ctx context.Context, f frame.Frame) (*archive.SaveResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := StreamKey(f)
	s.seen[key] = append(s.seen[key], f.Text())
	return &archive.SaveResult{}, nil
}

func TestStreamKey(t *testing.T) {
	f, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -100, "thread_id": 4}, "x")
	if got := StreamKey(f); got != "-100/4" {
		t.Errorf("StreamKey() = %q", got)
	}
	f, _ = frame.NewTextFrame(archive.Metadata{"chat_id": -100}, "x")
	if got := StreamKey(f); got != "-100/0" {
		t.Errorf("StreamKey() = %q", got)
	}
}

func TestDispatcher_OrderPerStream(t *testing.T) {
	sink := &orderSink{seen: map[string][]string{}, delay: time.Millisecond}
	d := NewDispatcher(newPipeline(sink), 4)
	ctx := context.Background()

	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var outs []<-chan Outcome
	for _, s := range texts {
		for _, thread := range []int64{1, 2} {
			f, err := frame.NewTextFrame(archive.Metadata{"chat_id": -100, "thread_id": thread, "message_id": 1}, s)
			if err != nil {
				t.Fatal(err)
			}
			outs = append(outs, d.Submit(ctx, f))
		}
	}
	for _, out := range outs {
		if o := <-out; o.Err != nil {
			t.Fatalf("Outcome error = %v", o.Err)
		}
	}
	d.Close()

	for _, key := range []string{"-100/1", "-100/2"} {
		got := sink.seen[key]
		if len(got) != len(texts) {
			t.Fatalf("stream %s got %d frames, want %d", key, len(got), len(texts))
		}
		for i := range texts {
			if got[i] != texts[i] {
				t.Errorf("stream %s order = %v", key, got)
				break
			}
		}
	}
}

func TestDispatcher_Close(t *testing.T) {
	sink := &orderSink{seen: map[string][]string{}}
	d := NewDispatcher(newPipeline(sink), 0)
	ctx := context.Background()

	f, _ := frame.NewTextFrame(archive.Metadata{"chat_id": -1, "message_id": 1}, "x")
	res, err := d.Process(ctx, f)
	if err != nil || res.State != StatePersisted {
		t.Fatalf("Process() = %+v, %v", res, err)
	}

	d.Close()
	d.Close()
	if _, err := d.Process(ctx, f); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Process() after Close error = %v, want ErrDispatcherClosed", err)
	}
}

func TestDispatcher_ReapsIdleStreams(t *testing.T) {
	sink := &orderSink{seen: map[string][]string{}}
	d := NewDispatcher(newPipeline(sink), 4)
	d.SetIdleTimeout(10 * time.Millisecond)
	defer d.Close()
	ctx := context.Background()

	submit := func(t *testing.T, chat int64, text string) {
		t.Helper()
		f, err := frame.NewTextFrame(archive.Metadata{"chat_id": chat, "message_id": 1}, text)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := d.Process(ctx, f); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	for chat := int64(-1); chat >= -20; chat-- {
		submit(t, chat, "a")
	}
	if got := d.Streams(); got == 0 {
		t.Fatal("Streams() = 0 right after processing")
	}

	deadline := time.Now().Add(5 * time.Second)
	for d.Streams() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Streams() = %d, idle workers were not released", d.Streams())
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Run("stream restarts", func(t *testing.T) {
		submit(t, -1, "b")
		sink.mu.Lock()
		got := sink.seen["-1/0"]
		sink.mu.Unlock()
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("stream -1/0 = %v, want [a b]", got)
		}
	})
}
