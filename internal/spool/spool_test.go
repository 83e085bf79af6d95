package spool

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
	"chronicler/internal/pipeline"
)

type stubHandler struct {
	mu     sync.Mutex
	frames []frame.Frame
	err    error
}

func (h *stubHandler) Process(ctx context.Context, f frame.Frame) (*pipeline.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
	if h.err != nil {
		return &pipeline.Result{State: pipeline.StateFailed}, h.err
	}
	return &pipeline.Result{State: pipeline.StatePersisted, CorrelationID: "c-1"}, nil
}

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func writeEnvelope(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const textEnvelope = `{"type":"text","text":"hello","metadata":{"chat_id":-1001234567890,"thread_id":5,"message_id":1}}`

func TestDecodeEnvelope_Frames(t *testing.T) {
	jpeg := base64.StdEncoding.EncodeToString([]byte("0123456789"))
	tests := []struct {
		name string
		body string
		kind frame.Kind
	}{
		{"text", textEnvelope, frame.KindText},
		{"image", `{"type":"image","metadata":{"chat_id":-1,"message_id":2},"content":"` + jpeg + `","file_unique_id":"img1","width":1,"height":1,"format":"jpeg"}`, frame.KindImage},
		{"document", `{"type":"document","text":"q3","metadata":{"chat_id":-1,"message_id":3},"content":"` + jpeg + `","filename":"r.pdf","mime_type":"application/pdf"}`, frame.KindDocument},
		{"voice", `{"type":"voice","metadata":{"chat_id":-1,"message_id":4},"content":"` + jpeg + `","duration":3}`, frame.KindVoice},
		{"sticker", `{"type":"sticker","metadata":{"chat_id":-1,"message_id":5},"content":"` + jpeg + `","emoji":"🎉"}`, frame.KindSticker},
		{"command", `{"type":"command","metadata":{"chat_id":-1,"message_id":6},"command":"/status"}`, frame.KindCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeEnvelope() error = %v", err)
			}
			f, err := env.Frame()
			if err != nil {
				t.Fatalf("Frame() error = %v", err)
			}
			if f.Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", f.Kind(), tt.kind)
			}
		})
	}

	t.Run("large chat id is exact", func(t *testing.T) {
		env, _ := DecodeEnvelope([]byte(textEnvelope))
		f, err := env.Frame()
		if err != nil {
			t.Fatal(err)
		}
		if got := f.Metadata()["chat_id"]; got != int64(-1001234567890) {
			t.Errorf("chat_id = %#v", got)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		env, _ := DecodeEnvelope([]byte(`{"type":"poll","metadata":{}}`))
		_, err := env.Frame()
		var verr *archive.ValidationError
		if !errors.As(err, &verr) || verr.Field != "envelope.type" {
			t.Errorf("Frame() error = %v", err)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		if _, err := DecodeEnvelope([]byte(`{"type":`)); err == nil {
			t.Error("DecodeEnvelope() error = nil")
		}
	})
}

func TestIgnoreMatcher(t *testing.T) {
	m := NewIgnoreMatcher([]string{"", "# comment", ".*", "*.tmp"})
	tests := []struct {
		name string
		want bool
	}{
		{"msg-1.json", false},
		{".hidden.json", true},
		{"msg-2.json.tmp", true},
		{IgnoreFileName, true},
		{"msg-1.json.err", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Match(tt.name); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestSpool_Scan(t *testing.T) {
	dir := t.TempDir()
	h := &stubHandler{}
	s, err := New(dir, h, Options{Ignore: []string{"*.tmp"}}, archive.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	writeEnvelope(t, dir, "b.json", textEnvelope)
	writeEnvelope(t, dir, "a.json", strings.Replace(textEnvelope, `"message_id":1`, `"message_id":0`, 1))
	writeEnvelope(t, dir, "c.json", `not json`)
	writeEnvelope(t, dir, "d.json.tmp", textEnvelope)

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if res.Done != 2 || res.Failed != 1 || res.Ignored != 1 {
		t.Errorf("Scan() = %+v", res)
	}

	if h.count() != 2 {
		t.Fatalf("handler frames = %d, want 2", h.count())
	}
	if h.frames[0].Metadata()["message_id"] != int64(0) {
		t.Errorf("first frame = %v, want a.json first", h.frames[0].Metadata())
	}
	for _, name := range []string{"a.json", "b.json"} {
		if !exists(filepath.Join(dir, DoneDir, name)) {
			t.Errorf("%s not moved to done", name)
		}
	}
	if !exists(filepath.Join(dir, FailedDir, "c.json")) {
		t.Error("c.json not moved to failed")
	}
	errText, err := os.ReadFile(filepath.Join(dir, FailedDir, "c.json.err"))
	if err != nil || !strings.Contains(string(errText), "envelope") {
		t.Errorf("error file = %q, %v", errText, err)
	}
	if !exists(filepath.Join(dir, "d.json.tmp")) {
		t.Error("ignored file was touched")
	}
}

func TestSpool_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent failure moves to failed", func(t *testing.T) {
		dir := t.TempDir()
		h := &stubHandler{err: archive.NewValidationError("metadata.message_id", "message id is required")}
		s, _ := New(dir, h, Options{}, archive.NewNopLogger())
		writeEnvelope(t, dir, "m.json", textEnvelope)

		r, err := s.Ingest(ctx, "m.json")
		if r != ResultFailed || err == nil {
			t.Errorf("Ingest() = %s, %v", r, err)
		}
		if !exists(filepath.Join(dir, FailedDir, "m.json")) {
			t.Error("file not in failed")
		}
	})

	t.Run("retryable failure stays", func(t *testing.T) {
		dir := t.TempDir()
		h := &stubHandler{err: &archive.CommitError{Attempts: 3, Err: errors.New("index.lock")}}
		s, _ := New(dir, h, Options{}, archive.NewNopLogger())
		writeEnvelope(t, dir, "m.json", textEnvelope)

		r, err := s.Ingest(ctx, "m.json")
		if r != ResultRetry || err == nil {
			t.Errorf("Ingest() = %s, %v", r, err)
		}
		if !exists(filepath.Join(dir, "m.json")) {
			t.Error("retryable file left the inbox")
		}

		h.err = nil
		if r, err := s.Ingest(ctx, "m.json"); r != ResultDone || err != nil {
			t.Errorf("second Ingest() = %s, %v", r, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		s, _ := New(t.TempDir(), &stubHandler{}, Options{}, archive.NewNopLogger())
		if r, err := s.Ingest(ctx, "gone.json"); r != ResultGone || err != nil {
			t.Errorf("Ingest() = %s, %v", r, err)
		}
	})
}

func TestSpool_IgnoreFile(t *testing.T) {
	dir := t.TempDir()
	writeEnvelope(t, dir, IgnoreFileName, "*.partial\n")
	s, err := New(dir, &stubHandler{}, Options{}, archive.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !s.matcher.Match("x.partial") {
		t.Error("pattern from ignore file not applied")
	}
}

func TestSpool_Watch(t *testing.T) {
	dir := t.TempDir()
	h := &stubHandler{}
	s, err := New(dir, h, Options{Ignore: []string{"*.tmp"}, Settle: 20 * time.Millisecond}, archive.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	writeEnvelope(t, dir, "early.json", textEnvelope)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	waitFor(t, func() bool { return exists(filepath.Join(dir, DoneDir, "early.json")) })

	writeEnvelope(t, dir, "late.json.tmp", textEnvelope)
	if err := os.Rename(filepath.Join(dir, "late.json.tmp"), filepath.Join(dir, "late.json")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return exists(filepath.Join(dir, DoneDir, "late.json")) })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
	if h.count() != 2 {
		t.Errorf("handler frames = %d, want 2", h.count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}
