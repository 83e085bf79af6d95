package archive_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/attachments"
	"chronicler/internal/testutil"
)

var (
	groupTopic = archive.TopicRef{GroupID: -100, TopicID: 5, GroupName: "Team", TopicName: "Ops"}
	ts         = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
)

func newMessage(t *testing.T, id, content string, atts ...archive.Attachment) archive.Message {
	t.Helper()
	msg, err := archive.NewMessage(id, content, ts, archive.Metadata{"message_id": id, "chat_id": -100}, atts)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	return msg
}

func ensureTopic(t *testing.T, coord *archive.Coordinator, ref archive.TopicRef) archive.Topic {
	t.Helper()
	topic, err := coord.EnsureTopic(context.Background(), ref)
	if err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}
	return topic
}

func save(t *testing.T, coord *archive.Coordinator, topic archive.Topic, msg archive.Message) *archive.SaveResult {
	t.Helper()
	res, err := coord.SaveMessage(context.Background(), topic, msg)
	if err != nil {
		t.Fatalf("SaveMessage(%s) error = %v", msg.ID, err)
	}
	return res
}

func logLines(t *testing.T, arc *testutil.Archive, topic archive.Topic) []string {
	t.Helper()
	data := strings.TrimSuffix(string(arc.ReadFile(t, topic.LogPath())), "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

func wantClean(t *testing.T, arc *testutil.Archive) {
	t.Helper()
	if st := testutil.Status(t, arc.Repo); st != "" {
		t.Errorf("working tree not clean:\n%s", st)
	}
}

func TestCoordinator_EnsureTopic(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	ctx := context.Background()

	topic := ensureTopic(t, arc.Coord, groupTopic)
	if topic.Name != "Ops" || topic.GroupName != "Team" {
		t.Errorf("topic = %+v", topic)
	}
	if got := testutil.CommitCount(t, arc.Repo); got != 1 {
		t.Errorf("CommitCount() = %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(arc.Repo.Root(), "-100", "5", archive.LogFileName)); err != nil {
		t.Errorf("topic log missing: %v", err)
	}
	wantClean(t, arc)

	t.Run("existing topic is not recommitted", func(t *testing.T) {
		again, err := arc.Coord.EnsureTopic(ctx, archive.TopicRef{GroupID: -100, TopicID: 5})
		if err != nil {
			t.Fatalf("EnsureTopic() error = %v", err)
		}
		if again.Name != "Ops" {
			t.Errorf("Name = %q, stored name should survive an empty ref", again.Name)
		}
		if got := testutil.CommitCount(t, arc.Repo); got != 1 {
			t.Errorf("CommitCount() = %d, want 1", got)
		}
	})

	t.Run("rename keeps the path", func(t *testing.T) {
		renamed := ensureTopic(t, arc.Coord, archive.TopicRef{GroupID: -100, TopicID: 5, TopicName: "Operations"})
		if renamed.Name != "Operations" || renamed.Dir() != "-100/5" {
			t.Errorf("renamed = %+v, dir %s", renamed, renamed.Dir())
		}
		if got := testutil.CommitCount(t, arc.Repo); got != 2 {
			t.Errorf("CommitCount() = %d, want 2", got)
		}
		if !strings.Contains(string(arc.ReadFile(t, archive.MetadataFileName)), "Operations") {
			t.Error("metadata does not record the new name")
		}
	})

	t.Run("default names", func(t *testing.T) {
		general := ensureTopic(t, arc.Coord, archive.TopicRef{GroupID: -200, TopicID: 0})
		numbered := ensureTopic(t, arc.Coord, archive.TopicRef{GroupID: -200, TopicID: 9})
		if general.Name != "General" || numbered.Name != "Topic 9" {
			t.Errorf("names = %q, %q", general.Name, numbered.Name)
		}
	})

	t.Run("invalid ids", func(t *testing.T) {
		for _, ref := range []archive.TopicRef{{GroupID: 0, TopicID: 1}, {GroupID: -100, TopicID: -1}} {
			_, err := arc.Coord.EnsureTopic(ctx, ref)
			var terr *archive.TopicResolutionError
			if !errors.As(err, &terr) {
				t.Errorf("EnsureTopic(%+v) error = %v, want TopicResolutionError", ref, err)
			}
		}
	})
}

func TestCoordinator_SaveMessage(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	topic := ensureTopic(t, arc.Coord, groupTopic)

	res := save(t, arc.Coord, topic, newMessage(t, "1", "hello"))
	if res.Duplicate || res.Commit.Empty || res.Commit.Hash == "" {
		t.Errorf("SaveResult = %+v", res)
	}
	lines := logLines(t, arc, topic)
	if len(lines) != 1 {
		t.Fatalf("log has %d lines, want 1", len(lines))
	}
	for _, want := range []string{`"id":"1"`, `"content":"hello"`, `"attachments":[]`} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %s missing %s", lines[0], want)
		}
	}
	if got := testutil.CommitCount(t, arc.Repo); got != 2 {
		t.Errorf("CommitCount() = %d, want 2", got)
	}
	wantClean(t, arc)

	ops, err := arc.Journal.ListOperations(0, false)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("ListOperations() = %d ops, want 1", len(ops))
	}
	op := ops[0]
	if op.Status != archive.OperationSuccess || op.Stage != archive.StageCommitted || op.CommitHash != res.Commit.Hash {
		t.Errorf("operation = %+v", op)
	}
	if op.MessageID != "1" || op.GroupID != -100 || op.TopicID != 5 {
		t.Errorf("operation ids = %s %d %d", op.MessageID, op.GroupID, op.TopicID)
	}
}

func TestCoordinator_SaveMessage_Attachment(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	topic := ensureTopic(t, arc.Coord, groupTopic)
	photo := []byte("0123456789")

	res := save(t, arc.Coord, topic, newMessage(t, "7", "[image: image.jpg]", archive.Attachment{
		ID: "img1", MIMEType: "image/jpeg", Filename: "image.jpg", Content: photo,
	}))

	if len(res.Message.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(res.Message.Attachments))
	}
	att := res.Message.Attachments[0]
	if att.Path != "media/jpg/img1.jpg" || att.Content != nil {
		t.Errorf("stored attachment = %+v", att)
	}
	if got := arc.ReadFile(t, "-100/5/media/jpg/img1.jpg"); !bytes.Equal(got, photo) {
		t.Errorf("attachment bytes = %q", got)
	}
	if !strings.Contains(logLines(t, arc, topic)[0], `"path":"media/jpg/img1.jpg"`) {
		t.Error("log line does not reference the attachment path")
	}
	wantClean(t, arc)

	pending, err := arc.Coord.PendingMirror()
	if err != nil {
		t.Fatalf("PendingMirror() error = %v", err)
	}
	if pending != 0 {
		t.Errorf("PendingMirror() = %d without a vault, want 0", pending)
	}

	t.Run("conflicting bytes", func(t *testing.T) {
		_, err := arc.Coord.SaveMessage(context.Background(), topic, newMessage(t, "8", "", archive.Attachment{
			ID: "img1", MIMEType: "image/jpeg", Content: []byte("different"),
		}))
		var cerr *archive.AttachmentConflictError
		if !errors.As(err, &cerr) {
			t.Fatalf("SaveMessage() error = %v, want AttachmentConflictError", err)
		}
		var serr *archive.SaveError
		if !errors.As(err, &serr) || serr.Stage != archive.StagePersistingAttachments {
			t.Errorf("SaveError = %+v", serr)
		}
		if n := len(logLines(t, arc, topic)); n != 1 {
			t.Errorf("log has %d lines after conflict, want 1", n)
		}
	})
}

func TestCoordinator_SaveMessage_Idempotent(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	topic := ensureTopic(t, arc.Coord, groupTopic)
	msg := newMessage(t, "1", "hello")

	save(t, arc.Coord, topic, msg)
	commits := testutil.CommitCount(t, arc.Repo)

	res := save(t, arc.Coord, topic, msg)
	if !res.Duplicate || !res.Commit.Empty {
		t.Errorf("second save = %+v, want an empty duplicate", res)
	}
	if n := len(logLines(t, arc, topic)); n != 1 {
		t.Errorf("log has %d lines, want 1", n)
	}
	if got := testutil.CommitCount(t, arc.Repo); got != commits {
		t.Errorf("CommitCount() = %d, want %d", got, commits)
	}

	ops, err := arc.Journal.ListOperations(1, false)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Status != archive.OperationDuplicate {
		t.Errorf("latest operation = %+v, want duplicate", ops)
	}
}

func TestCoordinator_SaveMessage_Ordering(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	topic := ensureTopic(t, arc.Coord, groupTopic)

	t.Run("sequential", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			save(t, arc.Coord, topic, newMessage(t, fmt.Sprint(i), "m"))
		}
		lines := logLines(t, arc, topic)
		if len(lines) != 5 {
			t.Fatalf("log has %d lines, want 5", len(lines))
		}
		for i, line := range lines {
			if want := fmt.Sprintf(`"id":"%d"`, i+1); !strings.Contains(line, want) {
				t.Errorf("line %d = %s, want %s", i+1, line, want)
			}
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		other := ensureTopic(t, arc.Coord, archive.TopicRef{GroupID: -100, TopicID: 6})
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg, err := archive.NewMessage(fmt.Sprintf("c%d", i), "m", ts, nil, nil)
				if err != nil {
					errs <- err
					return
				}
				if _, err := arc.Coord.SaveMessage(context.Background(), other, msg); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent SaveMessage() error = %v", err)
		}

		lines := logLines(t, arc, other)
		if len(lines) != 10 {
			t.Fatalf("log has %d lines, want 10", len(lines))
		}
		seen := make(map[string]bool)
		for _, line := range lines {
			seen[line] = true
		}
		if len(seen) != 10 {
			t.Errorf("log has %d distinct lines, want 10", len(seen))
		}
		wantClean(t, arc)
	})
}

func TestCoordinator_SaveMessage_Validation(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	topic := ensureTopic(t, arc.Coord, groupTopic)

	msg := newMessage(t, "1", "x")
	msg.Attachments = []archive.Attachment{{ID: "../escape", MIMEType: "image/png", Content: []byte("x")}}

	_, err := arc.Coord.SaveMessage(context.Background(), topic, msg)
	var verr *archive.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("SaveMessage() error = %v, want ValidationError", err)
	}
	var serr *archive.SaveError
	if !errors.As(err, &serr) || serr.Stage != archive.StageResolvingTopic || serr.MessageID != "1" {
		t.Errorf("SaveError = %+v", serr)
	}
	if archive.IsRetryable(err) {
		t.Error("IsRetryable() = true for a validation failure")
	}

	_, err = arc.Coord.SaveMessage(context.Background(), archive.Topic{GroupID: 0}, newMessage(t, "2", "x"))
	var terr *archive.TopicResolutionError
	if !errors.As(err, &terr) {
		t.Errorf("SaveMessage() error = %v, want TopicResolutionError", err)
	}
}

func TestCoordinator_SaveMessage_RejectsUnloggableMessages(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	topic := ensureTopic(t, arc.Coord, groupTopic)
	commits := testutil.CommitCount(t, arc.Repo)

	tests := []struct {
		name  string
		msg   archive.Message
		field string
	}{
		{
			name:  "year past 9999",
			msg:   archive.Message{ID: "42", Content: "x", Timestamp: time.Unix(253402300800, 0)},
			field: "timestamp",
		},
		{
			name:  "invalid utf-8 metadata",
			msg:   archive.Message{ID: "43", Timestamp: ts, Metadata: archive.Metadata{"note": "a\xffb"}},
			field: "metadata.note",
		},
		{
			name: "invalid utf-8 filename",
			msg: archive.Message{ID: "44", Timestamp: ts, Attachments: []archive.Attachment{
				{ID: "p1", MIMEType: "image/jpeg", Filename: "p\xfe.jpg", Content: []byte("jpeg")},
			}},
			field: "attachments.filename",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for attempt := 0; attempt < 2; attempt++ {
				_, err := arc.Coord.SaveMessage(context.Background(), topic, tt.msg)
				var verr *archive.ValidationError
				if !errors.As(err, &verr) || verr.Field != tt.field {
					t.Fatalf("SaveMessage() attempt %d error = %v, want ValidationError on %s", attempt+1, err, tt.field)
				}
			}
			if n := len(logLines(t, arc, topic)); n != 0 {
				t.Errorf("log has %d lines, want 0", n)
			}
		})
	}

	if got := testutil.CommitCount(t, arc.Repo); got != commits {
		t.Errorf("CommitCount() = %d, want %d", got, commits)
	}
	wantClean(t, arc)
}

// flakyRepo fails commits while fail is set.
type flakyRepo struct {
	archive.Repository
	fail bool
}

func (r *flakyRepo) Commit(ctx context.Context, message string) (archive.CommitResult, error) {
	if r.fail {
		return archive.CommitResult{}, &archive.CommitError{Attempts: 3, Err: errors.New("index.lock: File exists")}
	}
	return r.Repository.Commit(ctx, message)
}

func TestCoordinator_SaveMessage_CommitFailure(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	repo := &flakyRepo{Repository: arc.Repo}
	logger := archive.NewNopLogger()
	coord := archive.NewCoordinator(repo, arc.Log, attachments.NewFileStore(arc.Repo.Root(), logger),
		arc.Meta, arc.Journal, logger, arc.Clock, arc.IDs)
	ctx := context.Background()

	topic := ensureTopic(t, coord, groupTopic)
	msg := newMessage(t, "1", "hello", archive.Attachment{ID: "doc1", MIMEType: "application/pdf", Filename: "a.pdf", Content: []byte("%PDF")})

	repo.fail = true
	_, err := coord.SaveMessage(ctx, topic, msg)
	var serr *archive.SaveError
	if !errors.As(err, &serr) {
		t.Fatalf("SaveMessage() error = %v, want SaveError", err)
	}
	if serr.Stage != archive.StageCommitting || serr.Topic.Key() != "-100/5" || serr.MessageID != "1" {
		t.Errorf("SaveError = %+v", serr)
	}
	var cerr *archive.CommitError
	if !errors.As(err, &cerr) || cerr.Attempts != 3 {
		t.Errorf("error = %v, want CommitError after 3 attempts", err)
	}
	if !archive.IsRetryable(err) {
		t.Error("IsRetryable() = false for a commit failure")
	}

	staged, err := arc.Repo.Run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		t.Fatalf("git diff --cached: %v", err)
	}
	if strings.TrimSpace(staged) != "" {
		t.Errorf("index not reset after failed commit:\n%s", staged)
	}
	if testutil.Status(t, arc.Repo) == "" {
		t.Error("files written before the failed commit are gone")
	}

	failed, err := arc.Journal.ListOperations(0, true)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(failed) != 1 || failed[0].Stage != archive.StageCommitting || failed[0].Error == "" {
		t.Errorf("failed operations = %+v", failed)
	}

	repo.fail = false
	res, err := coord.SaveMessage(ctx, topic, msg)
	if err != nil {
		t.Fatalf("replayed SaveMessage() error = %v", err)
	}
	if !res.Duplicate || res.Commit.Empty || res.Commit.Hash == "" {
		t.Errorf("replay = %+v, want a duplicate that commits the leftovers", res)
	}
	if n := len(logLines(t, arc, topic)); n != 1 {
		t.Errorf("log has %d lines, want 1", n)
	}
	wantClean(t, arc)
}

func TestCoordinator_Recover(t *testing.T) {
	ctx := context.Background()

	t.Run("clean tree", func(t *testing.T) {
		arc := testutil.NewArchive(t, "")
		ensureTopic(t, arc.Coord, groupTopic)
		res, err := arc.Coord.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if !res.Empty {
			t.Errorf("Recover() = %+v, want empty", res)
		}
	})

	t.Run("leftovers and torn tail", func(t *testing.T) {
		arc := testutil.NewArchive(t, "")
		topic := ensureTopic(t, arc.Coord, groupTopic)
		save(t, arc.Coord, topic, newMessage(t, "1", "kept"))
		before := arc.ReadFile(t, topic.LogPath())

		root := arc.Repo.Root()
		media := filepath.Join(root, "-100", "5", "media", "pdf")
		if err := os.MkdirAll(media, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(media, "doc9.pdf"), []byte("%PDF"), 0o644); err != nil {
			t.Fatal(err)
		}
		f, err := os.OpenFile(filepath.Join(root, filepath.FromSlash(topic.LogPath())), os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.WriteString(`{"id":"2","content":"tor`); err != nil {
			t.Fatal(err)
		}
		f.Close()

		res, err := arc.Coord.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if res.Empty || res.Hash == "" {
			t.Errorf("Recover() = %+v, want a commit", res)
		}
		if got := arc.ReadFile(t, topic.LogPath()); !bytes.Equal(got, before) {
			t.Errorf("log after recover = %q, want %q", got, before)
		}
		wantClean(t, arc)
	})

	t.Run("unterminated complete line", func(t *testing.T) {
		arc := testutil.NewArchive(t, "")
		topic := ensureTopic(t, arc.Coord, groupTopic)
		save(t, arc.Coord, topic, newMessage(t, "1", "a"))
		save(t, arc.Coord, topic, newMessage(t, "2", "b"))
		full := arc.ReadFile(t, topic.LogPath())

		path := filepath.Join(arc.Repo.Root(), filepath.FromSlash(topic.LogPath()))
		if err := os.WriteFile(path, bytes.TrimSuffix(full, []byte("\n")), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := arc.Coord.Recover(ctx); err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if got := arc.ReadFile(t, topic.LogPath()); !bytes.Equal(got, full) {
			t.Errorf("log after recover = %q, want %q", got, full)
		}
		wantClean(t, arc)
	})
}

func TestCoordinator_Sync(t *testing.T) {
	ctx := context.Background()

	t.Run("no remote", func(t *testing.T) {
		arc := testutil.NewArchive(t, "")
		ensureTopic(t, arc.Coord, groupTopic)
		res, err := arc.Coord.Sync(ctx)
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if !res.Push.Skipped {
			t.Errorf("Push = %+v, want skipped", res.Push)
		}
	})

	t.Run("rejected then rebased", func(t *testing.T) {
		remote := testutil.NewBareRemote(t)
		a := testutil.NewArchive(t, remote)
		b := testutil.NewArchive(t, remote)

		x := ensureTopic(t, a.Coord, archive.TopicRef{GroupID: -100, TopicID: 1})
		y := ensureTopic(t, a.Coord, archive.TopicRef{GroupID: -100, TopicID: 2})
		save(t, a.Coord, x, newMessage(t, "1", "from a"))
		if _, err := a.Coord.Sync(ctx); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}

		for _, args := range [][]string{{"fetch", "-q", "origin"}, {"reset", "-q", "--hard", "origin/main"}} {
			if _, err := b.Repo.Run(ctx, args...); err != nil {
				t.Fatalf("git %v: %v", args, err)
			}
		}

		save(t, a.Coord, x, newMessage(t, "2", "a again"))
		if _, err := a.Coord.Sync(ctx); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}

		save(t, b.Coord, y, newMessage(t, "3", "from b"))

		_, err := b.Coord.Sync(ctx)
		var perr *archive.PushError
		if !errors.As(err, &perr) || !perr.Rejected {
			t.Fatalf("Sync() error = %v, want rejected PushError", err)
		}
		if !archive.IsRetryable(err) {
			t.Error("IsRetryable() = false for a rejected push")
		}

		b.Coord.SetPushPolicy(archive.PushRebase)
		res, err := b.Coord.Sync(ctx)
		if err != nil {
			t.Fatalf("Sync() with rebase error = %v", err)
		}
		if !res.Rebased {
			t.Error("Rebased = false, want true")
		}

		if n := len(logLines(t, b, x)); n != 2 {
			t.Errorf("rebased log of topic 1 has %d lines, want 2", n)
		}
		local, _ := b.Repo.Run(ctx, "rev-parse", "HEAD")
		remoteRef, _ := b.Repo.Run(ctx, "ls-remote", "origin", "refs/heads/main")
		if pushed, _, _ := strings.Cut(remoteRef, "\t"); pushed != strings.TrimSpace(local) {
			t.Errorf("remote main = %q, want HEAD %q", pushed, local)
		}
		wantClean(t, b)
	})
}

// brokenVault refuses uploads.
type brokenVault struct {
	archive.Vault
}

func (brokenVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	return errors.New("bucket unavailable")
}

func TestCoordinator_Mirror(t *testing.T) {
	ctx := context.Background()
	photo := []byte("0123456789")
	withPhoto := func(t *testing.T, arc *testutil.Archive) {
		topic := ensureTopic(t, arc.Coord, groupTopic)
		save(t, arc.Coord, topic, newMessage(t, "1", "", archive.Attachment{ID: "img1", MIMEType: "image/jpeg", Content: photo}))
	}

	t.Run("drains into the vault", func(t *testing.T) {
		arc := testutil.NewArchive(t, "")
		v := testutil.NewTestVault()
		arc.Coord.SetMirror(v, testutil.NewTestEncryptor())
		withPhoto(t, arc)

		if n, _ := arc.Coord.PendingMirror(); n != 1 {
			t.Fatalf("PendingMirror() = %d, want 1", n)
		}
		res, err := arc.Coord.Sync(ctx)
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if res.Mirrored != 1 {
			t.Errorf("Mirrored = %d, want 1", res.Mirrored)
		}
		if n, _ := arc.Coord.PendingMirror(); n != 0 {
			t.Errorf("PendingMirror() = %d after sync, want 0", n)
		}

		sum := archive.ContentChecksum(photo)
		var stored bytes.Buffer
		if err := v.GetContent(ctx, sum, &stored); err != nil {
			t.Fatalf("GetContent() error = %v", err)
		}
		if bytes.Equal(stored.Bytes(), photo) || !bytes.HasSuffix(stored.Bytes(), photo) {
			t.Errorf("vault content = %q, want sealed photo", stored.Bytes())
		}
	})

	t.Run("failed upload stays queued", func(t *testing.T) {
		arc := testutil.NewArchive(t, "")
		arc.Coord.SetMirror(brokenVault{Vault: testutil.NewTestVault()}, nil)
		withPhoto(t, arc)

		res, err := arc.Coord.Sync(ctx)
		if err == nil || !strings.Contains(err.Error(), "bucket unavailable") {
			t.Fatalf("Sync() error = %v, want upload failure", err)
		}
		if res.Mirrored != 0 {
			t.Errorf("Mirrored = %d, want 0", res.Mirrored)
		}
		if n, _ := arc.Coord.PendingMirror(); n != 1 {
			t.Errorf("PendingMirror() = %d, want 1", n)
		}
	})
}

func TestCoordinator_Verify(t *testing.T) {
	arc := testutil.NewArchive(t, "")
	ctx := context.Background()
	topic := ensureTopic(t, arc.Coord, groupTopic)
	save(t, arc.Coord, topic, newMessage(t, "1", "a"))
	save(t, arc.Coord, topic, newMessage(t, "2", "", archive.Attachment{ID: "img1", MIMEType: "image/png", Content: []byte("png")}))

	report, err := arc.Coord.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !report.OK() || report.Topics != 1 || report.Messages != 2 {
		t.Fatalf("report = %+v, want 1 topic, 2 messages, no problems", report)
	}

	root := arc.Repo.Root()
	if err := os.Remove(filepath.Join(root, "-100", "5", "media", "png", "img1.png")); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(root, filepath.FromSlash(topic.LogPath())), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n")
	f.Close()
	stray := filepath.Join(root, "-100", "77")
	if err := os.MkdirAll(stray, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stray, archive.LogFileName), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err = arc.Coord.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	kinds := make(map[archive.ProblemKind]archive.Problem)
	for _, p := range report.Problems {
		kinds[p.Kind] = p
	}
	if p, ok := kinds[archive.ProblemDecode]; !ok || p.Line != 3 {
		t.Errorf("decode problem = %+v, want line 3", p)
	}
	if p, ok := kinds[archive.ProblemMissingAttachment]; !ok || p.MessageID != "2" {
		t.Errorf("missing attachment problem = %+v", p)
	}
	if p, ok := kinds[archive.ProblemUnknownTopic]; !ok || p.Topic.Key() != "-100/77" {
		t.Errorf("unknown topic problem = %+v", p)
	}
	if report.Topics != 2 {
		t.Errorf("Topics = %d, want 2", report.Topics)
	}
}
