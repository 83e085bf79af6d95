package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
)

// PushPolicy decides what Sync does when the remote rejects a push.
type PushPolicy string

const (
	// PushReject surfaces a rejected push as *PushError.
	PushReject PushPolicy = "reject"
	// PushRebase rebases local commits onto the remote branch and pushes once more.
	PushRebase PushPolicy = "rebase"
)

// Coordinator owns the on-disk archive layout. It serializes every mutation
// of the working tree behind a single repository lock.
type Coordinator struct {
	repo        Repository
	log         MessageLog
	attachments AttachmentStore
	meta        MetadataStore
	journal     Journal
	logger      Logger
	clock       Clock
	idgen       IDGenerator

	pushPolicy PushPolicy
	vault      Vault
	encryptor  Encryptor

	mu sync.Mutex
}

// SaveResult describes a completed SaveMessage call.
type SaveResult struct {
	Message   Message
	Duplicate bool
	Commit    CommitResult
}

// SyncResult describes a completed Sync call.
type SyncResult struct {
	Push     PushResult
	Rebased  bool
	Mirrored int
}

// NewCoordinator creates a Coordinator with the provided dependencies.
// Rejected pushes are surfaced until SetPushPolicy says otherwise.
func NewCoordinator(repo Repository, log MessageLog, attachments AttachmentStore, meta MetadataStore, journal Journal, logger Logger, clock Clock, idgen IDGenerator) *Coordinator {
	return &Coordinator{
		repo:        repo,
		log:         log,
		attachments: attachments,
		meta:        meta,
		journal:     journal,
		logger:      logger,
		clock:       clock,
		idgen:       idgen,
		pushPolicy:  PushReject,
	}
}

// SetPushPolicy changes how Sync handles a rejected push.
func (c *Coordinator) SetPushPolicy(p PushPolicy) {
	c.pushPolicy = p
}

// SetMirror enables copying committed attachments to v during Sync. enc may
// be nil to store plaintext.
func (c *Coordinator) SetMirror(v Vault, enc Encryptor) {
	c.vault = v
	c.encryptor = enc
}

// EnsureTopic creates the topic directory and metadata entry if absent and
// commits them. Name changes are recorded without touching paths.
func (c *Coordinator) EnsureTopic(ctx context.Context, ref TopicRef) (Topic, error) {
	topic := ref.topic()
	if err := topic.Validate(); err != nil {
		return Topic{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.resolve(ctx, topic); err != nil {
		return Topic{}, err
	}
	changed, err := c.meta.Ensure(topic)
	if err != nil {
		return Topic{}, fmt.Errorf("updating metadata: %w", err)
	}
	if changed {
		paths := []string{topic.LogPath(), c.meta.Path()}
		msg := fmt.Sprintf("archive: topic %d in group %d", topic.ID, topic.GroupID)
		if _, err := c.commit(ctx, msg, paths); err != nil {
			return Topic{}, err
		}
	}

	stored, ok, err := c.meta.Lookup(topic.GroupID, topic.ID)
	if err != nil {
		return Topic{}, fmt.Errorf("reading metadata: %w", err)
	}
	if !ok {
		return topic, nil
	}
	return stored, nil
}

// SaveMessage appends msg to the topic log and commits it together with its
// attachments and any metadata change. Saving a message whose id is already
// in the log is a no-op apart from committing leftovers of an interrupted
// earlier attempt. Failures are returned as *SaveError.
func (c *Coordinator) SaveMessage(ctx context.Context, topic Topic, msg Message) (*SaveResult, error) {
	stage := StageResolvingTopic
	fail := func(err error) (*SaveResult, error) {
		return nil, &SaveError{Stage: stage, Topic: topic, MessageID: msg.ID, Err: err}
	}

	if err := topic.Validate(); err != nil {
		return fail(err)
	}
	if err := validateMessage(msg); err != nil {
		return fail(err)
	}

	op := &Operation{
		ID:            c.idgen.New(),
		CorrelationID: CorrelationID(ctx),
		GroupID:       topic.GroupID,
		TopicID:       topic.ID,
		MessageID:     msg.ID,
		Stage:         stage,
		Status:        OperationRunning,
		StartedAt:     c.clock.Now(),
	}
	c.beginOperation(ctx, op)

	res, err := c.save(ctx, topic, msg, op, &stage)
	if err != nil {
		c.finishOperation(ctx, op, OperationError, err.Error(), "")
		c.logger.Error("save failed", CorrelationArgs(ctx,
			"topic", topic.Key(), "message_id", msg.ID, "stage", string(stage), "error", err)...)
		return fail(err)
	}

	status := OperationSuccess
	if res.Duplicate {
		status = OperationDuplicate
	}
	c.finishOperation(ctx, op, status, "", res.Commit.Hash)
	return res, nil
}

func (c *Coordinator) save(ctx context.Context, topic Topic, msg Message, op *Operation, stage *Stage) (*SaveResult, error) {
	advance := func(s Stage) {
		*stage = s
		c.updateStage(ctx, op, s)
	}
	commitMsg := fmt.Sprintf("archive: message %s in topic %d", msg.ID, topic.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.resolve(ctx, topic); err != nil {
		return nil, err
	}

	dup, err := c.log.Contains(ctx, topic, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("checking log: %w", err)
	}
	if dup {
		advance(StageCommitting)
		res, err := c.completePending(ctx, topic, commitMsg)
		if err != nil {
			return nil, err
		}
		c.logger.Info("duplicate message skipped", CorrelationArgs(ctx,
			"topic", topic.Key(), "message_id", msg.ID, "committed_leftovers", !res.Empty)...)
		return &SaveResult{Message: msg, Duplicate: true, Commit: res}, nil
	}

	advance(StagePersistingAttachments)
	stored := msg
	stored.Attachments = make([]Attachment, len(msg.Attachments))
	touched := make([]string, 0, len(msg.Attachments)+2)
	var mirror []*MirrorItem
	for i, att := range msg.Attachments {
		if att.Materialized() {
			stored.Attachments[i] = att
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := c.attachments.Put(ctx, topic, att)
		if err != nil {
			return nil, fmt.Errorf("storing attachment %s: %w", att.ID, err)
		}
		full := path.Join(topic.Dir(), rel)
		touched = append(touched, full)
		mirror = append(mirror, &MirrorItem{
			Path:     full,
			Checksum: ContentChecksum(att.Content),
			Size:     int64(len(att.Content)),
		})
		att.Path = rel
		att.Content = nil
		stored.Attachments[i] = att
		c.logger.Debug("attachment stored", CorrelationArgs(ctx, "topic", topic.Key(), "path", rel)...)
	}

	advance(StageAppendingMessage)
	if _, err := c.log.RepairTail(ctx, topic); err != nil {
		return nil, fmt.Errorf("repairing log tail: %w", err)
	}
	if err := c.log.Append(ctx, topic, stored); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	touched = append(touched, topic.LogPath())

	advance(StageUpdatingMetadata)
	if _, err := c.meta.Ensure(topic); err != nil {
		return nil, fmt.Errorf("updating metadata: %w", err)
	}
	touched = append(touched, c.meta.Path())

	advance(StageCommitting)
	commit, err := c.commit(ctx, commitMsg, touched)
	if err != nil {
		return nil, err
	}
	advance(StageCommitted)

	for _, item := range mirror {
		c.enqueueMirror(ctx, item)
	}

	c.logger.Info("message archived", CorrelationArgs(ctx,
		"topic", topic.Key(), "message_id", msg.ID, "attachments", len(stored.Attachments), "commit", commit.Hash)...)
	return &SaveResult{Message: stored, Commit: commit}, nil
}

// resolve creates the topic directory and log file. Callers hold c.mu.
func (c *Coordinator) resolve(ctx context.Context, topic Topic) error {
	if err := c.log.Init(ctx, topic); err != nil {
		return fmt.Errorf("initializing topic %s: %w", topic.Key(), err)
	}
	return nil
}

// completePending commits whatever an interrupted save left behind in the
// topic directory or the metadata file. Callers hold c.mu.
func (c *Coordinator) completePending(ctx context.Context, topic Topic, msg string) (CommitResult, error) {
	if _, err := c.log.RepairTail(ctx, topic); err != nil {
		return CommitResult{}, fmt.Errorf("repairing log tail: %w", err)
	}
	dirty, err := c.repo.Dirty(ctx, topic.Dir(), c.meta.Path())
	if err != nil {
		return CommitResult{}, fmt.Errorf("listing pending changes: %w", err)
	}
	if len(dirty) == 0 {
		return CommitResult{Empty: true}, nil
	}
	return c.commit(ctx, msg, dirty)
}

// commit stages paths and commits them. On failure the index is reset for
// those paths so the next commit cycle starts clean; the files stay on disk.
// Callers hold c.mu.
func (c *Coordinator) commit(ctx context.Context, msg string, paths []string) (CommitResult, error) {
	if err := c.repo.Stage(ctx, paths...); err != nil {
		return CommitResult{}, c.commitFailed(ctx, paths, fmt.Errorf("staging: %w", err))
	}
	res, err := c.repo.Commit(ctx, msg)
	if err != nil {
		return CommitResult{}, c.commitFailed(ctx, paths, err)
	}
	return res, nil
}

func (c *Coordinator) commitFailed(ctx context.Context, paths []string, err error) error {
	if uerr := c.repo.Unstage(context.WithoutCancel(ctx), paths...); uerr != nil {
		c.logger.Warn("unstaging after failed commit", CorrelationArgs(ctx, "error", uerr)...)
	}
	var cerr *CommitError
	if errors.As(err, &cerr) {
		return err
	}
	return &CommitError{Attempts: 1, Err: err}
}

// Recover commits changes left uncommitted by a crash. Truncated trailing
// lines in topic logs are removed first.
func (c *Coordinator) Recover(ctx context.Context) (CommitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirty, err := c.repo.Dirty(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("listing pending changes: %w", err)
	}
	if len(dirty) == 0 {
		return CommitResult{Empty: true}, nil
	}

	for _, p := range dirty {
		topic, ok := topicFromLogPath(p)
		if !ok {
			continue
		}
		repaired, err := c.log.RepairTail(ctx, topic)
		if err != nil {
			return CommitResult{}, fmt.Errorf("repairing %s: %w", p, err)
		}
		if repaired {
			c.logger.Warn("truncated partial log line", CorrelationArgs(ctx, "topic", topic.Key())...)
		}
	}

	res, err := c.commit(ctx, "archive: recover uncommitted changes", dirty)
	if err != nil {
		return CommitResult{}, err
	}
	c.logger.Info("recovered uncommitted changes", CorrelationArgs(ctx, "paths", len(dirty), "commit", res.Hash)...)
	return res, nil
}

// topicFromLogPath parses "<group>/<topic>/messages.jsonl".
func topicFromLogPath(p string) (Topic, bool) {
	parts := strings.Split(p, "/")
	if len(parts) != 3 || parts[2] != LogFileName {
		return Topic{}, false
	}
	gid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Topic{}, false
	}
	tid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Topic{}, false
	}
	t := Topic{GroupID: gid, ID: tid}
	return t, t.Validate() == nil
}

func validateMessage(msg Message) error {
	if msg.ID == "" {
		return NewValidationError("id", "message id is required")
	}
	if err := validateText(msg.ID, msg.Content); err != nil {
		return err
	}
	if err := validateTimestamp(msg.Timestamp); err != nil {
		return err
	}
	if _, err := NormalizeMetadata(msg.Metadata); err != nil {
		return err
	}
	for _, a := range msg.Attachments {
		if err := validateAttachment(a); err != nil {
			return err
		}
	}
	return nil
}

// Journal writes are bookkeeping: a failure is logged and never fails a save.

func (c *Coordinator) beginOperation(ctx context.Context, op *Operation) {
	if err := c.journal.BeginOperation(op); err != nil {
		c.logger.Warn("journal begin failed", CorrelationArgs(ctx, "operation", op.ID, "error", err)...)
	}
}

func (c *Coordinator) updateStage(ctx context.Context, op *Operation, s Stage) {
	op.Stage = s
	if err := c.journal.UpdateStage(op.ID, s); err != nil {
		c.logger.Warn("journal stage update failed", CorrelationArgs(ctx, "operation", op.ID, "error", err)...)
	}
}

func (c *Coordinator) finishOperation(ctx context.Context, op *Operation, status OperationStatus, errText, hash string) {
	op.Status = status
	op.Error = errText
	op.CommitHash = hash
	op.FinishedAt = c.clock.Now()
	if err := c.journal.FinishOperation(op.ID, status, errText, hash, op.FinishedAt); err != nil {
		c.logger.Warn("journal finish failed", CorrelationArgs(ctx, "operation", op.ID, "error", err)...)
	}
}

func (c *Coordinator) enqueueMirror(ctx context.Context, item *MirrorItem) {
	if c.vault == nil {
		return
	}
	item.EnqueuedAt = c.clock.Now()
	if err := c.journal.EnqueueMirror(item); err != nil {
		c.logger.Warn("mirror enqueue failed", CorrelationArgs(ctx, "path", item.Path, "error", err)...)
	}
}
