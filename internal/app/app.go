// Package app wires chronicler's components from configuration and exposes
// the operations the CLI runs.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/attachments"
	"chronicler/internal/config"
	"chronicler/internal/encryption"
	"chronicler/internal/frame"
	"chronicler/internal/gitrepo"
	"chronicler/internal/journal"
	"chronicler/internal/messagelog"
	"chronicler/internal/metadata"
	"chronicler/internal/metrics"
	"chronicler/internal/pipeline"
	"chronicler/internal/spool"
	"chronicler/internal/vault"
)

// App is the application layer between the CLI and the archive. It builds
// every dependency from config and owns the journal and log file until Close.
type App struct {
	cfg      *config.Config
	repo     *gitrepo.Repository
	meta     *metadata.YAMLStore
	journal  *journal.SQLiteJournal
	coord    *archive.Coordinator
	pipeline *pipeline.Pipeline
	logger   archive.Logger
	run      *Run
	logFile  *os.File
}

// New creates a fully wired App for the named CLI command. verbose enables
// debug logging. The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, command string, verbose bool) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	run := NewRun(command, time.Now())
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	sl, logFile, err := newLogger(cfg.LogDir, run.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	a := &App{cfg: cfg, logger: logger, run: run, logFile: logFile}
	if err := a.wire(ctx); err != nil {
		a.run.Fail()
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg

	a.repo = gitrepo.NewRepository(cfg.RepoDir, gitOptions(cfg.Git), a.logger)
	if err := a.repo.Init(ctx); err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}

	log, err := messagelog.NewFileLog(cfg.RepoDir, cfg.Index.CacheSize, a.logger)
	if err != nil {
		return fmt.Errorf("creating message log: %w", err)
	}
	a.meta = metadata.NewYAMLStore(cfg.RepoDir, a.logger)

	a.journal, err = journal.NewJournalFromConfig(cfg.Journal)
	if err != nil {
		return fmt.Errorf("creating journal: %w", err)
	}
	if err := a.journal.CheckMigrations(); err != nil {
		return fmt.Errorf("journal schema out of date: %w", err)
	}

	a.coord = archive.NewCoordinator(a.repo, log, attachments.NewFileStore(cfg.RepoDir, a.logger),
		a.meta, a.journal, a.logger, archive.RealClock{}, archive.UUIDGenerator{})
	if cfg.Git.PushPolicy == string(archive.PushRebase) {
		a.coord.SetPushPolicy(archive.PushRebase)
	}

	if cfg.Mirror.Enabled() {
		v, err := vault.NewVaultFromConfig(ctx, cfg.Mirror)
		if err != nil {
			return fmt.Errorf("creating mirror vault: %w", err)
		}
		var enc archive.Encryptor
		if cfg.Mirror.Encrypt {
			enc, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
			if err != nil {
				return fmt.Errorf("creating encryptor: %w", err)
			}
			if !enc.IsConfigured() {
				return errors.New("mirror encryption is enabled but no keys exist: run 'chronicler keys init'")
			}
		}
		a.coord.SetMirror(v, enc)
	}

	storage := pipeline.NewStorageProcessor(a.coord, archive.RealClock{})
	a.pipeline = pipeline.New(storage, a.logger, archive.RealClock{}, archive.UUIDGenerator{},
		pipeline.NewChatFilter(cfg.Pipeline.AllowedChats...),
		pipeline.NewCommandRouter(a.commandHandlers(), a.logger),
	)
	return nil
}

func gitOptions(g config.GitConfig) gitrepo.Options {
	return gitrepo.Options{
		Branch:         g.Branch,
		RemoteURL:      g.Remote,
		AuthorName:     g.AuthorName,
		AuthorEmail:    g.AuthorEmail,
		CommitAttempts: g.CommitAttempts,
		CommitBackoff:  g.CommitBackoff.Duration,
	}
}

// commandHandlers answers bot commands by logging; nothing is sent back to
// the chat.
func (a *App) commandHandlers() map[string]pipeline.CommandHandler {
	return map[string]pipeline.CommandHandler{
		"/status": func(ctx context.Context, cmd *frame.CommandFrame) error {
			topics, err := a.meta.Topics()
			if err != nil {
				return err
			}
			pending, err := a.coord.PendingMirror()
			if err != nil {
				return err
			}
			a.logger.Info("status requested", archive.CorrelationArgs(ctx,
				"topics", len(topics), "pending_mirror", pending)...)
			return nil
		},
		"/sync": func(ctx context.Context, cmd *frame.CommandFrame) error {
			_, err := a.coord.Sync(ctx)
			return err
		},
	}
}

// Recover commits whatever a previous run left uncommitted.
func (a *App) Recover(ctx context.Context) (archive.CommitResult, error) {
	res, err := a.coord.Recover(ctx)
	return res, a.fail(err)
}

// IngestResult is the outcome of one envelope file passed to Ingest.
type IngestResult struct {
	Path   string
	Result *pipeline.Result
	Err    error
}

// Ingest runs envelope files through the pipeline once, in the given order.
// Files are left where they are.
func (a *App) Ingest(ctx context.Context, paths []string) ([]IngestResult, error) {
	if _, err := a.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering: %w", err)
	}

	results := make([]IngestResult, 0, len(paths))
	var errs []error
	for _, p := range paths {
		r := IngestResult{Path: p}
		f, err := spool.LoadFrame(p)
		if err == nil {
			r.Result, err = a.pipeline.Process(ctx, f)
		}
		if err != nil {
			r.Err = err
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
		results = append(results, r)
	}
	return results, a.fail(errors.Join(errs...))
}

// Watch ingests the spool directory continuously, syncs on the configured
// interval, and serves metrics when metricsAddr is set. It returns when ctx
// is cancelled or any of them fails.
func (a *App) Watch(ctx context.Context, metricsAddr string) error {
	if _, err := a.Recover(ctx); err != nil {
		return fmt.Errorf("recovering: %w", err)
	}

	d := pipeline.NewDispatcher(a.pipeline, a.cfg.Pipeline.QueueSize)
	d.SetIdleTimeout(a.cfg.Pipeline.IdleTimeout.Duration)
	defer d.Close()

	sp, err := spool.New(a.cfg.Spool.Dir, d, spool.Options{Ignore: a.cfg.Spool.Ignore}, a.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	start("spool", sp.Watch)
	start("sync", archive.NewSyncer(a.coord, a.cfg.Sync.Interval.Duration, a.logger).Run)
	if metricsAddr != "" {
		a.logger.Info("serving metrics", "addr", metricsAddr)
		start("metrics", func(ctx context.Context) error { return metrics.Serve(ctx, metricsAddr) })
	}

	wg.Wait()
	return a.fail(errors.Join(errs...))
}

// Sync pushes local commits and drains the mirror queue.
func (a *App) Sync(ctx context.Context) (*archive.SyncResult, error) {
	res, err := a.coord.Sync(ctx)
	return res, a.fail(err)
}

// Verify checks every topic log and attachment reference.
func (a *App) Verify(ctx context.Context) (*archive.VerifyReport, error) {
	report, err := a.coord.Verify(ctx)
	if err == nil && !report.OK() {
		a.run.Fail()
	}
	return report, a.fail(err)
}

// Topics lists the known groups and topics.
func (a *App) Topics() ([]archive.Topic, error) {
	return a.meta.Topics()
}

// History returns the most recent save operations.
func (a *App) History(limit int, failedOnly bool) ([]*archive.Operation, error) {
	return a.journal.ListOperations(limit, failedOnly)
}

// PendingMirror returns the number of attachments waiting to be mirrored.
func (a *App) PendingMirror() (int, error) {
	return a.coord.PendingMirror()
}

// Close logs the end of the run and releases the journal and log file.
func (a *App) Close() error {
	var firstErr error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			firstErr = fmt.Errorf("closing journal: %w", err)
		}
	}

	a.logger.Info("command finished", "command", a.run.Command, "status", a.run.Status,
		"duration", time.Since(a.run.Started).Round(time.Millisecond))
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// fail marks the run failed when err is set and returns err.
func (a *App) fail(err error) error {
	if err != nil {
		a.run.Fail()
	}
	return err
}

// Init writes a new config file and creates the archive repository and
// spool directories. It refuses to overwrite an existing config.
func Init(ctx context.Context, configPath string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.Init(configPath, cfg); err != nil {
		return err
	}
	repo := gitrepo.NewRepository(cfg.RepoDir, gitOptions(cfg.Git), archive.NewNopLogger())
	if err := repo.Init(ctx); err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}
	for _, d := range []string{cfg.Spool.Dir, cfg.LogDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// SetupKeys generates the mirror encryption key pair.
func SetupKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	return enc.Setup(passphrase)
}

// FetchMirrored copies a mirrored attachment to w, decrypting it when the
// mirror is encrypted. The plaintext must hash to checksum.
func FetchMirrored(ctx context.Context, cfg *config.Config, checksum, passphrase string, w io.Writer) error {
	if !cfg.Mirror.Enabled() {
		return errors.New("no mirror configured")
	}
	v, err := vault.NewVaultFromConfig(ctx, cfg.Mirror)
	if err != nil {
		return fmt.Errorf("creating mirror vault: %w", err)
	}

	var dec archive.DecryptionContext
	if cfg.Mirror.Encrypt {
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
		if dec, err = enc.Unlock(passphrase); err != nil {
			return fmt.Errorf("unlocking key: %w", err)
		}
	}

	var stored bytes.Buffer
	if err := v.GetContent(ctx, checksum, &stored); err != nil {
		return fmt.Errorf("fetching %s: %w", checksum, err)
	}
	plain := stored.Bytes()
	if dec != nil {
		var out bytes.Buffer
		if err := dec.Decrypt(&stored, &out); err != nil {
			return fmt.Errorf("decrypting %s: %w", checksum, err)
		}
		plain = out.Bytes()
	}
	if sum := archive.ContentChecksum(plain); sum != checksum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", checksum, sum)
	}
	_, err = w.Write(plain)
	return err
}
