// Package journal keeps a local SQLite record of save operations and the
// queue of attachments waiting to be mirrored off-site. The archive itself
// never depends on it: losing the journal loses history, not messages.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"chronicler/internal/archive"
	"chronicler/internal/journal/migrations"
)

// SQLiteJournal implements archive.Journal using SQLite.
type SQLiteJournal struct {
	db   *sql.DB
	path string
}

// NewSQLiteJournal opens the journal at path and migrates it to the latest
// schema. path can be ":memory:".
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db, path: path}, nil
}

// OpenConnection opens a SQLite connection with the PRAGMAs the journal
// relies on.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Operations

func (j *SQLiteJournal) BeginOperation(op *archive.Operation) error {
	_, err := j.db.Exec(`INSERT INTO operations
		(id, correlation_id, group_id, topic_id, message_id, stage, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.CorrelationID, op.GroupID, op.TopicID, op.MessageID,
		string(op.Stage), string(op.Status), op.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording operation %s: %w", op.ID, err)
	}
	return nil
}

func (j *SQLiteJournal) UpdateStage(id string, stage archive.Stage) error {
	return j.updateOne("updating operation stage", id,
		`UPDATE operations SET stage = ? WHERE id = ?`, string(stage), id)
}

func (j *SQLiteJournal) FinishOperation(id string, status archive.OperationStatus, errText, commitHash string, finishedAt time.Time) error {
	return j.updateOne("finishing operation", id,
		`UPDATE operations SET status = ?, error = ?, commit_hash = ?, finished_at = ? WHERE id = ?`,
		string(status), errText, commitHash, finishedAt.UTC(), id)
}

func (j *SQLiteJournal) updateOne(what, id, query string, args ...any) error {
	res, err := j.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: no such operation", what, id)
	}
	return nil
}

// ListOperations returns operations newest first. limit <= 0 returns all.
func (j *SQLiteJournal) ListOperations(limit int, failedOnly bool) ([]*archive.Operation, error) {
	query := `SELECT id, correlation_id, group_id, topic_id, message_id, stage, status,
		error, commit_hash, started_at, finished_at FROM operations`
	var args []any
	if failedOnly {
		query += ` WHERE status = ?`
		args = append(args, string(archive.OperationError))
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*archive.Operation
	for rows.Next() {
		var (
			op       archive.Operation
			stage    string
			status   string
			finished sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.CorrelationID, &op.GroupID, &op.TopicID, &op.MessageID,
			&stage, &status, &op.Error, &op.CommitHash, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.Stage = archive.Stage(stage)
		op.Status = archive.OperationStatus(status)
		if finished.Valid {
			op.FinishedAt = finished.Time
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// Mirror queue

func (j *SQLiteJournal) EnqueueMirror(item *archive.MirrorItem) error {
	res, err := j.db.Exec(`INSERT INTO mirror_queue (path, checksum, size, enqueued_at) VALUES (?, ?, ?, ?)`,
		item.Path, item.Checksum, item.Size, item.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueueing %s for mirror: %w", item.Path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("enqueueing %s for mirror: %w", item.Path, err)
	}
	item.ID = id
	return nil
}

func (j *SQLiteJournal) NextMirror() (*archive.MirrorItem, error) {
	var item archive.MirrorItem
	err := j.db.QueryRow(`SELECT id, path, checksum, size, enqueued_at FROM mirror_queue ORDER BY id LIMIT 1`).
		Scan(&item.ID, &item.Path, &item.Checksum, &item.Size, &item.EnqueuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading mirror queue: %w", err)
	}
	return &item, nil
}

func (j *SQLiteJournal) RemoveMirror(id int64) error {
	if _, err := j.db.Exec(`DELETE FROM mirror_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing mirror item %d: %w", id, err)
	}
	return nil
}

func (j *SQLiteJournal) CountMirror() (int, error) {
	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM mirror_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting mirror queue: %w", err)
	}
	return n, nil
}

// Path returns the journal file path (or ":memory:").
func (j *SQLiteJournal) Path() string {
	return j.path
}

// CheckMigrations verifies the journal schema is up-to-date.
func (j *SQLiteJournal) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(j.db)
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

var _ archive.Journal = (*SQLiteJournal)(nil)
