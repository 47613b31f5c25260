// Package meta implements the durable metadata store of spec.md §4.2: a
// single-writer, multi-reader key/value table keyed by inode with a
// name-indexed secondary index, backed by SQLite the way the teacher's
// internal/db/store.go backs linear-fuse's cache.
//
// All mutations are serialised through a single writer goroutine fed by a
// channel (spec.md §4.2 "the writer is driven by a single-consumer channel
// so that VFS threads never block each other on the writer"); reads run
// directly against the shared *sql.DB, which WAL mode makes safe to share
// with the writer.
package meta

import (
	_ "embed"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/kirr/gitfs/internal/ferrors"
	"github.com/kirr/gitfs/internal/kind"
)

//go:embed schema.sql
var schemaSQL string

// Record is the Metadata record of spec.md §3.
type Record struct {
	Inode       uint64
	ParentInode uint64
	Name        string
	Kind        kind.Flag
	ObjectID    string // all-zero sentinel ("") for non-git-backed entries
	FileMode    uint32 // raw git filemode (0 for non-git-backed entries)
	Size        uint64
	UID, GID    uint32
	Perm        uint32
	ATime       time.Time
	MTime       time.Time
	CTime       time.Time
}

// ChildEntry is one row of a list_children result (spec.md §4.2).
type ChildEntry struct {
	Name  string
	Inode uint64
}

type writeJob struct {
	fn   func(*sql.Tx) error
	done chan error
}

// Store is the metadata store. It owns one *sql.DB and one writer goroutine.
type Store struct {
	db     *sql.DB
	log    zerolog.Logger
	writeC chan writeJob
	stopC  chan struct{}
	doneC  chan struct{}
}

// Open opens or creates a SQLite-backed metadata store at path, following
// the teacher's db.Open: WAL mode, foreign keys on, schema applied
// idempotently (CREATE TABLE IF NOT EXISTS, so re-opening an existing store
// never loses data).
func Open(path string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata store directory: %w", err)
	}

	connStr := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply metadata store schema: %w", err)
	}

	s := &Store{
		db:     db,
		log:    log,
		writeC: make(chan writeJob, 64),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	go s.runWriter()
	return s, nil
}

// Close stops the writer goroutine and closes the database handle.
func (s *Store) Close() error {
	close(s.stopC)
	<-s.doneC
	return s.db.Close()
}

func (s *Store) runWriter() {
	defer close(s.doneC)
	for {
		select {
		case job := <-s.writeC:
			job.done <- s.runTx(job.fn)
		case <-s.stopC:
			// Drain any queued jobs so callers blocked on done don't hang.
			for {
				select {
				case job := <-s.writeC:
					job.done <- errors.New("metadata store closed")
				default:
					return
				}
			}
		}
	}
}

func (s *Store) runTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin metadata tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// write enqueues fn to run serially on the single writer goroutine and
// blocks for its result.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	job := writeJob{fn: fn, done: make(chan error, 1)}
	select {
	case s.writeC <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopC:
		return errors.New("metadata store closed")
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextSeq implements inode.Sequencer: a durable, monotonic, per-repo counter.
func (s *Store) NextSeq(repoID uint16) (uint64, error) {
	var next uint64
	err := s.write(context.Background(), func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT next_seq FROM repo_sequence WHERE repo_id = ?`, repoID)
		var cur uint64
		switch err := row.Scan(&cur); {
		case errors.Is(err, sql.ErrNoRows):
			cur = 1
		case err != nil:
			return fmt.Errorf("read repo sequence: %w", err)
		}
		next = cur
		if _, err := tx.Exec(`
			INSERT INTO repo_sequence(repo_id, next_seq) VALUES(?, ?)
			ON CONFLICT(repo_id) DO UPDATE SET next_seq = excluded.next_seq`,
			repoID, cur+1); err != nil {
			return fmt.Errorf("advance repo sequence: %w", err)
		}
		return nil
	})
	return next, err
}

// Next implements inode.Sequencer by delegating to NextSeq, so a *Store can
// be passed anywhere a sequence source is needed (e.g. internal/virtualdir).
func (s *Store) Next(repoID uint16) (uint64, error) {
	return s.NextSeq(repoID)
}

// Put inserts record. It is idempotent on Inode (re-putting the same inode
// with the same data is a no-op) and fails NameExists if the secondary key
// (parent, name) collides with a different, currently active dentry.
func (s *Store) Put(ctx context.Context, rec Record) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var existingTarget uint64
		err := tx.QueryRow(`SELECT target_inode FROM dentries WHERE parent_inode = ? AND name = ? AND active = 1`,
			rec.ParentInode, rec.Name).Scan(&existingTarget)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// no conflicting dentry
		case err != nil:
			return fmt.Errorf("check dentry collision: %w", err)
		case existingTarget != rec.Inode:
			return fmt.Errorf("%w: (%d,%q) already bound to inode %d", ferrors.NameExists, rec.ParentInode, rec.Name, existingTarget)
		}

		if _, err := tx.Exec(`
			INSERT INTO inode_map
				(inode, parent_inode, name, kind, object_id, filemode, size, uid, gid, perm, atime_unix, mtime_unix, ctime_unix)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(inode) DO UPDATE SET
				parent_inode = excluded.parent_inode,
				name         = excluded.name,
				kind         = excluded.kind,
				object_id    = excluded.object_id,
				filemode     = excluded.filemode,
				size         = excluded.size,
				uid          = excluded.uid,
				gid          = excluded.gid,
				perm         = excluded.perm,
				atime_unix   = excluded.atime_unix,
				mtime_unix   = excluded.mtime_unix,
				ctime_unix   = excluded.ctime_unix`,
			rec.Inode, rec.ParentInode, rec.Name, int(rec.Kind), rec.ObjectID, rec.FileMode, rec.Size,
			rec.UID, rec.GID, rec.Perm, rec.ATime.Unix(), rec.MTime.Unix(), rec.CTime.Unix()); err != nil {
			return fmt.Errorf("upsert inode_map: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO dentries(parent_inode, name, target_inode, active) VALUES (?, ?, ?, 1)
			ON CONFLICT(parent_inode, name) DO UPDATE SET target_inode = excluded.target_inode, active = 1`,
			rec.ParentInode, rec.Name, rec.Inode); err != nil {
			return fmt.Errorf("upsert dentry: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM tombstones WHERE parent_inode = ? AND name = ?`, rec.ParentInode, rec.Name); err != nil {
			return fmt.Errorf("clear tombstone: %w", err)
		}
		return nil
	})
}

// Get fetches the record for inode, or ferrors.NotFound.
func (s *Store) Get(ctx context.Context, ino uint64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT inode, parent_inode, name, kind, object_id, filemode, size, uid, gid, perm, atime_unix, mtime_unix, ctime_unix
		FROM inode_map WHERE inode = ?`, ino)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	var kindInt int
	var at, mt, ct int64
	err := row.Scan(&rec.Inode, &rec.ParentInode, &rec.Name, &kindInt, &rec.ObjectID, &rec.FileMode,
		&rec.Size, &rec.UID, &rec.GID, &rec.Perm, &at, &mt, &ct)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ferrors.NotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan inode_map row: %w", err)
	}
	rec.Kind = kind.Flag(kindInt)
	rec.ATime = time.Unix(at, 0).UTC()
	rec.MTime = time.Unix(mt, 0).UTC()
	rec.CTime = time.Unix(ct, 0).UTC()
	return rec, nil
}

// Lookup resolves (parent, name) to a record. It returns ferrors.NotFound if
// there is no dentry at all, or ferrors.TombstoneNegative if the name was
// deleted and must not be recreated until compaction (spec.md §4.2).
func (s *Store) Lookup(ctx context.Context, parent uint64, name string) (Record, error) {
	var target uint64
	err := s.db.QueryRowContext(ctx, `SELECT target_inode FROM dentries WHERE parent_inode = ? AND name = ? AND active = 1`,
		parent, name).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		var tombstoned int
		terr := s.db.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE parent_inode = ? AND name = ?`, parent, name).Scan(&tombstoned)
		if terr == nil {
			return Record{}, ferrors.TombstoneNegative
		}
		return Record{}, ferrors.NotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup dentry: %w", err)
	}
	return s.Get(ctx, target)
}

// ListChildren returns every active dentry under parent. Spec.md §4.2 does
// not mandate ordering ("callers that need a deterministic listing must
// sort"); callers in internal/router sort before presenting to a reader.
func (s *Store) ListChildren(ctx context.Context, parent uint64) ([]ChildEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, target_inode FROM dentries WHERE parent_inode = ? AND active = 1`, parent)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	var out []ChildEntry
	for rows.Next() {
		var c ChildEntry
		if err := rows.Scan(&c.Name, &c.Inode); err != nil {
			return nil, fmt.Errorf("scan child entry: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ParentsOf returns every parent inode with an active dentry pointing at
// ino, supporting hard links (spec.md §4.2 secondary index
// "inode -> list<parent-inode>").
func (s *Store) ParentsOf(ctx context.Context, ino uint64) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent_inode FROM dentries WHERE target_inode = ? AND active = 1`, ino)
	if err != nil {
		return nil, fmt.Errorf("list parents: %w", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var p uint64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan parent: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Rename atomically swaps the secondary index entry for (oldParent,
// oldName) to (newParent, newName), preserving invariant I3 (the caller is
// responsible for updating Kind on the one permitted InsideSnap<->InsideBuild
// transition before calling Rename, by issuing a Put first within the same
// logical operation).
func (s *Store) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var target uint64
		err := tx.QueryRow(`SELECT target_inode FROM dentries WHERE parent_inode = ? AND name = ? AND active = 1`,
			oldParent, oldName).Scan(&target)
		if errors.Is(err, sql.ErrNoRows) {
			return ferrors.NotFound
		}
		if err != nil {
			return fmt.Errorf("rename: read source dentry: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM dentries WHERE parent_inode = ? AND name = ?`, oldParent, oldName); err != nil {
			return fmt.Errorf("rename: remove source dentry: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO dentries(parent_inode, name, target_inode, active) VALUES (?, ?, ?, 1)
			ON CONFLICT(parent_inode, name) DO UPDATE SET target_inode = excluded.target_inode, active = 1`,
			newParent, newName, target); err != nil {
			return fmt.Errorf("rename: write destination dentry: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE inode_map SET parent_inode = ?, name = ? WHERE inode = ?`,
			newParent, newName, target); err != nil {
			return fmt.Errorf("rename: update inode_map: %w", err)
		}
		return nil
	})
}

// LinkExisting adds an additional active dentry (parent, name) pointing at
// an already-registered inode, supporting hard links. It fails NameExists
// if the target (parent, name) is already bound to a different inode.
func (s *Store) LinkExisting(ctx context.Context, ino uint64, parent uint64, name string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var existingTarget uint64
		err := tx.QueryRow(`SELECT target_inode FROM dentries WHERE parent_inode = ? AND name = ? AND active = 1`,
			parent, name).Scan(&existingTarget)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check dentry collision: %w", err)
		case existingTarget != ino:
			return fmt.Errorf("%w: (%d,%q) already bound to inode %d", ferrors.NameExists, parent, name, existingTarget)
		default:
			return nil
		}
		if _, err := tx.Exec(`
			INSERT INTO dentries(parent_inode, name, target_inode, active) VALUES (?, ?, ?, 1)
			ON CONFLICT(parent_inode, name) DO UPDATE SET target_inode = excluded.target_inode, active = 1`,
			parent, name, ino); err != nil {
			return fmt.Errorf("insert hard link dentry: %w", err)
		}
		return nil
	})
}

// Delete removes inode_map row for ino. The caller is responsible for
// dentry cleanup (spec.md §4.2).
func (s *Store) Delete(ctx context.Context, ino uint64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM inode_map WHERE inode = ?`, ino); err != nil {
			return fmt.Errorf("delete inode_map row: %w", err)
		}
		return nil
	})
}

// Unlink soft-deletes the (parent, name) dentry: it marks the binding
// inactive and records a tombstone, per spec.md §4.3's "unlink/rmdir never
// remove on-disk contents synchronously". The janitor later clears the
// tombstone once the on-disk entry is finalised; the inode_map row stays.
func (s *Store) Unlink(ctx context.Context, parent uint64, name string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE dentries SET active = 0 WHERE parent_inode = ? AND name = ? AND active = 1`, parent, name)
		if err != nil {
			return fmt.Errorf("soft-delete dentry: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ferrors.NotFound
		}
		if _, err := tx.Exec(`
			INSERT INTO tombstones(parent_inode, name) VALUES (?, ?)
			ON CONFLICT(parent_inode, name) DO NOTHING`, parent, name); err != nil {
			return fmt.Errorf("record tombstone: %w", err)
		}
		return nil
	})
}

// ClearTombstone removes the compaction record for (parent, name), allowing
// the name to be recreated. Called by the janitor once a deferred removal
// has finalised successfully (spec.md §4.10).
func (s *Store) ClearTombstone(ctx context.Context, parent uint64, name string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM tombstones WHERE parent_inode = ? AND name = ?`, parent, name)
		if err != nil {
			return fmt.Errorf("clear tombstone: %w", err)
		}
		return nil
	})
}
