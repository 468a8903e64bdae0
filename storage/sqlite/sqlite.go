// Package sqlite implements evolve.CheckpointStore on the local
// filesystem: archives live as content-addressed blobs in a directory,
// metadata in a SQLite index. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nevindra/evolve"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DefaultListLimit caps listings when the caller does not set one.
const DefaultListLimit = 100

// MaxListLimit is the hard pagination cap; listings that hit it report
// Truncated.
const MaxListLimit = 500

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs when it opens and on each Put; Get, List and Archive
// do not log. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements evolve.CheckpointStore backed by a blob directory and a
// SQLite metadata index at <dir>/checkpoints.db.
type Store struct {
	db      *sql.DB
	blobDir string
	logger  *slog.Logger
}

var _ evolve.CheckpointStore = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store rooted at dir. It opens a single shared connection
// pool with SetMaxOpenConns(1) so concurrent writers serialize through one
// connection, eliminating SQLITE_BUSY errors.
func New(dir string, opts ...StoreOption) (*Store, error) {
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open driver: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, blobDir: blobDir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite: checkpoint store opened", "dir", dir)
	return s, nil
}

// init creates the metadata table.
func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		tag TEXT NOT NULL,
		ts INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		workspace_mode TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_checkpoints_tag_ts ON checkpoints(tag, ts DESC)`)
	if err != nil {
		return fmt.Errorf("sqlite: init index: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an archive under its content address and mints a fresh
// checkpoint id. Identical archive bytes share one blob (dedup by SHA-256)
// while still producing distinct ids.
func (s *Store) Put(ctx context.Context, archive []byte, opts evolve.PutOptions) (evolve.CheckpointInfo, error) {
	hash := evolve.ArchiveHash(archive)
	blobPath := filepath.Join(s.blobDir, hash+".tar.gz")
	if _, err := os.Stat(blobPath); errors.Is(err, os.ErrNotExist) {
		// Write via temp + rename so a concurrent Put of the same bytes
		// never observes a half-written blob.
		tmp, err := os.CreateTemp(s.blobDir, ".put-*")
		if err != nil {
			return evolve.CheckpointInfo{}, err
		}
		if _, err := tmp.Write(archive); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return evolve.CheckpointInfo{}, err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return evolve.CheckpointInfo{}, err
		}
		if err := os.Rename(tmp.Name(), blobPath); err != nil {
			os.Remove(tmp.Name())
			return evolve.CheckpointInfo{}, err
		}
	} else if err != nil {
		return evolve.CheckpointInfo{}, err
	} else {
		s.logger.Debug("sqlite: blob dedup hit", "hash", hash)
	}

	info := evolve.CheckpointInfo{
		ID:            "ckpt_" + evolve.NewID(),
		Hash:          hash,
		Tag:           opts.Tag,
		Timestamp:     time.Now().UTC(),
		SizeBytes:     int64(len(archive)),
		AgentType:     opts.AgentType,
		Model:         opts.Model,
		WorkspaceMode: opts.WorkspaceMode,
		ParentID:      opts.ParentID,
		Comment:       opts.Comment,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, hash, tag, ts, size_bytes, agent_type, model, workspace_mode, parent_id, comment)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Hash, info.Tag, info.Timestamp.UnixMilli(), info.SizeBytes,
		info.AgentType, info.Model, info.WorkspaceMode, info.ParentID, info.Comment)
	if err != nil {
		return evolve.CheckpointInfo{}, fmt.Errorf("sqlite: put: %w", err)
	}
	s.logger.Debug("sqlite: checkpoint stored", "id", info.ID, "tag", info.Tag, "size", info.SizeBytes)
	return info, nil
}

// Get resolves an id or the "latest" alias. With no tag filter "latest" is
// global across all tags.
func (s *Store) Get(ctx context.Context, id string, opts evolve.GetOptions) (evolve.CheckpointInfo, error) {
	var row *sql.Row
	const cols = `id, hash, tag, ts, size_bytes, agent_type, model, workspace_mode, parent_id, comment`
	if id == evolve.LatestCheckpoint {
		if opts.Tag != "" {
			row = s.db.QueryRowContext(ctx,
				`SELECT `+cols+` FROM checkpoints WHERE tag = ? ORDER BY ts DESC, id DESC LIMIT 1`, opts.Tag)
		} else {
			row = s.db.QueryRowContext(ctx,
				`SELECT `+cols+` FROM checkpoints ORDER BY ts DESC, id DESC LIMIT 1`)
		}
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT `+cols+` FROM checkpoints WHERE id = ?`, id)
	}

	info, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return evolve.CheckpointInfo{}, fmt.Errorf("checkpoint %s not found", id)
	}
	if err != nil {
		return evolve.CheckpointInfo{}, fmt.Errorf("sqlite: get: %w", err)
	}
	return info, nil
}

// List returns checkpoints newest first, optionally filtered by tag.
// Truncated is set when the (capped) limit cut the result short.
func (s *Store) List(ctx context.Context, opts evolve.ListOptions) (evolve.CheckpointList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	const cols = `id, hash, tag, ts, size_bytes, agent_type, model, workspace_mode, parent_id, comment`
	var rows *sql.Rows
	var err error
	if opts.Tag != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM checkpoints WHERE tag = ? ORDER BY ts DESC, id DESC LIMIT ?`, opts.Tag, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM checkpoints ORDER BY ts DESC, id DESC LIMIT ?`, limit+1)
	}
	if err != nil {
		return evolve.CheckpointList{}, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var list evolve.CheckpointList
	for rows.Next() {
		info, err := scanCheckpoint(rows)
		if err != nil {
			return evolve.CheckpointList{}, fmt.Errorf("sqlite: list scan: %w", err)
		}
		list.Checkpoints = append(list.Checkpoints, info)
	}
	if err := rows.Err(); err != nil {
		return evolve.CheckpointList{}, err
	}
	if len(list.Checkpoints) > limit {
		list.Checkpoints = list.Checkpoints[:limit]
		list.Truncated = true
	}
	return list, nil
}

// Archive returns the raw archive bytes of a checkpoint.
func (s *Store) Archive(ctx context.Context, id string) ([]byte, error) {
	info, err := s.Get(ctx, id, evolve.GetOptions{})
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.blobDir, info.Hash+".tar.gz"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: archive blob %s: %w", info.Hash, err)
	}
	return data, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (evolve.CheckpointInfo, error) {
	var info evolve.CheckpointInfo
	var ts int64
	err := row.Scan(&info.ID, &info.Hash, &info.Tag, &ts, &info.SizeBytes,
		&info.AgentType, &info.Model, &info.WorkspaceMode, &info.ParentID, &info.Comment)
	if err != nil {
		return evolve.CheckpointInfo{}, err
	}
	info.Timestamp = time.UnixMilli(ts).UTC()
	return info, nil
}
