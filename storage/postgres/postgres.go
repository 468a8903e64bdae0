// Package postgres implements evolve.CheckpointStore on PostgreSQL.
// Archive bytes live in a content-addressed blob table; metadata rows
// reference blobs by hash, so identical archives share storage.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/evolve"
)

// DefaultListLimit caps listings when the caller does not set one.
const DefaultListLimit = 100

// MaxListLimit is the hard pagination cap; listings that hit it report
// Truncated.
const MaxListLimit = 500

// Store implements evolve.CheckpointStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ evolve.CheckpointStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the blob and metadata tables.
func (s *Store) Init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
			hash TEXT PRIMARY KEY,
			archive BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL REFERENCES checkpoint_blobs(hash),
			tag TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			size_bytes BIGINT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			workspace_mode TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_tag_ts ON checkpoints(tag, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_ts ON checkpoints(ts DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Put stores an archive and mints a fresh checkpoint id. The blob insert
// is ON CONFLICT DO NOTHING: concurrent puts of identical bytes race
// harmlessly and share one blob row.
func (s *Store) Put(ctx context.Context, archive []byte, opts evolve.PutOptions) (evolve.CheckpointInfo, error) {
	hash := evolve.ArchiveHash(archive)
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return evolve.CheckpointInfo{}, fmt.Errorf("postgres: put: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoint_blobs (hash, archive) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`,
		hash, archive); err != nil {
		return evolve.CheckpointInfo{}, fmt.Errorf("postgres: put blob: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (id, hash, tag, ts, size_bytes, agent_type, model, workspace_mode, parent_id, comment)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		info.ID, info.Hash, info.Tag, info.Timestamp, info.SizeBytes,
		info.AgentType, info.Model, info.WorkspaceMode, info.ParentID, info.Comment); err != nil {
		return evolve.CheckpointInfo{}, fmt.Errorf("postgres: put: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return evolve.CheckpointInfo{}, fmt.Errorf("postgres: put commit: %w", err)
	}
	return info, nil
}

const checkpointCols = `id, hash, tag, ts, size_bytes, agent_type, model, workspace_mode, parent_id, comment`

// Get resolves an id or the "latest" alias. With no tag filter "latest" is
// global across all tags.
func (s *Store) Get(ctx context.Context, id string, opts evolve.GetOptions) (evolve.CheckpointInfo, error) {
	var row pgx.Row
	if id == evolve.LatestCheckpoint {
		if opts.Tag != "" {
			row = s.pool.QueryRow(ctx,
				`SELECT `+checkpointCols+` FROM checkpoints WHERE tag = $1 ORDER BY ts DESC, id DESC LIMIT 1`, opts.Tag)
		} else {
			row = s.pool.QueryRow(ctx,
				`SELECT `+checkpointCols+` FROM checkpoints ORDER BY ts DESC, id DESC LIMIT 1`)
		}
	} else {
		row = s.pool.QueryRow(ctx, `SELECT `+checkpointCols+` FROM checkpoints WHERE id = $1`, id)
	}

	info, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return evolve.CheckpointInfo{}, fmt.Errorf("checkpoint %s not found", id)
	}
	if err != nil {
		return evolve.CheckpointInfo{}, fmt.Errorf("postgres: get: %w", err)
	}
	return info, nil
}

// List returns checkpoints newest first, optionally filtered by tag.
func (s *Store) List(ctx context.Context, opts evolve.ListOptions) (evolve.CheckpointList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var rows pgx.Rows
	var err error
	if opts.Tag != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+checkpointCols+` FROM checkpoints WHERE tag = $1 ORDER BY ts DESC, id DESC LIMIT $2`, opts.Tag, limit+1)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+checkpointCols+` FROM checkpoints ORDER BY ts DESC, id DESC LIMIT $1`, limit+1)
	}
	if err != nil {
		return evolve.CheckpointList{}, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var list evolve.CheckpointList
	for rows.Next() {
		info, err := scanCheckpoint(rows)
		if err != nil {
			return evolve.CheckpointList{}, fmt.Errorf("postgres: list scan: %w", err)
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
	var archive []byte
	err = s.pool.QueryRow(ctx,
		`SELECT archive FROM checkpoint_blobs WHERE hash = $1`, info.Hash).Scan(&archive)
	if err != nil {
		return nil, fmt.Errorf("postgres: archive blob %s: %w", info.Hash, err)
	}
	return archive, nil
}

func scanCheckpoint(row pgx.Row) (evolve.CheckpointInfo, error) {
	var info evolve.CheckpointInfo
	err := row.Scan(&info.ID, &info.Hash, &info.Tag, &info.Timestamp, &info.SizeBytes,
		&info.AgentType, &info.Model, &info.WorkspaceMode, &info.ParentID, &info.Comment)
	return info, err
}
