package evolve

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"
)

// LatestCheckpoint is the reserved checkpoint id alias resolving to the
// newest checkpoint visible in the configured store. With no tag filter the
// resolution is global, not scoped to the current session.
const LatestCheckpoint = "latest"

// CheckpointInfo is the sidecar metadata of one checkpoint. Hash is the
// SHA-256 of the compressed archive bytes as 64 lowercase hex characters;
// two checkpoints with identical bytes share a hash but never an ID.
// ParentID links to the previous checkpoint of the same logical session,
// or, for the first checkpoint after a restore, to the restore source.
type CheckpointInfo struct {
	ID            string    `json:"id"`
	Hash          string    `json:"hash"`
	Tag           string    `json:"tag"`
	Timestamp     time.Time `json:"timestamp"`
	SizeBytes     int64     `json:"size_bytes"`
	AgentType     string    `json:"agent_type,omitempty"`
	Model         string    `json:"model,omitempty"`
	WorkspaceMode string    `json:"workspace_mode,omitempty"`
	ParentID      string    `json:"parent_id,omitempty"`
	Comment       string    `json:"comment,omitempty"`
}

// PutOptions carries the metadata stored alongside an archive.
type PutOptions struct {
	Tag           string
	AgentType     string
	Model         string
	WorkspaceMode string
	ParentID      string
	Comment       string
}

// GetOptions narrows checkpoint resolution. Tag restricts the "latest"
// alias to one session tag.
type GetOptions struct {
	Tag string
}

// ListOptions narrows a checkpoint listing.
type ListOptions struct {
	// Tag restricts results to one session tag.
	Tag string
	// Limit caps the number of entries; zero means the store default.
	Limit int
}

// CheckpointList is the result of a listing, newest first. Truncated is set
// when a pagination cap cut the result short.
type CheckpointList struct {
	Checkpoints []CheckpointInfo
	Truncated   bool
}

// CheckpointStore is content-addressed archive storage. Implementations
// must dedup archives by SHA-256 (shared blob, fresh id), keep listings
// strictly sorted by timestamp descending, and tolerate concurrent Put of
// distinct or identical archives.
type CheckpointStore interface {
	// Put stores an archive and mints a new checkpoint id.
	Put(ctx context.Context, archive []byte, opts PutOptions) (CheckpointInfo, error)
	// Get resolves an id or the "latest" alias to its metadata.
	Get(ctx context.Context, id string, opts GetOptions) (CheckpointInfo, error)
	// List returns checkpoints newest first.
	List(ctx context.Context, opts ListOptions) (CheckpointList, error)
	// Archive returns the raw gzip-compressed tar bytes of a checkpoint.
	Archive(ctx context.Context, id string) ([]byte, error)
}

// DownloadFilesOptions selects which files to extract from a checkpoint.
type DownloadFilesOptions struct {
	// Files lists exact archive paths to extract.
	Files []string
	// Glob lists path patterns to match (path.Match syntax, with **
	// matching across separators).
	Glob []string
	// To, when set, writes matches to this directory instead of only
	// returning them in memory.
	To string
}

// StorageClient is a read-mostly facade over a CheckpointStore for browsing
// and downloading checkpoints without a live sandbox.
type StorageClient struct {
	store CheckpointStore
}

// NewStorageClient wraps a CheckpointStore.
func NewStorageClient(store CheckpointStore) *StorageClient {
	return &StorageClient{store: store}
}

// ListCheckpoints lists checkpoints newest first.
func (c *StorageClient) ListCheckpoints(ctx context.Context, opts ListOptions) (CheckpointList, error) {
	return c.store.List(ctx, opts)
}

// GetCheckpoint resolves an id or "latest" to its metadata.
func (c *StorageClient) GetCheckpoint(ctx context.Context, id string) (CheckpointInfo, error) {
	return c.store.Get(ctx, id, GetOptions{})
}

// DownloadArchive fetches a checkpoint archive to the local filesystem.
// With extract true the archive is unpacked into a directory and the
// directory path is returned; otherwise the .tar.gz path is returned. An
// empty dir defaults to the system temp directory.
func (c *StorageClient) DownloadArchive(ctx context.Context, id, dir string, extract bool) (string, error) {
	info, err := c.store.Get(ctx, id, GetOptions{})
	if err != nil {
		return "", err
	}
	archive, err := c.store.Archive(ctx, info.ID)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if !extract {
		target := filepath.Join(dir, info.ID+".tar.gz")
		if err := os.WriteFile(target, archive, 0o644); err != nil {
			return "", err
		}
		return target, nil
	}
	target := filepath.Join(dir, info.ID)
	files, err := ExtractArchive(archive)
	if err != nil {
		return "", err
	}
	if err := SaveLocalDir(target, files); err != nil {
		return "", err
	}
	return target, nil
}

// DownloadFiles extracts selected files from a checkpoint archive. With no
// selection every file is returned.
func (c *StorageClient) DownloadFiles(ctx context.Context, id string, opts DownloadFilesOptions) (FileMap, error) {
	info, err := c.store.Get(ctx, id, GetOptions{})
	if err != nil {
		return nil, err
	}
	archive, err := c.store.Archive(ctx, info.ID)
	if err != nil {
		return nil, err
	}
	all, err := ExtractArchive(archive)
	if err != nil {
		return nil, err
	}

	selected := all
	if len(opts.Files) > 0 || len(opts.Glob) > 0 {
		selected = make(FileMap)
		for _, name := range opts.Files {
			if content, ok := all[name]; ok {
				selected[name] = content
			}
		}
		for _, pattern := range opts.Glob {
			for name, content := range all {
				if matchGlob(pattern, name) {
					selected[name] = content
				}
			}
		}
	}

	if opts.To != "" {
		if err := SaveLocalDir(opts.To, selected); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

// matchGlob matches name against pattern, extending path.Match with a "**"
// segment that matches across separators.
func matchGlob(pattern, name string) bool {
	if ok, err := path.Match(pattern, name); err == nil && ok {
		return true
	}
	if i := indexDoubleStar(pattern); i >= 0 {
		prefix, suffix := pattern[:i], pattern[i+2:]
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			return false
		}
		rest := name[len(prefix):]
		if suffix == "" {
			return true
		}
		suffix = trimLeadingSlash(suffix)
		// Try the suffix against every tail of rest.
		for j := 0; j <= len(rest); j++ {
			if j > 0 && rest[j-1] != '/' {
				continue
			}
			if ok, err := path.Match(suffix, rest[j:]); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func indexDoubleStar(pattern string) int {
	for i := 0; i+1 < len(pattern); i++ {
		if pattern[i] == '*' && pattern[i+1] == '*' {
			return i
		}
	}
	return -1
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}
