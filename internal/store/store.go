// Package store persists embedded code chunks and per-repository indexing
// state. Both concerns are capability interfaces with a production
// implementation (Qdrant for chunks, Postgres for repository state) and an
// in-memory implementation for tests and credential-free local runs.
package store

import "context"

// ChunkStore persists code chunks keyed by content-addressed id and serves
// similarity queries scoped by installation and repository.
type ChunkStore interface {
	// IsEnabled reports whether persistence is backed by real storage.
	// When false, callers should treat indexing as a no-op.
	IsEnabled() bool

	// UpsertChunks idempotently inserts or replaces chunks by id.
	UpsertChunks(ctx context.Context, chunks []CodeChunk) error

	// DeleteChunksByPath removes all chunks under any of the given paths
	// for the repository. No-op on an empty path list.
	DeleteChunksByPath(ctx context.Context, installationID, repositoryID int64, paths []string) error

	// DeleteRepository removes all chunks for the repository.
	DeleteRepository(ctx context.Context, installationID, repositoryID int64) error

	// Query returns up to Limit chunks ranked by similarity, highest first.
	Query(ctx context.Context, q Query) ([]ScoredChunk, error)
}

// RepositoryStore tracks per-repository indexing lifecycle, independent of
// chunk content.
type RepositoryStore interface {
	ListRepositories(ctx context.Context, installationID int64) ([]RepositoryRecord, error)

	// GetRepository returns the tracking row, or nil when untracked.
	GetRepository(ctx context.Context, installationID, repositoryID int64) (*RepositoryRecord, error)

	UpsertRepository(ctx context.Context, upsert RepositoryUpsert) error

	// UpdateRepository merges only the non-nil fields of update; untouched
	// fields retain their prior values. No-op when the row is untracked.
	UpdateRepository(ctx context.Context, installationID, repositoryID int64, update RepositoryUpdate) error

	DeleteRepository(ctx context.Context, installationID, repositoryID int64) error
}
