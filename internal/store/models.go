package store

import "time"

// CodeChunk is the durable unit of retrieval: an embedded line-range slice of
// a source file. ID is content-addressed (see chunk.BuildChunkID), so
// re-indexing the same commit upserts identical records.
type CodeChunk struct {
	ID             string
	InstallationID int64
	RepositoryID   int64
	RepositoryName string
	Branch         string
	Path           string
	Language       string
	Symbol         string
	StartLine      int
	EndLine        int
	CommitSHA      string
	Text           string
	Embedding      []float32
}

// ScoredChunk pairs a chunk with its similarity score for a query.
type ScoredChunk struct {
	CodeChunk
	Score float64
}

// QueryFilters narrows a similarity query.
type QueryFilters struct {
	Languages  []string
	PathPrefix string
}

// Query describes a top-k similarity search scoped to an installation.
type Query struct {
	InstallationID int64
	RepositoryIDs  []int64
	Limit          int
	Embedding      []float32
	Filters        QueryFilters
}

// RepositoryStatus enumerates the indexing lifecycle of a repository.
type RepositoryStatus string

const (
	StatusNeverIndexed RepositoryStatus = "never_indexed"
	StatusPending      RepositoryStatus = "pending"
	StatusIndexing     RepositoryStatus = "indexing"
	StatusIndexed      RepositoryStatus = "indexed"
	StatusFailed       RepositoryStatus = "failed"
)

// RepositoryRecord tracks per-repository indexing state for an installation.
type RepositoryRecord struct {
	InstallationID    int64            `db:"installation_id"`
	RepositoryID      int64            `db:"repository_id"`
	RepositoryName    string           `db:"repository_name"`
	DefaultBranch     string           `db:"default_branch"`
	Enabled           bool             `db:"enabled"`
	Status            RepositoryStatus `db:"status"`
	LastIndexedCommit string           `db:"last_indexed_commit"`
	IndexedAt         *time.Time       `db:"indexed_at"`
	Error             string           `db:"error"`
	UpdatedAt         time.Time        `db:"updated_at"`
}

// RepositoryUpsert creates or replaces a tracking row. Enabled and Status
// default to true/pending when nil.
type RepositoryUpsert struct {
	InstallationID    int64
	RepositoryID      int64
	RepositoryName    string
	DefaultBranch     string
	Enabled           *bool
	Status            *RepositoryStatus
	LastIndexedCommit string
	IndexedAt         *time.Time
	Error             string
}

// RepositoryUpdate merges only its non-nil fields into an existing row.
type RepositoryUpdate struct {
	Enabled           *bool
	Status            *RepositoryStatus
	LastIndexedCommit *string
	IndexedAt         *time.Time
	Error             *string
}
