// Package indexer coordinates the repository indexing pipeline: snapshot
// fetching, chunking, embedding, chunk persistence and per-repository status
// tracking, plus webhook-driven incremental updates.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackdocs/indexer/internal/apperr"
	"github.com/stackdocs/indexer/internal/chunk"
	"github.com/stackdocs/indexer/internal/config"
	"github.com/stackdocs/indexer/internal/embedding"
	"github.com/stackdocs/indexer/internal/githubapp"
	"github.com/stackdocs/indexer/internal/store"
)

const (
	// embedConcurrency bounds simultaneous embedding calls per batch.
	embedConcurrency = 4

	// repoConcurrency bounds simultaneous repositories in a batch index.
	repoConcurrency = 3
)

// SourceConnector abstracts the GitHub App access the orchestrator needs.
// *githubapp.App is the production implementation.
type SourceConnector interface {
	IsConfigured() bool
	ListInstallationRepositories(ctx context.Context, installationID int64) ([]githubapp.Repository, error)
	GetRepositoryByID(ctx context.Context, installationID, repositoryID int64) (githubapp.Repository, error)
	GetBranchHead(ctx context.Context, installationID int64, owner, repo, branch string) (string, error)
	FetchRepositorySnapshot(ctx context.Context, installationID int64, owner, repo, ref string, opts githubapp.SnapshotOptions) ([]githubapp.RepositoryFile, error)
	FetchFilesForPaths(ctx context.Context, installationID int64, owner, repo, ref string, paths []string, opts githubapp.SnapshotOptions) ([]githubapp.RepositoryFile, error)
}

// RepositoryView merges a live accessible repository with its tracked
// indexing state. Repositories never tracked appear as never_indexed and
// disabled.
type RepositoryView struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	FullName          string     `json:"full_name"`
	DefaultBranch     string     `json:"default_branch"`
	Private           bool       `json:"private"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Enabled           bool       `json:"enabled"`
	Status            string     `json:"status"`
	LastIndexedCommit string     `json:"last_indexed_commit,omitempty"`
	IndexedAt         *time.Time `json:"indexed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// IndexResult reports one repository's full-index outcome.
type IndexResult struct {
	RepositoryID int64
	Chunks       int
}

// BatchResult reports one repository's outcome within a batch index request.
type BatchResult struct {
	RepositoryID int64  `json:"repository_id"`
	Status       string `json:"status"`
	Chunks       int    `json:"chunks,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Service is the index orchestrator.
type Service struct {
	connector SourceConnector
	chunks    store.ChunkStore
	repos     store.RepositoryStore
	embedder  embedding.Embedder
	cfg       config.Indexing
	logger    *slog.Logger
}

// NewService wires the orchestrator. A nil logger defaults to slog.Default().
func NewService(connector SourceConnector, chunks store.ChunkStore, repos store.RepositoryStore, embedder embedding.Embedder, cfg config.Indexing, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		connector: connector,
		chunks:    chunks,
		repos:     repos,
		embedder:  embedder,
		cfg:       cfg,
		logger:    logger,
	}
}

// IsEnabled reports whether the GitHub App credentials are present.
func (s *Service) IsEnabled() bool {
	return s.connector.IsConfigured()
}

// ListRepositories returns the merged accessible+tracked view for an
// installation, keyed by repository id.
func (s *Service) ListRepositories(ctx context.Context, installationID int64) ([]RepositoryView, error) {
	if !s.IsEnabled() {
		return nil, apperr.ErrNotConfigured
	}

	accessible, err := s.connector.ListInstallationRepositories(ctx, installationID)
	if err != nil {
		return nil, err
	}
	tracked, err := s.repos.ListRepositories(ctx, installationID)
	if err != nil {
		return nil, err
	}

	trackedByID := make(map[int64]store.RepositoryRecord, len(tracked))
	for _, record := range tracked {
		trackedByID[record.RepositoryID] = record
	}

	views := make([]RepositoryView, 0, len(accessible))
	for _, repo := range accessible {
		view := RepositoryView{
			ID:            repo.ID,
			Name:          repo.Name,
			FullName:      repo.FullName,
			DefaultBranch: repo.DefaultBranch,
			Private:       repo.Private,
			UpdatedAt:     repo.UpdatedAt,
			Enabled:       false,
			Status:        string(store.StatusNeverIndexed),
		}
		if record, ok := trackedByID[repo.ID]; ok {
			view.Enabled = record.Enabled
			view.Status = string(record.Status)
			view.LastIndexedCommit = record.LastIndexedCommit
			view.IndexedAt = record.IndexedAt
			view.Error = record.Error
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool { return views[i].FullName < views[j].FullName })
	return views, nil
}

// SetRepositoryEnabled toggles tracking. Pure metadata update; it never
// triggers indexing on its own.
func (s *Service) SetRepositoryEnabled(ctx context.Context, installationID, repositoryID int64, enabled bool) error {
	if !s.IsEnabled() {
		return apperr.ErrNotConfigured
	}
	return s.repos.UpdateRepository(ctx, installationID, repositoryID, store.RepositoryUpdate{
		Enabled: &enabled,
	})
}

// IndexRepository performs a full index of the repository's default branch
// head. Any failure after the row enters "indexing" marks it "failed" with
// the error recorded, so a repository is never left stuck in "indexing".
func (s *Service) IndexRepository(ctx context.Context, installationID int64, repo githubapp.Repository) (IndexResult, error) {
	if !s.IsEnabled() {
		return IndexResult{}, apperr.ErrNotConfigured
	}

	enabled := true
	status := store.StatusIndexing
	err := s.repos.UpsertRepository(ctx, store.RepositoryUpsert{
		InstallationID: installationID,
		RepositoryID:   repo.ID,
		RepositoryName: repo.FullName,
		DefaultBranch:  repo.DefaultBranch,
		Enabled:        &enabled,
		Status:         &status,
	})
	if err != nil {
		return IndexResult{}, err
	}

	chunkCount, err := s.runFullIndex(ctx, installationID, repo)
	if err != nil {
		s.markFailed(ctx, installationID, repo.ID, err)
		return IndexResult{}, err
	}

	return IndexResult{RepositoryID: repo.ID, Chunks: chunkCount}, nil
}

func (s *Service) runFullIndex(ctx context.Context, installationID int64, repo githubapp.Repository) (int, error) {
	commitSHA, err := s.connector.GetBranchHead(ctx, installationID, repo.Owner, repo.Name, repo.DefaultBranch)
	if err != nil {
		return 0, fmt.Errorf("resolve branch head: %w", err)
	}
	s.logger.Info("indexing repository", "repository", repo.FullName, "commit", commitSHA)

	snapshot, err := s.connector.FetchRepositorySnapshot(ctx, installationID, repo.Owner, repo.Name, commitSHA, githubapp.SnapshotOptions{
		MaxFileSize: s.cfg.MaxFileSizeBytes,
		Concurrency: s.cfg.ConcurrentBlobRequests,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch snapshot: %w", err)
	}
	s.logger.Debug("fetched snapshot", "repository", repo.FullName, "files", len(snapshot))

	chunks := s.chunkFiles(snapshot, installationID, repo, commitSHA)
	if err := s.PersistChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("persist chunks: %w", err)
	}

	now := time.Now().UTC()
	indexed := store.StatusIndexed
	empty := ""
	err = s.repos.UpdateRepository(ctx, installationID, repo.ID, store.RepositoryUpdate{
		Status:            &indexed,
		LastIndexedCommit: &commitSHA,
		IndexedAt:         &now,
		Error:             &empty,
	})
	if err != nil {
		return 0, fmt.Errorf("record index result: %w", err)
	}

	s.logger.Info("indexed repository", "repository", repo.FullName, "chunks", len(chunks))
	return len(chunks), nil
}

func (s *Service) markFailed(ctx context.Context, installationID, repositoryID int64, cause error) {
	failed := store.StatusFailed
	message := cause.Error()
	err := s.repos.UpdateRepository(ctx, installationID, repositoryID, store.RepositoryUpdate{
		Status: &failed,
		Error:  &message,
	})
	if err != nil {
		s.logger.Error("failed to record indexing failure", "repository_id", repositoryID, "error", err)
	}
}

// IndexAll indexes the given repositories (all accessible ones when ids is
// empty) with bounded concurrency. One repository's failure never prevents
// the others from being attempted; outcomes are reported per repository.
func (s *Service) IndexAll(ctx context.Context, installationID int64, repositoryIDs []int64) ([]BatchResult, error) {
	if !s.IsEnabled() {
		return nil, apperr.ErrNotConfigured
	}

	if len(repositoryIDs) == 0 {
		accessible, err := s.connector.ListInstallationRepositories(ctx, installationID)
		if err != nil {
			return nil, err
		}
		for _, repo := range accessible {
			repositoryIDs = append(repositoryIDs, repo.ID)
		}
	}

	results := make([]BatchResult, len(repositoryIDs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, repoConcurrency)

	for i, repositoryID := range repositoryIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = s.indexOne(ctx, installationID, repositoryID)
		}()
	}
	wg.Wait()

	return results, nil
}

func (s *Service) indexOne(ctx context.Context, installationID, repositoryID int64) BatchResult {
	repo, err := s.connector.GetRepositoryByID(ctx, installationID, repositoryID)
	if err != nil {
		s.logger.Warn("failed to resolve repository", "repository_id", repositoryID, "error", err)
		return BatchResult{RepositoryID: repositoryID, Status: "failed", Error: err.Error()}
	}

	result, err := s.IndexRepository(ctx, installationID, repo)
	if err != nil {
		s.logger.Warn("failed to index repository", "repository", repo.FullName, "error", err)
		return BatchResult{RepositoryID: repositoryID, Status: "failed", Error: err.Error()}
	}
	return BatchResult{RepositoryID: repositoryID, Status: "indexed", Chunks: result.Chunks}
}

// ReindexChangedFiles fetches only the given paths at ref and runs them
// through chunking, embedding and upsert. The metadata row is intentionally
// untouched; callers update it separately.
func (s *Service) ReindexChangedFiles(ctx context.Context, installationID int64, repo githubapp.Repository, ref string, paths []string, commitSHA string) error {
	if !s.IsEnabled() {
		return apperr.ErrNotConfigured
	}

	files, err := s.connector.FetchFilesForPaths(ctx, installationID, repo.Owner, repo.Name, ref, paths, githubapp.SnapshotOptions{
		MaxFileSize: s.cfg.MaxFileSizeBytes,
		Concurrency: s.cfg.ConcurrentBlobRequests,
	})
	if err != nil {
		return fmt.Errorf("fetch changed files: %w", err)
	}

	chunks := s.chunkFiles(files, installationID, repo, commitSHA)
	if err := s.PersistChunks(ctx, chunks); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	return nil
}

// HandlePushEvent applies a push's path deltas to the index: removed paths
// are deleted first so a rename never leaves stale chunks longer than
// necessary, then changed paths are re-indexed at the push's resulting
// commit, and finally the metadata row is touched unconditionally.
//
// Repositories that are untracked or toggled off are skipped entirely:
// disabled means stop tracking, not keep the index warm.
func (s *Service) HandlePushEvent(ctx context.Context, event githubapp.PushEvent) error {
	if !s.IsEnabled() {
		return nil
	}
	if event.InstallationID == 0 {
		return nil
	}

	record, err := s.repos.GetRepository(ctx, event.InstallationID, event.Repository.ID)
	if err != nil {
		return err
	}
	if record == nil || !record.Enabled {
		s.logger.Debug("ignoring push for untracked or disabled repository",
			"repository", event.Repository.FullName)
		return nil
	}

	if len(event.RemovedPaths) > 0 {
		err := s.chunks.DeleteChunksByPath(ctx, event.InstallationID, event.Repository.ID, event.RemovedPaths)
		if err != nil {
			return fmt.Errorf("delete removed paths: %w", err)
		}
	}

	if len(event.ChangedPaths) > 0 {
		err := s.ReindexChangedFiles(ctx, event.InstallationID, event.Repository, event.AfterSHA, event.ChangedPaths, event.AfterSHA)
		if err != nil {
			return err
		}
	}

	// A push with only non-source changes still touches the repository.
	now := time.Now().UTC()
	indexed := store.StatusIndexed
	err = s.repos.UpdateRepository(ctx, event.InstallationID, event.Repository.ID, store.RepositoryUpdate{
		Status:            &indexed,
		LastIndexedCommit: &event.AfterSHA,
		IndexedAt:         &now,
	})
	if err != nil {
		return fmt.Errorf("record push result: %w", err)
	}

	s.logger.Info("processed push",
		"repository", event.Repository.FullName,
		"changed", len(event.ChangedPaths),
		"removed", len(event.RemovedPaths),
		"commit", event.AfterSHA)
	return nil
}

// HandleInstallationEvent tracks newly installed repositories (pending,
// disabled until a user opts in) and cleans up on uninstall.
func (s *Service) HandleInstallationEvent(ctx context.Context, event githubapp.InstallationEvent) error {
	if event.InstallationID == 0 {
		return nil
	}

	if event.Action == "deleted" {
		for _, repo := range event.Repositories {
			if err := s.DeleteRepositoryData(ctx, event.InstallationID, repo.ID); err != nil {
				s.logger.Error("failed to clean up repository after uninstall",
					"repository", repo.FullName, "error", err)
			}
		}
		return nil
	}

	return s.trackRepositories(ctx, event.InstallationID, event.Repositories)
}

// HandleInstallationRepositoriesEvent reacts to repositories being added to
// or removed from an installation.
func (s *Service) HandleInstallationRepositoriesEvent(ctx context.Context, event githubapp.InstallationRepositoriesEvent) error {
	if event.InstallationID == 0 {
		return nil
	}

	if event.Action == "removed" {
		for _, repo := range event.Removed {
			if err := s.DeleteRepositoryData(ctx, event.InstallationID, repo.ID); err != nil {
				s.logger.Error("failed to remove repository after webhook update",
					"repository", repo.FullName, "error", err)
			}
		}
	}

	if event.Action == "added" {
		return s.trackRepositories(ctx, event.InstallationID, event.Added)
	}
	return nil
}

func (s *Service) trackRepositories(ctx context.Context, installationID int64, repos []githubapp.Repository) error {
	disabled := false
	pending := store.StatusPending
	for _, repo := range repos {
		branch := repo.DefaultBranch
		if branch == "" {
			branch = "main"
		}
		err := s.repos.UpsertRepository(ctx, store.RepositoryUpsert{
			InstallationID: installationID,
			RepositoryID:   repo.ID,
			RepositoryName: repo.FullName,
			DefaultBranch:  branch,
			Enabled:        &disabled,
			Status:         &pending,
		})
		if err != nil {
			s.logger.Error("failed to track repository", "repository", repo.FullName, "error", err)
		}
	}
	return nil
}

// DeleteRepositoryData removes both the chunk set and the tracking row.
func (s *Service) DeleteRepositoryData(ctx context.Context, installationID, repositoryID int64) error {
	if err := s.chunks.DeleteRepository(ctx, installationID, repositoryID); err != nil {
		return err
	}
	return s.repos.DeleteRepository(ctx, installationID, repositoryID)
}

// chunkFiles splits every eligible snapshot file and attaches repository
// attribution.
func (s *Service) chunkFiles(files []githubapp.RepositoryFile, installationID int64, repo githubapp.Repository, commitSHA string) []store.CodeChunk {
	var chunks []store.CodeChunk
	for _, file := range files {
		if s.cfg.MaxFileSizeBytes > 0 && file.Size > s.cfg.MaxFileSizeBytes {
			continue
		}
		if chunk.ShouldSkipFile(file.Path, file.Content) {
			continue
		}

		pieces := chunk.SplitSourceFile(file.Path, file.Content, chunk.Options{
			InstallationID: installationID,
			RepositoryID:   repo.ID,
			CommitSHA:      commitSHA,
			MaxChunkLines:  s.cfg.ChunkLines,
			OverlapLines:   s.cfg.ChunkOverlapLines,
		})

		for _, piece := range pieces {
			chunks = append(chunks, store.CodeChunk{
				ID:             piece.ID,
				InstallationID: piece.InstallationID,
				RepositoryID:   piece.RepositoryID,
				RepositoryName: repo.FullName,
				Branch:         repo.DefaultBranch,
				Path:           piece.Path,
				Language:       piece.Language,
				Symbol:         piece.Symbol,
				StartLine:      piece.StartLine,
				EndLine:        piece.EndLine,
				CommitSHA:      piece.CommitSHA,
				Text:           piece.Text,
			})
		}
	}
	return chunks
}

// PersistChunks embeds all chunks with bounded concurrency and upserts them.
// The batch is atomic from the caller's perspective: a single embedding
// failure aborts the whole call and nothing from this batch is upserted.
func (s *Service) PersistChunks(ctx context.Context, chunks []store.CodeChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i := range chunks {
		g.Go(func() error {
			vector, err := s.embedder.EmbedText(gctx, chunks[i].Text)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", chunks[i].ID, err)
			}
			chunks[i].Embedding = vector
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return s.chunks.UpsertChunks(ctx, chunks)
}
