package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackdocs/indexer/internal/config"
	"github.com/stackdocs/indexer/internal/embedding"
	"github.com/stackdocs/indexer/internal/githubapp"
	"github.com/stackdocs/indexer/internal/store"
)

// fakeConnector is an in-memory SourceConnector for orchestrator tests.
type fakeConnector struct {
	mu sync.Mutex

	repos     map[int64]githubapp.Repository
	headSHA   string
	headErr   error
	snapshots map[int64][]githubapp.RepositoryFile
	pathFiles map[string]githubapp.RepositoryFile
	failRepos map[int64]bool

	fetchPathCalls [][]string
	snapshotCalls  int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		repos:     make(map[int64]githubapp.Repository),
		snapshots: make(map[int64][]githubapp.RepositoryFile),
		pathFiles: make(map[string]githubapp.RepositoryFile),
		failRepos: make(map[int64]bool),
		headSHA:   "sha-1",
	}
}

func (f *fakeConnector) IsConfigured() bool { return true }

func (f *fakeConnector) ListInstallationRepositories(_ context.Context, _ int64) ([]githubapp.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []githubapp.Repository
	for _, repo := range f.repos {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeConnector) GetRepositoryByID(_ context.Context, _, repositoryID int64) (githubapp.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRepos[repositoryID] {
		return githubapp.Repository{}, fmt.Errorf("repository %d unavailable", repositoryID)
	}
	repo, ok := f.repos[repositoryID]
	if !ok {
		return githubapp.Repository{}, fmt.Errorf("repository %d not found", repositoryID)
	}
	return repo, nil
}

func (f *fakeConnector) GetBranchHead(_ context.Context, _ int64, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return "", f.headErr
	}
	return f.headSHA, nil
}

func (f *fakeConnector) FetchRepositorySnapshot(_ context.Context, _ int64, _, repo, _ string, _ githubapp.SnapshotOptions) ([]githubapp.RepositoryFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	for id, r := range f.repos {
		if r.Name == repo {
			return f.snapshots[id], nil
		}
	}
	return nil, nil
}

func (f *fakeConnector) FetchFilesForPaths(_ context.Context, _ int64, _, _, _ string, paths []string, _ githubapp.SnapshotOptions) ([]githubapp.RepositoryFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchPathCalls = append(f.fetchPathCalls, paths)

	var files []githubapp.RepositoryFile
	for _, path := range paths {
		if file, ok := f.pathFiles[path]; ok {
			files = append(files, file)
		}
	}
	return files, nil
}

func testRepo(id int64, name string) githubapp.Repository {
	return githubapp.Repository{
		ID:            id,
		Name:          name,
		FullName:      "acme/" + name,
		Owner:         "acme",
		DefaultBranch: "main",
	}
}

func testConfig() config.Indexing {
	return config.Indexing{
		MaxFileSizeBytes:       262144,
		ConcurrentBlobRequests: 5,
		ChunkLines:             120,
		ChunkOverlapLines:      20,
		DefaultTopK:            8,
	}
}

type fixture struct {
	connector *fakeConnector
	chunks    *store.MemoryChunkStore
	repos     *store.MemoryRepositoryStore
	service   *Service
}

func newFixture() *fixture {
	connector := newFakeConnector()
	chunks := store.NewMemoryChunkStore()
	repos := store.NewMemoryRepositoryStore()
	embedder := embedding.NewClient(embedding.Config{})

	return &fixture{
		connector: connector,
		chunks:    chunks,
		repos:     repos,
		service:   NewService(connector, chunks, repos, embedder, testConfig(), slog.Default()),
	}
}

func TestService_IndexRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "src/app.js", Content: "function handler() {\n  return 1\n}", Size: 34},
		{Path: "README.md", Content: "# API\n\nUsage notes."},
	}

	result, err := f.service.IndexRepository(ctx, 1, repo)
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.RepositoryID)
	assert.Equal(t, 3, result.Chunks, "one chunk for app.js, two for README paragraphs")
	assert.Equal(t, 3, f.chunks.Len())

	record, err := f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, store.StatusIndexed, record.Status)
	assert.Equal(t, "sha-1", record.LastIndexedCommit)
	assert.True(t, record.Enabled)
	assert.Empty(t, record.Error)
	assert.NotNil(t, record.IndexedAt)
}

func TestService_IndexRepository_OneChunkPerSmallFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// A 50-line file with no blank lines and a 5-line README both fit in a
	// single 120-line chunk each.
	sourceLines := make([]string, 50)
	for i := range sourceLines {
		sourceLines[i] = fmt.Sprintf("const v%d = %d", i, i)
	}
	readmeLines := []string{"# API", "Line two", "Line three", "Line four", "Line five"}

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "src/values.js", Content: strings.Join(sourceLines, "\n")},
		{Path: "README.md", Content: strings.Join(readmeLines, "\n")},
	}

	result, err := f.service.IndexRepository(ctx, 1, repo)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Chunks, "one chunk per file")

	for _, path := range []string{"src/values.js", "README.md"} {
		matches, err := f.chunks.Query(ctx, store.Query{
			InstallationID: 1, Limit: 10, Filters: store.QueryFilters{PathPrefix: path},
		})
		require.NoError(t, err)
		require.Len(t, matches, 1, "path %s", path)
		assert.Equal(t, 1, matches[0].StartLine)
	}
}

func TestService_IndexRepository_SkipsExcludedFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "node_modules/lodash/index.js", Content: "module.exports = {}"},
		{Path: "dist/bundle.js", Content: "var x = 1"},
		{Path: "assets/logo.bin", Content: "abc\x00def"},
		{Path: "src/keep.js", Content: "const keep = true"},
	}

	result, err := f.service.IndexRepository(ctx, 1, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Chunks, "only src/keep.js survives the skip rules")
}

func TestService_IndexRepository_MarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	f.connector.headErr = fmt.Errorf("github unavailable")

	_, err := f.service.IndexRepository(ctx, 1, repo)
	require.Error(t, err)

	record, getErr := f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, getErr)
	require.NotNil(t, record, "the tracking row must exist even after a failed run")
	assert.Equal(t, store.StatusFailed, record.Status)
	assert.Contains(t, record.Error, "github unavailable")
	assert.True(t, record.Enabled)
}

func TestService_IndexAll_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.connector.repos[10] = testRepo(10, "api")
	f.connector.repos[11] = testRepo(11, "web")
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "main.go", Content: "package main"},
	}
	f.connector.failRepos[11] = true

	results, err := f.service.IndexAll(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := make(map[int64]BatchResult)
	for _, r := range results {
		byID[r.RepositoryID] = r
	}
	assert.Equal(t, "indexed", byID[10].Status)
	assert.Equal(t, 1, byID[10].Chunks)
	assert.Equal(t, "failed", byID[11].Status)
	assert.Contains(t, byID[11].Error, "unavailable")
}

func TestService_HandlePushEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "src/app.js", Content: "function a() {}"},
		{Path: "README.md", Content: "# API"},
	}
	_, err := f.service.IndexRepository(ctx, 1, repo)
	require.NoError(t, err)
	require.Equal(t, 2, f.chunks.Len())

	f.connector.pathFiles["src/app.js"] = githubapp.RepositoryFile{
		Path: "src/app.js", Content: "function b() {}",
	}

	err = f.service.HandlePushEvent(ctx, githubapp.PushEvent{
		InstallationID: 1,
		Repository:     repo,
		Branch:         "main",
		AfterSHA:       "sha-2",
		ChangedPaths:   []string{"src/app.js"},
		RemovedPaths:   []string{"README.md"},
	})
	require.NoError(t, err)

	// README chunks are gone; app.js has the old-commit chunk plus the new one
	// (chunk ids embed the commit, re-indexing upserts rather than replaces).
	readme, err := f.chunks.Query(ctx, store.Query{
		InstallationID: 1, Limit: 10, Filters: store.QueryFilters{PathPrefix: "README"},
	})
	require.NoError(t, err)
	assert.Empty(t, readme)

	require.Len(t, f.connector.fetchPathCalls, 1)
	assert.Equal(t, []string{"src/app.js"}, f.connector.fetchPathCalls[0])

	record, err := f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "sha-2", record.LastIndexedCommit)
	assert.Equal(t, store.StatusIndexed, record.Status)
}

func TestService_HandlePushEvent_DisabledRepositorySkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "src/app.js", Content: "function a() {}"},
	}
	_, err := f.service.IndexRepository(ctx, 1, repo)
	require.NoError(t, err)

	require.NoError(t, f.service.SetRepositoryEnabled(ctx, 1, 10, false))
	before := f.chunks.Len()

	err = f.service.HandlePushEvent(ctx, githubapp.PushEvent{
		InstallationID: 1,
		Repository:     repo,
		AfterSHA:       "sha-2",
		ChangedPaths:   []string{"src/app.js"},
	})
	require.NoError(t, err)

	assert.Empty(t, f.connector.fetchPathCalls, "a disabled repository must not be re-indexed")
	assert.Equal(t, before, f.chunks.Len())

	record, err := f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "sha-1", record.LastIndexedCommit, "metadata must not advance for a skipped push")
}

func TestService_HandlePushEvent_UntrackedRepositorySkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	err := f.service.HandlePushEvent(ctx, githubapp.PushEvent{
		InstallationID: 1,
		Repository:     testRepo(99, "ghost"),
		AfterSHA:       "sha-2",
		ChangedPaths:   []string{"src/app.js"},
	})
	require.NoError(t, err)
	assert.Empty(t, f.connector.fetchPathCalls)
}

func TestService_SetRepositoryEnabled_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	_, err := f.service.IndexRepository(ctx, 1, repo)
	require.NoError(t, err)

	require.NoError(t, f.service.SetRepositoryEnabled(ctx, 1, 10, false))
	record, err := f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, record.Enabled)

	require.NoError(t, f.service.SetRepositoryEnabled(ctx, 1, 10, true))
	record, err = f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, record.Enabled)
	assert.Equal(t, store.StatusIndexed, record.Status, "toggling must not disturb index status")
}

func TestService_ListRepositories_MergedView(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.connector.repos[10] = testRepo(10, "api")
	f.connector.repos[11] = testRepo(11, "web")
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "main.go", Content: "package main"},
	}
	_, err := f.service.IndexRepository(ctx, 1, f.connector.repos[10])
	require.NoError(t, err)

	views, err := f.service.ListRepositories(ctx, 1)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := make(map[int64]RepositoryView)
	for _, v := range views {
		byID[v.ID] = v
	}

	assert.Equal(t, string(store.StatusIndexed), byID[10].Status)
	assert.True(t, byID[10].Enabled)
	assert.Equal(t, "sha-1", byID[10].LastIndexedCommit)

	assert.Equal(t, string(store.StatusNeverIndexed), byID[11].Status)
	assert.False(t, byID[11].Enabled)
	assert.Empty(t, byID[11].LastIndexedCommit)
}

func TestService_InstallationEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	err := f.service.HandleInstallationEvent(ctx, githubapp.InstallationEvent{
		Action:         "created",
		InstallationID: 1,
		Repositories:   []githubapp.Repository{testRepo(10, "api")},
	})
	require.NoError(t, err)

	record, err := f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, store.StatusPending, record.Status)
	assert.False(t, record.Enabled, "installed repositories start disabled until a user opts in")

	err = f.service.HandleInstallationRepositoriesEvent(ctx, githubapp.InstallationRepositoriesEvent{
		Action:         "added",
		InstallationID: 1,
		Added:          []githubapp.Repository{testRepo(11, "web")},
	})
	require.NoError(t, err)
	record, err = f.repos.GetRepository(ctx, 1, 11)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, store.StatusPending, record.Status)

	err = f.service.HandleInstallationRepositoriesEvent(ctx, githubapp.InstallationRepositoriesEvent{
		Action:         "removed",
		InstallationID: 1,
		Removed:        []githubapp.Repository{testRepo(11, "web")},
	})
	require.NoError(t, err)
	record, err = f.repos.GetRepository(ctx, 1, 11)
	require.NoError(t, err)
	assert.Nil(t, record)

	err = f.service.HandleInstallationEvent(ctx, githubapp.InstallationEvent{
		Action:         "deleted",
		InstallationID: 1,
		Repositories:   []githubapp.Repository{testRepo(10, "api")},
	})
	require.NoError(t, err)
	record, err = f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestService_DeleteRepositoryData(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	repo := testRepo(10, "api")
	f.connector.repos[10] = repo
	f.connector.snapshots[10] = []githubapp.RepositoryFile{
		{Path: "main.go", Content: "package main"},
	}
	_, err := f.service.IndexRepository(ctx, 1, repo)
	require.NoError(t, err)
	require.Equal(t, 1, f.chunks.Len())

	require.NoError(t, f.service.DeleteRepositoryData(ctx, 1, 10))

	assert.Equal(t, 0, f.chunks.Len())
	record, err := f.repos.GetRepository(ctx, 1, 10)
	require.NoError(t, err)
	assert.Nil(t, record)
}
