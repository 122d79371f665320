package githubapp

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v81/github"
	"golang.org/x/sync/errgroup"

	"github.com/stackdocs/indexer/internal/apperr"
)

// Repository describes a repository accessible to an installation.
type Repository struct {
	ID            int64
	Name          string
	FullName      string
	Owner         string
	Private       bool
	DefaultBranch string
	UpdatedAt     time.Time
}

// RepositoryFile is one file of a repository snapshot: UTF-8 decoded content
// at a specific ref. Produced transiently; never persisted.
type RepositoryFile struct {
	Path    string
	Content string
	SHA     string
	Size    int
}

// SnapshotOptions bounds a snapshot or targeted file fetch.
type SnapshotOptions struct {
	MaxFileSize int
	Concurrency int
}

func (o SnapshotOptions) concurrency() int {
	if o.Concurrency <= 0 {
		return 5
	}
	return o.Concurrency
}

// ListInstallationRepositories pages through every repository the
// installation can access.
func (a *App) ListInstallationRepositories(ctx context.Context, installationID int64) ([]Repository, error) {
	client, err := a.installationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}

	var repositories []Repository
	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, wrapGitHubError(resp, fmt.Errorf("list installation repositories: %w", err))
		}
		for _, repo := range page.Repositories {
			repositories = append(repositories, toRepository(repo))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repositories, nil
}

// GetRepositoryByID fetches a single repository descriptor.
func (a *App) GetRepositoryByID(ctx context.Context, installationID, repositoryID int64) (Repository, error) {
	client, err := a.installationClient(ctx, installationID)
	if err != nil {
		return Repository{}, err
	}

	repo, resp, err := client.Repositories.GetByID(ctx, repositoryID)
	if err != nil {
		return Repository{}, wrapGitHubError(resp, fmt.Errorf("get repository %d: %w", repositoryID, err))
	}
	return toRepository(repo), nil
}

// GetBranchHead resolves a branch name to its head commit sha. Indexing
// always pins itself to the resolved sha rather than the moving branch name.
func (a *App) GetBranchHead(ctx context.Context, installationID int64, owner, repo, branch string) (string, error) {
	client, err := a.installationClient(ctx, installationID)
	if err != nil {
		return "", err
	}

	b, resp, err := client.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		return "", wrapGitHubError(resp, fmt.Errorf("get branch %s: %w", branch, err))
	}
	sha := b.GetCommit().GetSHA()
	if sha == "" {
		return "", apperr.ErrMalformedResponse
	}
	return sha, nil
}

// FetchRepositorySnapshot returns all files at ref. It walks the recursive
// tree and fetches blobs concurrently; when the API reports the tree as
// truncated (too large to enumerate), it falls back to streaming a tarball of
// the ref instead of issuing one request per file.
func (a *App) FetchRepositorySnapshot(ctx context.Context, installationID int64, owner, repo, ref string, opts SnapshotOptions) ([]RepositoryFile, error) {
	client, err := a.installationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}

	tree, resp, err := client.Git.GetTree(ctx, owner, repo, ref, true)
	if err != nil {
		return nil, wrapGitHubError(resp, fmt.Errorf("get tree %s: %w", ref, err))
	}

	if tree.GetTruncated() {
		return a.fetchArchiveSnapshot(ctx, client, owner, repo, ref, opts.MaxFileSize)
	}

	return a.fetchBlobsFromTree(ctx, client, owner, repo, tree, opts)
}

func (a *App) fetchBlobsFromTree(ctx context.Context, client *github.Client, owner, repo string, tree *github.Tree, opts SnapshotOptions) ([]RepositoryFile, error) {
	var (
		mu    sync.Mutex
		files []RepositoryFile
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency())

	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		if opts.MaxFileSize > 0 && entry.GetSize() > opts.MaxFileSize {
			continue
		}

		g.Go(func() error {
			content, resp, err := client.Git.GetBlobRaw(gctx, owner, repo, entry.GetSHA())
			if err != nil {
				return wrapGitHubError(resp, fmt.Errorf("get blob %s: %w", entry.GetPath(), err))
			}
			if opts.MaxFileSize > 0 && len(content) > opts.MaxFileSize {
				return nil
			}

			mu.Lock()
			files = append(files, RepositoryFile{
				Path:    entry.GetPath(),
				Content: string(content),
				SHA:     entry.GetSHA(),
				Size:    len(content),
			})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// fetchArchiveSnapshot downloads a gzipped tarball of ref and streams its
// entries. Archive paths carry a leading "{repo}-{sha}/" component that is
// stripped to recover repository-relative paths.
func (a *App) fetchArchiveSnapshot(ctx context.Context, client *github.Client, owner, repo, ref string, maxFileSize int) ([]RepositoryFile, error) {
	archiveURL, resp, err := client.Repositories.GetArchiveLink(ctx, owner, repo, github.Tarball,
		&github.RepositoryContentGetOptions{Ref: ref}, 3)
	if err != nil {
		return nil, wrapGitHubError(resp, fmt.Errorf("get archive link: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build archive request: %w", err)
	}
	archiveResp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}
	defer archiveResp.Body.Close()

	if archiveResp.StatusCode >= 300 {
		return nil, apperr.Upstream("github archive", archiveResp.StatusCode, nil)
	}

	return extractTarEntries(archiveResp.Body, maxFileSize)
}

func extractTarEntries(gzipped io.Reader, maxFileSize int) ([]RepositoryFile, error) {
	gz, err := gzip.NewReader(gzipped)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer gz.Close()

	var files []RepositoryFile
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		relativePath := stripArchiveRoot(header.Name)
		if relativePath == "" {
			continue
		}
		if maxFileSize > 0 && header.Size > int64(maxFileSize) {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read archive entry %s: %w", relativePath, err)
		}
		files = append(files, RepositoryFile{
			Path:    relativePath,
			Content: string(content),
			Size:    len(content),
		})
	}
	return files, nil
}

func stripArchiveRoot(name string) string {
	_, rest, found := strings.Cut(name, "/")
	if !found {
		return ""
	}
	return rest
}

// FetchFilesForPaths fetches a specific path list at ref, used for
// incremental re-indexing after a push. Paths that 404 are treated as
// "file no longer exists" and silently dropped.
func (a *App) FetchFilesForPaths(ctx context.Context, installationID int64, owner, repo, ref string, paths []string, opts SnapshotOptions) ([]RepositoryFile, error) {
	client, err := a.installationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		files []RepositoryFile
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency())

	for _, path := range paths {
		g.Go(func() error {
			fileContent, _, resp, err := client.Repositories.GetContents(gctx, owner, repo, path,
				&github.RepositoryContentGetOptions{Ref: ref})
			if err != nil {
				if isNotFound(resp) {
					return nil
				}
				return wrapGitHubError(resp, fmt.Errorf("get contents %s: %w", path, err))
			}
			if fileContent == nil || fileContent.GetType() != "file" {
				return nil
			}

			content, err := fileContent.GetContent()
			if err != nil {
				return fmt.Errorf("decode contents %s: %w", path, err)
			}
			if opts.MaxFileSize > 0 && len(content) > opts.MaxFileSize {
				return nil
			}

			mu.Lock()
			files = append(files, RepositoryFile{
				Path:    path,
				Content: content,
				SHA:     fileContent.GetSHA(),
				Size:    len(content),
			})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func toRepository(repo *github.Repository) Repository {
	return Repository{
		ID:            repo.GetID(),
		Name:          repo.GetName(),
		FullName:      repo.GetFullName(),
		Owner:         repo.GetOwner().GetLogin(),
		Private:       repo.GetPrivate(),
		DefaultBranch: repo.GetDefaultBranch(),
		UpdatedAt:     repo.GetUpdatedAt().Time,
	}
}
