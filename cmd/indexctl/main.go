// Package main provides the repository index management CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stackdocs/indexer/internal/config"
	"github.com/stackdocs/indexer/internal/embedding"
	"github.com/stackdocs/indexer/internal/githubapp"
	"github.com/stackdocs/indexer/internal/indexer"
	"github.com/stackdocs/indexer/internal/retrieval"
	"github.com/stackdocs/indexer/internal/store"
)

var (
	installationID int64
	repositoryIDs  []int64
	topK           int
)

var rootCmd = &cobra.Command{
	Use:   "indexctl",
	Short: "Repository code index management tool",
	Long:  "CLI tool for indexing GitHub repositories and searching the chunk index",
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List repositories accessible to an installation with their index state",
	RunE:  runRepos,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index repositories for an installation",
	Long: `Fetches each repository's default branch head, chunks its files,
generates embeddings and upserts them into the chunk store.

With --repo flags only the given repository ids are indexed; without,
every repository the installation can access is indexed.

Environment variables:
  GITHUB_APP_ID              GitHub App id (required)
  GITHUB_APP_CLIENT_ID       GitHub App client id (required)
  GITHUB_APP_CLIENT_SECRET   GitHub App client secret (required)
  GITHUB_APP_PRIVATE_KEY     GitHub App PEM private key (required)
  QDRANT_HOST                Qdrant hostname (in-memory store when unset)
  EMBEDDING_API_KEY          Embedding API key (deterministic fallback when unset)
  DATABASE_URL               Postgres URL for repository state (in-memory when unset)`,
	RunE: runIndex,
}

var searchCmd = &cobra.Command{
	Use:   "search [question]",
	Short: "Search indexed chunks with a natural-language question",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	rootCmd.PersistentFlags().Int64Var(&installationID, "installation", 0, "GitHub App installation id")
	indexCmd.Flags().Int64SliceVar(&repositoryIDs, "repo", nil, "repository id to index (repeatable)")
	searchCmd.Flags().Int64SliceVar(&repositoryIDs, "repo", nil, "repository id to search (repeatable)")
	searchCmd.Flags().IntVar(&topK, "top-k", 0, "number of results to return")

	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type runtimeDeps struct {
	service   *indexer.Service
	retriever *retrieval.Retriever
	close     func()
}

func buildDeps(ctx context.Context) (*runtimeDeps, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	embedder := embedding.NewClient(embedding.Config{
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		BaseURL: cfg.Embedding.BaseURL,
	})

	var closers []func()

	var chunks store.ChunkStore
	if cfg.Qdrant.Configured() {
		qdrantStore, err := store.NewQdrantChunkStore(
			cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection, embedder.Dimension())
		if err != nil {
			return nil, fmt.Errorf("connect to qdrant: %w", err)
		}
		closers = append(closers, func() { qdrantStore.Close() })

		if err := qdrantStore.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("ensure collection: %w", err)
		}
		chunks = qdrantStore
	} else {
		chunks = store.NewMemoryChunkStore()
	}

	var repos store.RepositoryStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresRepositoryStore(ctx, cfg.DatabaseURL, cfg.RepositoryTable)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, func() { pgStore.Close() })
		repos = pgStore
	} else {
		repos = store.NewMemoryRepositoryStore()
	}

	app, err := githubapp.New(githubapp.Config{
		AppID:         cfg.GitHubApp.AppID,
		ClientID:      cfg.GitHubApp.ClientID,
		ClientSecret:  cfg.GitHubApp.ClientSecret,
		PrivateKey:    cfg.GitHubApp.PrivateKey,
		WebhookSecret: cfg.GitHubApp.WebhookSecret,
		APIBaseURL:    cfg.GitHubApp.APIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create github app client: %w", err)
	}

	return &runtimeDeps{
		service:   indexer.NewService(app, chunks, repos, embedder, cfg.Indexing, logger),
		retriever: retrieval.NewRetriever(chunks, embedder, cfg.Indexing.DefaultTopK, logger),
		close: func() {
			for _, closeFn := range closers {
				closeFn()
			}
		},
	}, nil
}

func requireInstallation() error {
	if installationID <= 0 {
		return fmt.Errorf("--installation is required")
	}
	return nil
}

func runRepos(cmd *cobra.Command, args []string) error {
	if err := requireInstallation(); err != nil {
		return err
	}
	ctx := context.Background()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.close()

	views, err := deps.service.ListRepositories(ctx, installationID)
	if err != nil {
		return err
	}

	for _, view := range views {
		line := fmt.Sprintf("%-12d %-50s %-10s enabled=%t", view.ID, view.FullName, view.Status, view.Enabled)
		if view.LastIndexedCommit != "" {
			line += " commit=" + view.LastIndexedCommit
		}
		fmt.Println(line)
	}
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	if err := requireInstallation(); err != nil {
		return err
	}
	ctx := context.Background()
	start := time.Now()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.close()

	results, err := deps.service.IndexAll(ctx, installationID, repositoryIDs)
	if err != nil {
		return err
	}

	indexed := 0
	for _, result := range results {
		if result.Status == "indexed" {
			indexed++
			fmt.Printf("  %d: %d chunks\n", result.RepositoryID, result.Chunks)
		} else {
			fmt.Printf("  %d: FAILED: %s\n", result.RepositoryID, result.Error)
		}
	}

	fmt.Println()
	fmt.Printf("Indexed %d/%d repositories in %s\n", indexed, len(results), time.Since(start).Round(time.Second))
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	if err := requireInstallation(); err != nil {
		return err
	}
	ctx := context.Background()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.close()

	results, err := deps.retriever.Retrieve(ctx, retrieval.Request{
		InstallationID: installationID,
		RepositoryIDs:  repositoryIDs,
		Question:       args[0],
		TopK:           topK,
	})
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, result := range results {
		fmt.Printf("%d. %s (score %.3f)\n", i+1, result.Title, result.Score)
		fmt.Printf("   %s\n", result.URL)
	}
	return nil
}
