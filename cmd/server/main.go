// Package main runs the repository indexing and retrieval HTTP service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stackdocs/indexer/internal/config"
	"github.com/stackdocs/indexer/internal/embedding"
	"github.com/stackdocs/indexer/internal/githubapp"
	"github.com/stackdocs/indexer/internal/httpapi"
	"github.com/stackdocs/indexer/internal/indexer"
	"github.com/stackdocs/indexer/internal/retrieval"
	"github.com/stackdocs/indexer/internal/store"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg := config.Load()

	embedder := embedding.NewClient(embedding.Config{
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		BaseURL: cfg.Embedding.BaseURL,
	})

	var (
		chunks     store.ChunkStore
		healthFunc func() error
	)
	if cfg.Qdrant.Configured() {
		qdrantStore, err := store.NewQdrantChunkStore(
			cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection, embedder.Dimension())
		if err != nil {
			logger.Error("failed to connect to qdrant", "error", err)
			os.Exit(1)
		}
		defer qdrantStore.Close()

		if err := qdrantStore.EnsureCollection(ctx); err != nil {
			logger.Error("failed to ensure collection", "error", err)
			os.Exit(1)
		}
		chunks = qdrantStore
		healthFunc = func() error { return qdrantStore.Health(context.Background()) }
		logger.Info("using qdrant chunk store",
			"host", cfg.Qdrant.Host, "collection", cfg.Qdrant.Collection,
			"dimension", embedder.Dimension())
	} else {
		chunks = store.NewMemoryChunkStore()
		logger.Warn("qdrant not configured, using in-memory chunk store")
	}

	var repos store.RepositoryStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresRepositoryStore(ctx, cfg.DatabaseURL, cfg.RepositoryTable)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		repos = pgStore
		logger.Info("using postgres repository store", "table", cfg.RepositoryTable)
	} else {
		repos = store.NewMemoryRepositoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory repository store")
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
		logger.Error("failed to create github app client", "error", err)
		os.Exit(1)
	}
	if !app.IsConfigured() {
		logger.Warn("github app credentials missing, indexing endpoints will return 503")
	}

	service := indexer.NewService(app, chunks, repos, embedder, cfg.Indexing, logger)
	retriever := retrieval.NewRetriever(chunks, embedder, cfg.Indexing.DefaultTopK, logger)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Indexer:   service,
		Retriever: retriever,
		Webhooks:  app,
		Health:    healthFunc,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting http server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
