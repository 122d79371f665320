// Package retrieval answers natural-language questions against the indexed
// chunk corpus and shapes matches into citable results.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stackdocs/indexer/internal/embedding"
	"github.com/stackdocs/indexer/internal/store"
)

// Result is one retrieved chunk shaped for citation: a stable title, a
// deep link into the file at the indexed commit's branch, and the match
// metadata in Extra.
type Result struct {
	Title   string         `json:"title"`
	URL     string         `json:"url"`
	Content string         `json:"content"`
	Score   float64        `json:"score"`
	Extra   map[string]any `json:"extra"`
}

// Request scopes a retrieval call.
type Request struct {
	InstallationID int64
	RepositoryIDs  []int64
	Question       string
	TopK           int
	Filters        store.QueryFilters
}

// Retriever performs semantic search over indexed repository chunks.
type Retriever struct {
	chunks      store.ChunkStore
	embedder    embedding.Embedder
	defaultTopK int
	logger      *slog.Logger
}

// NewRetriever wires a retriever. A nil logger defaults to slog.Default().
func NewRetriever(chunks store.ChunkStore, embedder embedding.Embedder, defaultTopK int, logger *slog.Logger) *Retriever {
	if defaultTopK <= 0 {
		defaultTopK = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		chunks:      chunks,
		embedder:    embedder,
		defaultTopK: defaultTopK,
		logger:      logger,
	}
}

// Retrieve embeds the question and returns the top matching chunks. A
// disabled chunk store yields an empty result set rather than an error so
// callers degrade gracefully when vector search is not deployed.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	if !r.chunks.IsEnabled() {
		r.logger.Debug("chunk store disabled, returning no results")
		return []Result{}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = r.defaultTopK
	}

	vector, err := r.embedder.EmbedText(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	matches, err := r.chunks.Query(ctx, store.Query{
		InstallationID: req.InstallationID,
		RepositoryIDs:  req.RepositoryIDs,
		Limit:          topK,
		Embedding:      vector,
		Filters:        req.Filters,
	})
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for rank, match := range matches {
		results = append(results, toResult(match, rank))
	}

	r.logger.Debug("retrieved chunks", "question_len", len(req.Question), "results", len(results))
	return results, nil
}

func toResult(match store.ScoredChunk, rank int) Result {
	score := match.Score
	if score == 0 {
		// Stores without real similarity scores still produce a
		// deterministic rank ordering.
		score = 1 / float64(rank+1)
	}

	return Result{
		Title: fmt.Sprintf("%s/%s", match.RepositoryName, match.Path),
		URL: fmt.Sprintf("https://github.com/%s/blob/%s/%s#L%d-L%d",
			match.RepositoryName, match.Branch, match.Path, match.StartLine, match.EndLine),
		Content: match.Text,
		Score:   score,
		Extra: map[string]any{
			"repository": match.RepositoryName,
			"path":       match.Path,
			"start_line": match.StartLine,
			"end_line":   match.EndLine,
			"language":   match.Language,
			"symbol":     match.Symbol,
			"commit":     match.CommitSHA,
			"score":      score,
		},
	}
}
