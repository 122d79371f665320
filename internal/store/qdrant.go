package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// ErrDimensionMismatch is returned when an embedding does not match the
// collection's vector size.
var ErrDimensionMismatch = fmt.Errorf("embedding dimension mismatch")

// QdrantChunkStore is the production ChunkStore backed by a Qdrant collection.
// Point ids are derived deterministically from the content-addressed chunk id,
// so the store inherits the pipeline's idempotent upsert semantics.
type QdrantChunkStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantChunkStore connects to Qdrant and validates health with retry,
// failing fast if the server is unreachable.
func NewQdrantChunkStore(host string, port int, collection string, dimension int) (*QdrantChunkStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &QdrantChunkStore{
		client:     client,
		collection: collection,
		dimension:  dimension,
	}

	if err := s.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("qdrant unreachable: %w", err)
	}
	return s, nil
}

func (s *QdrantChunkStore) IsEnabled() bool { return true }

// Health performs a single health check against Qdrant.
func (s *QdrantChunkStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

func (s *QdrantChunkStore) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(b, ctx))
}

// EnsureCollection creates the chunk collection (cosine distance) and payload
// indexes if they do not already exist. Idempotent.
func (s *QdrantChunkStore) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range collections {
		if name == s.collection {
			return nil
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	return s.createPayloadIndexes(ctx)
}

// createPayloadIndexes indexes every field the store filters on; without them
// scoped queries degrade to full scans.
func (s *QdrantChunkStore) createPayloadIndexes(ctx context.Context) error {
	keywordFields := []string{"path", "language", "repository_name", "commit_sha"}
	for _, field := range keywordFields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create index for field %s: %w", field, err)
		}
	}

	integerFields := []string{"installation_id", "repository_id"}
	for _, field := range integerFields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create index for field %s: %w", field, err)
		}
	}
	return nil
}

// Close closes the underlying client connection.
func (s *QdrantChunkStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantChunkStore) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
		})
		return err
	}, backoff.WithContext(b, ctx))
}

// UpsertChunks stores chunks in batches of 100, keyed by their
// content-addressed ids. No-op on empty input.
func (s *QdrantChunkStore) UpsertChunks(ctx context.Context, chunks []CodeChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for i, c := range chunks {
		if len(c.Embedding) != s.dimension {
			return fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(c.Embedding), s.dimension)
		}
	}

	batchSize := 100
	for i := 0; i < len(chunks); i += batchSize {
		end := min(i+batchSize, len(chunks))
		batch := chunks[i:end]

		points := make([]*qdrant.PointStruct, len(batch))
		for j, c := range batch {
			points[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(c.ID)),
				Vectors: qdrant.NewVectors(c.Embedding...),
				Payload: qdrant.NewValueMap(map[string]any{
					"chunk_id":        c.ID,
					"installation_id": c.InstallationID,
					"repository_id":   c.RepositoryID,
					"repository_name": c.RepositoryName,
					"branch":          c.Branch,
					"path":            c.Path,
					"language":        c.Language,
					"symbol":          c.Symbol,
					"start_line":      int64(c.StartLine),
					"end_line":        int64(c.EndLine),
					"commit_sha":      c.CommitSHA,
					"content":         c.Text,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

// DeleteChunksByPath removes all chunks under any of the given paths for the
// repository. No-op on an empty path list.
func (s *QdrantChunkStore) DeleteChunksByPath(ctx context.Context, installationID, repositoryID int64, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatchInt("installation_id", installationID),
			qdrant.NewMatchInt("repository_id", repositoryID),
			qdrant.NewMatchKeywords("path", paths...),
		},
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return fmt.Errorf("delete chunks by path: %w", err)
	}
	return nil
}

// DeleteRepository removes every chunk for the repository.
func (s *QdrantChunkStore) DeleteRepository(ctx context.Context, installationID, repositoryID int64) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatchInt("installation_id", installationID),
			qdrant.NewMatchInt("repository_id", repositoryID),
		},
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return fmt.Errorf("delete repository chunks: %w", err)
	}
	return nil
}

// Query performs a filtered similarity search, highest score first. Path
// prefixes have no Qdrant match operator, so the store over-fetches and
// post-filters when one is set.
func (s *QdrantChunkStore) Query(ctx context.Context, q Query) ([]ScoredChunk, error) {
	if len(q.Embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(q.Embedding), s.dimension)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 8
	}

	must := []*qdrant.Condition{
		qdrant.NewMatchInt("installation_id", q.InstallationID),
	}
	if len(q.RepositoryIDs) > 0 {
		must = append(must, qdrant.NewMatchInts("repository_id", q.RepositoryIDs...))
	}
	if len(q.Filters.Languages) > 0 {
		must = append(must, qdrant.NewMatchKeywords("language", q.Filters.Languages...))
	}

	fetchLimit := uint64(limit)
	if q.Filters.PathPrefix != "" {
		fetchLimit = uint64(limit * 4)
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(q.Embedding...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(fetchLimit),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}

	chunks := make([]ScoredChunk, 0, limit)
	for _, result := range results {
		payload := result.Payload
		path := payload["path"].GetStringValue()
		if q.Filters.PathPrefix != "" && !strings.HasPrefix(path, q.Filters.PathPrefix) {
			continue
		}

		chunks = append(chunks, ScoredChunk{
			CodeChunk: CodeChunk{
				ID:             payload["chunk_id"].GetStringValue(),
				InstallationID: payload["installation_id"].GetIntegerValue(),
				RepositoryID:   payload["repository_id"].GetIntegerValue(),
				RepositoryName: payload["repository_name"].GetStringValue(),
				Branch:         payload["branch"].GetStringValue(),
				Path:           path,
				Language:       payload["language"].GetStringValue(),
				Symbol:         payload["symbol"].GetStringValue(),
				StartLine:      int(payload["start_line"].GetIntegerValue()),
				EndLine:        int(payload["end_line"].GetIntegerValue()),
				CommitSHA:      payload["commit_sha"].GetStringValue(),
				Text:           payload["content"].GetStringValue(),
			},
			Score: float64(result.Score),
		})
		if len(chunks) >= limit {
			break
		}
	}
	return chunks, nil
}

// pointID maps a content-addressed chunk id onto a stable UUID, which is what
// Qdrant accepts as a point id.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}
