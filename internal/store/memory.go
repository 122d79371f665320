package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryChunkStore is a map-backed ChunkStore for tests and local runs. It
// honors the scoping filters but performs no vector math; every match gets a
// constant pseudo-score.
type MemoryChunkStore struct {
	mu     sync.Mutex
	chunks map[string]CodeChunk
	order  []string
}

// NewMemoryChunkStore returns an empty in-memory chunk store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[string]CodeChunk)}
}

func (s *MemoryChunkStore) IsEnabled() bool { return true }

func (s *MemoryChunkStore) UpsertChunks(_ context.Context, chunks []CodeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if _, exists := s.chunks[c.ID]; !exists {
			s.order = append(s.order, c.ID)
		}
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *MemoryChunkStore) DeleteChunksByPath(_ context.Context, installationID, repositoryID int64, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	pathSet := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		pathSet[p] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMatching(func(c CodeChunk) bool {
		if c.InstallationID != installationID || c.RepositoryID != repositoryID {
			return false
		}
		_, hit := pathSet[c.Path]
		return hit
	})
	return nil
}

func (s *MemoryChunkStore) DeleteRepository(_ context.Context, installationID, repositoryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMatching(func(c CodeChunk) bool {
		return c.InstallationID == installationID && c.RepositoryID == repositoryID
	})
	return nil
}

func (s *MemoryChunkStore) Query(_ context.Context, q Query) ([]ScoredChunk, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 8
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []ScoredChunk
	for _, id := range s.order {
		c, ok := s.chunks[id]
		if !ok || !matchesQuery(c, q) {
			continue
		}
		results = append(results, ScoredChunk{CodeChunk: c, Score: 1})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Len reports the number of stored chunks.
func (s *MemoryChunkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *MemoryChunkStore) removeMatching(match func(CodeChunk) bool) {
	kept := s.order[:0]
	for _, id := range s.order {
		c, ok := s.chunks[id]
		if ok && match(c) {
			delete(s.chunks, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func matchesQuery(c CodeChunk, q Query) bool {
	if c.InstallationID != q.InstallationID {
		return false
	}
	if len(q.RepositoryIDs) > 0 {
		found := false
		for _, id := range q.RepositoryIDs {
			if c.RepositoryID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Filters.Languages) > 0 {
		found := false
		for _, lang := range q.Filters.Languages {
			if c.Language == lang {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Filters.PathPrefix != "" && !strings.HasPrefix(c.Path, q.Filters.PathPrefix) {
		return false
	}
	return true
}

// MemoryRepositoryStore is a map-backed RepositoryStore.
type MemoryRepositoryStore struct {
	mu      sync.Mutex
	records map[[2]int64]RepositoryRecord
}

// NewMemoryRepositoryStore returns an empty in-memory repository store.
func NewMemoryRepositoryStore() *MemoryRepositoryStore {
	return &MemoryRepositoryStore{records: make(map[[2]int64]RepositoryRecord)}
}

func (s *MemoryRepositoryStore) ListRepositories(_ context.Context, installationID int64) ([]RepositoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []RepositoryRecord
	for _, r := range s.records {
		if r.InstallationID == installationID {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *MemoryRepositoryStore) GetRepository(_ context.Context, installationID, repositoryID int64) (*RepositoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[[2]int64{installationID, repositoryID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryRepositoryStore) UpsertRepository(_ context.Context, upsert RepositoryUpsert) error {
	enabled := true
	if upsert.Enabled != nil {
		enabled = *upsert.Enabled
	}
	status := StatusPending
	if upsert.Status != nil {
		status = *upsert.Status
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[[2]int64{upsert.InstallationID, upsert.RepositoryID}] = RepositoryRecord{
		InstallationID:    upsert.InstallationID,
		RepositoryID:      upsert.RepositoryID,
		RepositoryName:    upsert.RepositoryName,
		DefaultBranch:     upsert.DefaultBranch,
		Enabled:           enabled,
		Status:            status,
		LastIndexedCommit: upsert.LastIndexedCommit,
		IndexedAt:         upsert.IndexedAt,
		Error:             upsert.Error,
		UpdatedAt:         time.Now().UTC(),
	}
	return nil
}

func (s *MemoryRepositoryStore) UpdateRepository(_ context.Context, installationID, repositoryID int64, update RepositoryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]int64{installationID, repositoryID}
	r, ok := s.records[key]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.LastIndexedCommit != nil {
		r.LastIndexedCommit = *update.LastIndexedCommit
	}
	if update.IndexedAt != nil {
		r.IndexedAt = update.IndexedAt
	}
	if update.Error != nil {
		r.Error = *update.Error
	}
	r.UpdatedAt = time.Now().UTC()
	s.records[key] = r
	return nil
}

func (s *MemoryRepositoryStore) DeleteRepository(_ context.Context, installationID, repositoryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, [2]int64{installationID, repositoryID})
	return nil
}
