package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresRepositoryStore is the production RepositoryStore, one row per
// (installation_id, repository_id).
type PostgresRepositoryStore struct {
	db    *sqlx.DB
	table string
}

// NewPostgresRepositoryStore opens the database and bootstraps the tracking
// table if needed.
func NewPostgresRepositoryStore(ctx context.Context, databaseURL, table string) (*PostgresRepositoryStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresRepositoryStore{db: db, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresRepositoryStore) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	installation_id     BIGINT NOT NULL,
	repository_id       BIGINT NOT NULL,
	repository_name     TEXT NOT NULL,
	default_branch      TEXT NOT NULL,
	enabled             BOOLEAN NOT NULL DEFAULT TRUE,
	status              TEXT NOT NULL DEFAULT 'pending',
	last_indexed_commit TEXT NOT NULL DEFAULT '',
	indexed_at          TIMESTAMPTZ,
	error               TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (installation_id, repository_id)
)`, s.table)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresRepositoryStore) Close() error { return s.db.Close() }

func (s *PostgresRepositoryStore) ListRepositories(ctx context.Context, installationID int64) ([]RepositoryRecord, error) {
	query := fmt.Sprintf(
		`SELECT * FROM %s WHERE installation_id = $1 ORDER BY repository_name`, s.table)

	var records []RepositoryRecord
	if err := s.db.SelectContext(ctx, &records, query, installationID); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return records, nil
}

func (s *PostgresRepositoryStore) GetRepository(ctx context.Context, installationID, repositoryID int64) (*RepositoryRecord, error) {
	query := fmt.Sprintf(
		`SELECT * FROM %s WHERE installation_id = $1 AND repository_id = $2`, s.table)

	var records []RepositoryRecord
	if err := s.db.SelectContext(ctx, &records, query, installationID, repositoryID); err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *PostgresRepositoryStore) UpsertRepository(ctx context.Context, upsert RepositoryUpsert) error {
	enabled := true
	if upsert.Enabled != nil {
		enabled = *upsert.Enabled
	}
	status := StatusPending
	if upsert.Status != nil {
		status = *upsert.Status
	}

	query := fmt.Sprintf(`
INSERT INTO %s (installation_id, repository_id, repository_name, default_branch,
	enabled, status, last_indexed_commit, indexed_at, error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (installation_id, repository_id) DO UPDATE SET
	repository_name = EXCLUDED.repository_name,
	default_branch = EXCLUDED.default_branch,
	enabled = EXCLUDED.enabled,
	status = EXCLUDED.status,
	last_indexed_commit = EXCLUDED.last_indexed_commit,
	indexed_at = EXCLUDED.indexed_at,
	error = EXCLUDED.error,
	updated_at = EXCLUDED.updated_at`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		upsert.InstallationID, upsert.RepositoryID, upsert.RepositoryName, upsert.DefaultBranch,
		enabled, status, upsert.LastIndexedCommit, upsert.IndexedAt, upsert.Error, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

func (s *PostgresRepositoryStore) UpdateRepository(ctx context.Context, installationID, repositoryID int64, update RepositoryUpdate) error {
	sets := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Enabled != nil {
		addSet("enabled", *update.Enabled)
	}
	if update.Status != nil {
		addSet("status", *update.Status)
	}
	if update.LastIndexedCommit != nil {
		addSet("last_indexed_commit", *update.LastIndexedCommit)
	}
	if update.IndexedAt != nil {
		addSet("indexed_at", *update.IndexedAt)
	}
	if update.Error != nil {
		addSet("error", *update.Error)
	}

	args = append(args, installationID, repositoryID)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE installation_id = $%d AND repository_id = $%d`,
		s.table, strings.Join(sets, ", "), len(args)-1, len(args))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update repository: %w", err)
	}
	return nil
}

func (s *PostgresRepositoryStore) DeleteRepository(ctx context.Context, installationID, repositoryID int64) error {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE installation_id = $1 AND repository_id = $2`, s.table)

	if _, err := s.db.ExecContext(ctx, query, installationID, repositoryID); err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	return nil
}
