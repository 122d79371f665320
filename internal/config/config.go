// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
)

// GitHubApp holds GitHub App identity credentials.
type GitHubApp struct {
	AppID         int64
	ClientID      string
	ClientSecret  string
	PrivateKey    string
	WebhookSecret string
	APIBaseURL    string
}

// Configured reports whether all four app credentials are present.
func (g GitHubApp) Configured() bool {
	return g.AppID != 0 && g.ClientID != "" && g.ClientSecret != "" && g.PrivateKey != ""
}

// Embedding holds embedding API settings.
type Embedding struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Qdrant holds vector store connection settings.
type Qdrant struct {
	Host       string
	Port       int
	Collection string
}

// Configured reports whether a Qdrant endpoint was provided.
func (q Qdrant) Configured() bool {
	return q.Host != ""
}

// Indexing holds the tunable indexing parameters.
type Indexing struct {
	MaxFileSizeBytes       int
	ConcurrentBlobRequests int
	ChunkLines             int
	ChunkOverlapLines      int
	DefaultTopK            int
}

// Config is the full runtime configuration.
type Config struct {
	GitHubApp       GitHubApp
	Embedding       Embedding
	Qdrant          Qdrant
	DatabaseURL     string
	RepositoryTable string
	Indexing        Indexing
	Port            string
}

// Load reads configuration from environment variables. Callers load .env
// beforehand (godotenv) when running locally.
func Load() Config {
	return Config{
		GitHubApp: GitHubApp{
			AppID:         getEnvInt64("GITHUB_APP_ID", 0),
			ClientID:      os.Getenv("GITHUB_APP_CLIENT_ID"),
			ClientSecret:  os.Getenv("GITHUB_APP_CLIENT_SECRET"),
			PrivateKey:    normalizePrivateKey(os.Getenv("GITHUB_APP_PRIVATE_KEY")),
			WebhookSecret: os.Getenv("GITHUB_APP_WEBHOOK_SECRET"),
			APIBaseURL:    os.Getenv("GITHUB_API_URL"),
		},
		Embedding: Embedding{
			APIKey:  os.Getenv("EMBEDDING_API_KEY"),
			Model:   getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL: os.Getenv("EMBEDDING_BASE_URL"),
		},
		Qdrant: Qdrant{
			Host:       os.Getenv("QDRANT_HOST"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			Collection: getEnv("QDRANT_COLLECTION", "repo_code_chunks"),
		},
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RepositoryTable: getEnv("REPOSITORY_TABLE", "repository_indexes"),
		Indexing: Indexing{
			MaxFileSizeBytes:       getEnvInt("REPO_INDEXING_MAX_FILE_SIZE", 262144),
			ConcurrentBlobRequests: getEnvInt("REPO_INDEXING_CONCURRENCY", 5),
			ChunkLines:             getEnvInt("REPO_INDEXING_CHUNK_LINES", 120),
			ChunkOverlapLines:      getEnvInt("REPO_INDEXING_CHUNK_OVERLAP", 20),
			DefaultTopK:            getEnvInt("REPO_RETRIEVAL_TOP_K", 8),
		},
		Port: getEnv("PORT", "8080"),
	}
}

// normalizePrivateKey expands literal \n sequences, which is how PEM keys
// usually arrive through single-line environment variables.
func normalizePrivateKey(key string) string {
	return strings.ReplaceAll(key, `\n`, "\n")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		var i int64
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
