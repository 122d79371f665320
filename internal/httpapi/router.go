// Package httpapi exposes the indexing and retrieval operations over REST.
package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stackdocs/indexer/internal/indexer"
	"github.com/stackdocs/indexer/internal/retrieval"
)

// WebhookVerifier validates and parses inbound GitHub webhooks.
type WebhookVerifier interface {
	VerifyWebhook(deliveryID, eventName, signature string, payload []byte) error
}

// RouterDeps carries everything the handlers need. Constructed once at
// startup; no package-level state.
type RouterDeps struct {
	Indexer   *indexer.Service
	Retriever *retrieval.Retriever
	Webhooks  WebhookVerifier
	Health    func() error
	Logger    *slog.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{deps: deps, startedAt: time.Now()}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.health)

	installations := router.Group("/installations/:installationId")
	installations.GET("/repositories", h.listRepositories)
	installations.PATCH("/repositories", h.setRepositoryEnabled)
	installations.POST("/index", h.indexRepositories)
	installations.POST("/retrieve", h.retrieve)

	router.POST("/github/webhook", h.handleWebhook)

	return router
}
