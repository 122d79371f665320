package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stackdocs/indexer/internal/apperr"
	"github.com/stackdocs/indexer/internal/githubapp"
	"github.com/stackdocs/indexer/internal/retrieval"
	"github.com/stackdocs/indexer/internal/store"
)

type handlers struct {
	deps      RouterDeps
	startedAt time.Time
}

func (h *handlers) health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if h.deps.Health != nil {
		if err := h.deps.Health(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status": status,
		"uptime": time.Since(h.startedAt).String(),
	})
}

func installationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("installationId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid installation id"})
		return 0, false
	}
	return id, true
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "github app is not configured"})
	case errors.Is(err, apperr.ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
	case apperr.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.deps.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *handlers) listRepositories(c *gin.Context) {
	id, ok := installationID(c)
	if !ok {
		return
	}

	repos, err := h.deps.Indexer.ListRepositories(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

type setEnabledRequest struct {
	RepositoryID int64 `json:"repository_id" binding:"required"`
	Enabled      *bool `json:"enabled" binding:"required"`
}

func (h *handlers) setRepositoryEnabled(c *gin.Context) {
	id, ok := installationID(c)
	if !ok {
		return
	}

	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repository_id and enabled are required"})
		return
	}

	err := h.deps.Indexer.SetRepositoryEnabled(c.Request.Context(), id, req.RepositoryID, *req.Enabled)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// Respond with the refreshed merged list so dashboards can re-render
	// without a second round trip.
	repos, err := h.deps.Indexer.ListRepositories(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

type indexRequest struct {
	RepositoryIDs []int64 `json:"repository_ids"`
}

func (h *handlers) indexRepositories(c *gin.Context) {
	id, ok := installationID(c)
	if !ok {
		return
	}

	var req indexRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	results, err := h.deps.Indexer.IndexAll(c.Request.Context(), id, req.RepositoryIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type retrieveRequest struct {
	Question      string   `json:"question" binding:"required"`
	RepositoryIDs []int64  `json:"repository_ids"`
	TopK          int      `json:"top_k"`
	Languages     []string `json:"languages"`
	PathPrefix    string   `json:"path_prefix"`
}

func (h *handlers) retrieve(c *gin.Context) {
	id, ok := installationID(c)
	if !ok {
		return
	}

	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	results, err := h.deps.Retriever.Retrieve(c.Request.Context(), retrieval.Request{
		InstallationID: id,
		RepositoryIDs:  req.RepositoryIDs,
		Question:       req.Question,
		TopK:           req.TopK,
		Filters: store.QueryFilters{
			Languages:  req.Languages,
			PathPrefix: req.PathPrefix,
		},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *handlers) handleWebhook(c *gin.Context) {
	deliveryID := c.GetHeader("X-GitHub-Delivery")
	eventName := c.GetHeader("X-GitHub-Event")
	signature := c.GetHeader("X-Hub-Signature-256")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	if err := h.deps.Webhooks.VerifyWebhook(deliveryID, eventName, signature, payload); err != nil {
		h.writeError(c, err)
		return
	}

	event, err := githubapp.ParseWebhookEvent(eventName, payload)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	switch typed := event.(type) {
	case githubapp.PushEvent:
		err = h.deps.Indexer.HandlePushEvent(ctx, typed)
	case githubapp.InstallationEvent:
		err = h.deps.Indexer.HandleInstallationEvent(ctx, typed)
	case githubapp.InstallationRepositoriesEvent:
		err = h.deps.Indexer.HandleInstallationRepositoriesEvent(ctx, typed)
	case nil:
		h.deps.Logger.Debug("ignoring webhook event", "event", eventName, "delivery", deliveryID)
	}
	if err != nil {
		h.deps.Logger.Error("webhook handling failed",
			"event", eventName, "delivery", deliveryID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
