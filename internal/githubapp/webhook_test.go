package githubapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackdocs/indexer/internal/apperr"
)

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestApp(t *testing.T, secret string) *App {
	t.Helper()
	app, err := New(Config{WebhookSecret: secret})
	require.NoError(t, err)
	return app
}

func TestVerifyWebhook_ValidSignature(t *testing.T) {
	app := newTestApp(t, "topsecret")
	payload := []byte(`{"action":"created"}`)

	err := app.VerifyWebhook("delivery-1", "push", signPayload("topsecret", payload), payload)
	assert.NoError(t, err)
}

func TestVerifyWebhook_RejectsBadSignature(t *testing.T) {
	app := newTestApp(t, "topsecret")
	payload := []byte(`{"action":"created"}`)

	err := app.VerifyWebhook("delivery-1", "push", signPayload("wrongsecret", payload), payload)
	assert.ErrorIs(t, err, apperr.ErrBadSignature)
}

func TestVerifyWebhook_RejectsTamperedPayload(t *testing.T) {
	app := newTestApp(t, "topsecret")
	payload := []byte(`{"action":"created"}`)
	signature := signPayload("topsecret", payload)

	err := app.VerifyWebhook("delivery-1", "push", signature, []byte(`{"action":"deleted"}`))
	assert.ErrorIs(t, err, apperr.ErrBadSignature)
}

func TestVerifyWebhook_MissingHeaders(t *testing.T) {
	app := newTestApp(t, "topsecret")
	payload := []byte(`{}`)

	err := app.VerifyWebhook("", "push", signPayload("topsecret", payload), payload)
	assert.True(t, apperr.IsValidation(err), "missing delivery id should be a validation error")

	err = app.VerifyWebhook("delivery-1", "push", "", payload)
	assert.True(t, apperr.IsValidation(err), "missing signature should be a validation error")
}

func TestVerifyWebhook_NoSecretConfigured(t *testing.T) {
	app := newTestApp(t, "")

	err := app.VerifyWebhook("delivery-1", "push", "sha256=deadbeef", []byte(`{}`))
	assert.True(t, errors.Is(err, apperr.ErrNotConfigured))
}

func TestParseWebhookEvent_Push(t *testing.T) {
	payload := []byte(`{
		"ref": "refs/heads/main",
		"after": "deadbeefcafe",
		"installation": {"id": 42},
		"repository": {
			"id": 7,
			"name": "api",
			"full_name": "acme/api",
			"owner": {"login": "acme"}
		},
		"commits": [
			{"added": ["src/new.go"], "modified": ["src/changed.go"], "removed": []},
			{"added": [], "modified": ["src/changed.go"], "removed": ["src/old.go"]}
		]
	}`)

	event, err := ParseWebhookEvent("push", payload)
	require.NoError(t, err)

	push, ok := event.(PushEvent)
	require.True(t, ok, "expected a PushEvent, got %T", event)

	assert.Equal(t, int64(42), push.InstallationID)
	assert.Equal(t, int64(7), push.Repository.ID)
	assert.Equal(t, "acme/api", push.Repository.FullName)
	assert.Equal(t, "acme", push.Repository.Owner)
	assert.Equal(t, "main", push.Branch)
	assert.Equal(t, "deadbeefcafe", push.AfterSHA)

	// Duplicated paths collapse and ordering is deterministic.
	assert.Equal(t, []string{"src/changed.go", "src/new.go"}, push.ChangedPaths)
	assert.Equal(t, []string{"src/old.go"}, push.RemovedPaths)
}

func TestParseWebhookEvent_InstallationRepositories(t *testing.T) {
	payload := []byte(`{
		"action": "added",
		"installation": {"id": 42},
		"repositories_added": [
			{"id": 7, "name": "api", "full_name": "acme/api"},
			{"id": 8, "name": "web", "full_name": "acme/web"}
		],
		"repositories_removed": []
	}`)

	event, err := ParseWebhookEvent("installation_repositories", payload)
	require.NoError(t, err)

	typed, ok := event.(InstallationRepositoriesEvent)
	require.True(t, ok, "expected InstallationRepositoriesEvent, got %T", event)

	assert.Equal(t, "added", typed.Action)
	assert.Equal(t, int64(42), typed.InstallationID)
	require.Len(t, typed.Added, 2)
	assert.Equal(t, "acme/api", typed.Added[0].FullName)
	assert.Empty(t, typed.Removed)
}

func TestParseWebhookEvent_Installation(t *testing.T) {
	payload := []byte(`{
		"action": "deleted",
		"installation": {"id": 42},
		"repositories": [{"id": 7, "name": "api", "full_name": "acme/api"}]
	}`)

	event, err := ParseWebhookEvent("installation", payload)
	require.NoError(t, err)

	typed, ok := event.(InstallationEvent)
	require.True(t, ok, "expected InstallationEvent, got %T", event)
	assert.Equal(t, "deleted", typed.Action)
	require.Len(t, typed.Repositories, 1)
	assert.Equal(t, int64(7), typed.Repositories[0].ID)
}

func TestParseWebhookEvent_UnhandledKind(t *testing.T) {
	event, err := ParseWebhookEvent("star", []byte(`{"action":"created"}`))
	require.NoError(t, err)
	assert.Nil(t, event, "unhandled event kinds parse to nil")
}

func TestParseWebhookEvent_MalformedPayload(t *testing.T) {
	_, err := ParseWebhookEvent("push", []byte(`{not json`))
	assert.True(t, apperr.IsValidation(err))
}
