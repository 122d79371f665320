package githubapp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-github/v81/github"

	"github.com/stackdocs/indexer/internal/apperr"
)

// WebhookEvent is the tagged union of webhook kinds the indexer reacts to.
// Events the service does not handle parse to nil.
type WebhookEvent interface {
	isWebhookEvent()
}

// PushEvent carries the per-push path deltas for incremental re-indexing.
type PushEvent struct {
	InstallationID int64
	Repository     Repository
	Branch         string
	AfterSHA       string
	ChangedPaths   []string
	RemovedPaths   []string
}

// InstallationEvent reports app install/uninstall for a repository set.
type InstallationEvent struct {
	Action         string
	InstallationID int64
	Repositories   []Repository
}

// InstallationRepositoriesEvent reports repositories added to or removed from
// an existing installation.
type InstallationRepositoriesEvent struct {
	Action         string
	InstallationID int64
	Added          []Repository
	Removed        []Repository
}

func (PushEvent) isWebhookEvent()                     {}
func (InstallationEvent) isWebhookEvent()             {}
func (InstallationRepositoriesEvent) isWebhookEvent() {}

// VerifyWebhook validates an inbound webhook signature against the configured
// secret. It must succeed before the payload is parsed or acted on.
func (a *App) VerifyWebhook(deliveryID, eventName, signature string, payload []byte) error {
	if a.cfg.WebhookSecret == "" {
		return apperr.ErrNotConfigured
	}
	if deliveryID == "" || eventName == "" || signature == "" {
		return apperr.Validation("missing webhook headers")
	}
	if err := github.ValidateSignature(signature, payload, []byte(a.cfg.WebhookSecret)); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrBadSignature, err)
	}
	return nil
}

// ParseWebhookEvent maps a raw payload onto the typed event union. Event
// kinds the service does not handle return (nil, nil).
func ParseWebhookEvent(eventName string, payload []byte) (WebhookEvent, error) {
	parsed, err := github.ParseWebHook(eventName, payload)
	if err != nil {
		return nil, apperr.Validation("parse %s event: %v", eventName, err)
	}

	switch event := parsed.(type) {
	case *github.PushEvent:
		return parsePushEvent(event), nil
	case *github.InstallationEvent:
		repos := make([]Repository, 0, len(event.Repositories))
		for _, repo := range event.Repositories {
			repos = append(repos, Repository{
				ID:       repo.GetID(),
				Name:     repo.GetName(),
				FullName: repo.GetFullName(),
				Private:  repo.GetPrivate(),
			})
		}
		return InstallationEvent{
			Action:         event.GetAction(),
			InstallationID: event.GetInstallation().GetID(),
			Repositories:   repos,
		}, nil
	case *github.InstallationRepositoriesEvent:
		return InstallationRepositoriesEvent{
			Action:         event.GetAction(),
			InstallationID: event.GetInstallation().GetID(),
			Added:          toRepositories(event.RepositoriesAdded),
			Removed:        toRepositories(event.RepositoriesRemoved),
		}, nil
	default:
		return nil, nil
	}
}

func parsePushEvent(event *github.PushEvent) PushEvent {
	repo := event.GetRepo()
	branch := strings.TrimPrefix(event.GetRef(), "refs/heads/")

	changed := make(map[string]struct{})
	removed := make(map[string]struct{})
	for _, commit := range event.Commits {
		for _, path := range commit.Added {
			changed[path] = struct{}{}
		}
		for _, path := range commit.Modified {
			changed[path] = struct{}{}
		}
		for _, path := range commit.Removed {
			removed[path] = struct{}{}
		}
	}

	owner := repo.GetOwner().GetLogin()
	if owner == "" {
		owner = repo.GetOwner().GetName()
	}

	return PushEvent{
		InstallationID: event.GetInstallation().GetID(),
		Repository: Repository{
			ID:            repo.GetID(),
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			Owner:         owner,
			DefaultBranch: branch,
		},
		Branch:       branch,
		AfterSHA:     event.GetAfter(),
		ChangedPaths: sortedKeys(changed),
		RemovedPaths: sortedKeys(removed),
	}
}

func toRepositories(repos []*github.Repository) []Repository {
	out := make([]Repository, 0, len(repos))
	for _, repo := range repos {
		out = append(out, Repository{
			ID:       repo.GetID(),
			Name:     repo.GetName(),
			FullName: repo.GetFullName(),
			Private:  repo.GetPrivate(),
		})
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
