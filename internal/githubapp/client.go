// Package githubapp is the source connector: it authenticates against the
// GitHub API on behalf of an installed GitHub App and fetches repository
// listings, branch heads, file trees, blobs and archives. All clients are
// wrapped with automatic rate limit handling.
package githubapp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v81/github"

	"github.com/stackdocs/indexer/internal/apperr"
)

// Config holds GitHub App identity credentials.
type Config struct {
	AppID         int64
	ClientID      string
	ClientSecret  string
	PrivateKey    string
	WebhookSecret string
	APIBaseURL    string
}

// App mediates all GitHub network access. It caches one installation access
// token per installation and refreshes it shortly before expiry.
type App struct {
	cfg        Config
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[int64]installationToken
}

type installationToken struct {
	token     string
	expiresAt time.Time
}

// New creates an App. Missing credentials are not an error; every operation
// then fails with apperr.ErrNotConfigured so callers can treat the feature as
// disabled.
func New(cfg Config) (*App, error) {
	// Rate limit handling covers both primary and secondary (abuse
	// detection) limits with automatic waiting.
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(nil)
	if err != nil {
		return nil, fmt.Errorf("create rate limit client: %w", err)
	}

	return &App{
		cfg:        cfg,
		httpClient: rateLimiter,
		tokens:     make(map[int64]installationToken),
	}, nil
}

// IsConfigured reports whether all four app credentials are present.
func (a *App) IsConfigured() bool {
	return a.cfg.AppID != 0 && a.cfg.ClientID != "" && a.cfg.ClientSecret != "" && a.cfg.PrivateKey != ""
}

// appJWT mints the short-lived app-level JWT used to request installation
// tokens.
func (a *App) appJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(a.cfg.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		// Clock drift allowance per GitHub's app auth guidance.
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", a.cfg.AppID),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

func (a *App) newGitHubClient(authToken string) (*github.Client, error) {
	client := github.NewClient(a.httpClient)
	if a.cfg.APIBaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(a.cfg.APIBaseURL, a.cfg.APIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure api base url: %w", err)
		}
	}
	return client.WithAuthToken(authToken), nil
}

// installationClient returns a GitHub client authenticated as the
// installation, minting and caching the access token as needed.
func (a *App) installationClient(ctx context.Context, installationID int64) (*github.Client, error) {
	if !a.IsConfigured() {
		return nil, apperr.ErrNotConfigured
	}

	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()

	if !ok || time.Until(cached.expiresAt) < time.Minute {
		refreshed, err := a.refreshInstallationToken(ctx, installationID)
		if err != nil {
			return nil, err
		}
		cached = refreshed
	}

	return a.newGitHubClient(cached.token)
}

func (a *App) refreshInstallationToken(ctx context.Context, installationID int64) (installationToken, error) {
	appToken, err := a.appJWT()
	if err != nil {
		return installationToken{}, err
	}

	appClient, err := a.newGitHubClient(appToken)
	if err != nil {
		return installationToken{}, err
	}

	token, resp, err := appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return installationToken{}, wrapGitHubError(resp, fmt.Errorf("create installation token: %w", err))
	}

	refreshed := installationToken{
		token:     token.GetToken(),
		expiresAt: token.GetExpiresAt().Time,
	}

	a.mu.Lock()
	a.tokens[installationID] = refreshed
	a.mu.Unlock()

	return refreshed, nil
}

// wrapGitHubError maps non-2xx GitHub responses onto the upstream error type,
// preserving the HTTP status code.
func wrapGitHubError(resp *github.Response, err error) error {
	if resp != nil && resp.StatusCode >= 300 {
		return apperr.Upstream("github api", resp.StatusCode, err)
	}
	return err
}

func isNotFound(resp *github.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}
