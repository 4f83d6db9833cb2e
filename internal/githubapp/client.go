// Package githubapp resolves authenticated clone URLs through a GitHub App
// installation. The app JWT is minted per request; installation tokens are
// cached until shortly before they expire.
package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Installation tokens live for an hour; refresh once less than this
	// much lifetime remains so a long clone never runs into expiry.
	refreshMargin = 5 * time.Minute

	appJWTLifetime = 10 * time.Minute
)

type Client struct {
	appID   string
	key     *rsa.PrivateKey
	apiBase string
	http    *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

func New(appID, privateKeyPath, apiBase string, logger *slog.Logger) (*Client, error) {
	pem, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &Client{
		appID:   appID,
		key:     key,
		apiBase: apiBase,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "githubapp"),
		tokens:  make(map[int64]cachedToken),
	}, nil
}

// CloneURL exchanges the app credentials for an installation token and
// verifies the installation can reach owner/repo before handing back an
// authenticated URL. Failures come back as *domain.CloneURLError.
func (c *Client) CloneURL(ctx context.Context, installationRef int64, owner, repo string) (string, error) {
	token, err := c.installationToken(ctx, installationRef)
	if err != nil {
		return "", err
	}
	if err := c.checkRepoAccess(ctx, token, owner, repo); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo), nil
}

func (c *Client) installationToken(ctx context.Context, installationRef int64) (string, error) {
	c.mu.Lock()
	if cached, ok := c.tokens[installationRef]; ok && time.Until(cached.expiresAt) > refreshMargin {
		c.mu.Unlock()
		return cached.token, nil
	}
	c.mu.Unlock()

	appJWT, err := c.appJWT()
	if err != nil {
		return "", &domain.CloneURLError{Kind: domain.CloneURLAuthConfigInvalid, Msg: "sign app jwt", Err: err}
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.apiBase, installationRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", &domain.CloneURLError{Kind: domain.CloneURLTransient, Msg: "build token request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domain.CloneURLError{Kind: domain.CloneURLTransient, Msg: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusNotFound:
		return "", &domain.CloneURLError{
			Kind: domain.CloneURLNotFound,
			Msg:  fmt.Sprintf("installation %d not found", installationRef),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &domain.CloneURLError{
			Kind: domain.CloneURLAuthConfigInvalid,
			Msg:  fmt.Sprintf("app authentication rejected (%d)", resp.StatusCode),
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &domain.CloneURLError{
			Kind: domain.CloneURLTransient,
			Msg:  fmt.Sprintf("token exchange returned %d: %s", resp.StatusCode, body),
		}
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &domain.CloneURLError{Kind: domain.CloneURLTransient, Msg: "decode token response", Err: err}
	}

	c.mu.Lock()
	c.tokens[installationRef] = cachedToken{token: payload.Token, expiresAt: payload.ExpiresAt}
	c.mu.Unlock()

	c.logger.Debug("minted installation token",
		"installation", installationRef,
		"expires_at", payload.ExpiresAt)
	return payload.Token, nil
}

func (c *Client) checkRepoAccess(ctx context.Context, token, owner, repo string) error {
	url := fmt.Sprintf("%s/repos/%s/%s", c.apiBase, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &domain.CloneURLError{Kind: domain.CloneURLTransient, Msg: "build repo request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.CloneURLError{Kind: domain.CloneURLTransient, Msg: "repo access check", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		// GitHub answers 404 for repositories the installation cannot see,
		// so missing and forbidden collapse into the same kind here.
		return &domain.CloneURLError{
			Kind: domain.CloneURLNoAccess,
			Msg:  fmt.Sprintf("installation has no access to %s/%s", owner, repo),
		}
	default:
		return &domain.CloneURLError{
			Kind: domain.CloneURLTransient,
			Msg:  fmt.Sprintf("repo access check returned %d", resp.StatusCode),
		}
	}
}

func (c *Client) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		// Backdated to absorb clock skew between us and GitHub.
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(appJWTLifetime).Unix(),
		"iss": c.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

// Public resolves unauthenticated clone URLs. It serves local development
// against public repositories when no GitHub App is configured.
type Public struct{}

func (Public) CloneURL(_ context.Context, _ int64, owner, repo string) (string, error) {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo), nil
}
