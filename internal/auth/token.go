// Package auth acquires and caches bearer tokens for the remote gateway.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/diabetactic/glucotrack-core/internal/logging"
	"github.com/diabetactic/glucotrack-core/internal/remote"
)

// refreshLeeway renews a token this long before its exp claim.
const refreshLeeway = 30 * time.Second

// Credentials are the gateway login credentials.
type Credentials struct {
	Username string
	Password string
}

// Provider logs in against POST /token and caches the bearer token until
// shortly before its JWT exp claim. Safe for concurrent use.
type Provider struct {
	baseURL string
	creds   Credentials
	http    *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewProvider creates a token provider against the given gateway.
func NewProvider(baseURL string, creds Credentials, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Provider{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
	}
}

// Token returns a valid bearer token, logging in if the cached one is
// missing or about to expire.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && (p.expiresAt.IsZero() || time.Now().Before(p.expiresAt.Add(-refreshLeeway))) {
		return p.token, nil
	}

	return p.login(ctx)
}

// Invalidate drops the cached token. Called after an auth failure so the
// next sync attempt re-authenticates.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiresAt = time.Time{}
	p.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// login is called with p.mu held.
func (p *Provider) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": p.creds.Username,
		"password": p.creds.Password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	// An unreachable gateway during login is a connectivity problem, not a
	// credential problem; the error types keep the sync loop from treating
	// it as an auth failure and halting.
	resp, err := p.http.Do(req)
	if err != nil {
		return "", &remote.TransportError{Err: fmt.Errorf("token request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &remote.AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", &remote.StatusError{StatusCode: resp.StatusCode, Body: string(detail)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access_token")
	}

	p.token = tr.AccessToken
	p.expiresAt = expiryOf(tr.AccessToken)

	logging.Debug("Acquired bearer token",
		map[string]interface{}{"expires_at": p.expiresAt.UTC().Format(time.RFC3339)})

	return p.token, nil
}

// expiryOf reads the exp claim without verifying the signature; the client
// only needs it to schedule refreshes, the gateway does the real validation.
func expiryOf(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
