package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// StaticToken is a TokenSource with a fixed bearer token, for tests and
// pre-provisioned credentials.
type StaticToken string

func (s StaticToken) Token(_ context.Context) (string, error)   { return string(s), nil }
func (s StaticToken) Refresh(_ context.Context) (string, error) { return string(s), nil }

// PasswordTokenSource obtains bearer tokens from the vendor's OAuth password
// grant and caches them until shortly before expiry.
type PasswordTokenSource struct {
	AuthURL      string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	HTTPClient   *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (p *PasswordTokenSource) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expires) {
		return p.token, nil
	}
	return p.fetch(ctx)
}

func (p *PasswordTokenSource) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetch(ctx)
}

// fetch performs the password grant. Must be called with the lock held.
func (p *PasswordTokenSource) fetch(ctx context.Context) (string, error) {
	form := make(url.Values)
	form.Add("client_id", p.ClientID)
	form.Add("client_secret", p.ClientSecret)
	form.Add("grant_type", "password")
	form.Add("username", p.Username)
	form.Add("password", p.Password)
	form.Add("scope", "home.user")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: HTTP %d", resp.StatusCode)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err = json.Unmarshal(body, &grant); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if grant.AccessToken == "" {
		return "", fmt.Errorf("token response: no access token")
	}

	p.token = grant.AccessToken
	// renew a minute early so in-flight calls never carry an expired token
	p.expires = time.Now().Add(time.Duration(grant.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}
