package credential

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ant2api/ant2api/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	loadCodeAssistURL  = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:loadCodeAssist"
	projectsListURL    = "https://cloudresourcemanager.googleapis.com/v1/projects"
	maxProjectPages    = 5
	maxOAuthBodyBytes  = 1 << 20
	oauthStateLifetime = 10 * time.Minute
)

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// ErrResponseTooLarge is returned when an OAuth endpoint answers with more
// than the 1 MiB body cap.
var ErrResponseTooLarge = errors.New("credential: oauth response too large")

// TokenResponse carries the fields of a token exchange the store needs.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// UserInfo is the subset of the Google userinfo payload we keep.
type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// OAuthClient performs all Google OAuth traffic. The HTTP client is pinned to
// HTTP/1.1: the token endpoint intermittently kills HTTP/2 streams with
// PROTOCOL_ERROR.
type OAuthClient struct {
	cfg    *config.Config
	client *http.Client
}

// NewOAuthClient builds the HTTP/1.1-only client honouring the configured
// timeout and forward proxy.
func NewOAuthClient(cfg *config.Config) *OAuthClient {
	transport := &http.Transport{
		ForceAttemptHTTP2:   false,
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL := strings.TrimSpace(cfg.Proxy); proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			log.Warnf("credential: invalid PROXY %q: %v", proxyURL, err)
		}
	}
	return &OAuthClient{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

func (c *OAuthClient) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.EffectiveGoogleClientID(),
		ClientSecret: c.cfg.EffectiveGoogleClientSecret(),
		RedirectURL:  redirectURI,
		Scopes:       oauthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  googleAuthURL,
			TokenURL: googleTokenURL,
		},
	}
}

func (c *OAuthClient) oauthContext() context.Context {
	return context.WithValue(context.Background(), oauth2.HTTPClient, c.client)
}

// BuildAuthURL returns the Google consent URL for the given redirect and
// CSRF state.
func (c *OAuthClient) BuildAuthURL(redirectURI, state string) (string, error) {
	redirectURI = strings.TrimSpace(redirectURI)
	state = strings.TrimSpace(state)
	if redirectURI == "" {
		return "", errors.New("credential: missing redirect uri")
	}
	if state == "" {
		return "", errors.New("credential: missing oauth state")
	}
	return c.oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *OAuthClient) ExchangeCode(code, redirectURI string) (*TokenResponse, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("credential: missing authorization code")
	}
	token, err := c.oauthConfig(redirectURI).Exchange(c.oauthContext(), code)
	if err != nil {
		return nil, fmt.Errorf("credential: token exchange: %w", err)
	}
	return tokenResponseFrom(token), nil
}

// RefreshToken exchanges a refresh token for a fresh access token. A rotated
// refresh token, when present, is passed back to the caller.
func (c *OAuthClient) RefreshToken(refreshToken string) (*TokenResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, errors.New("credential: missing refresh token")
	}
	source := c.oauthConfig("").TokenSource(c.oauthContext(), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("credential: token refresh: %w", err)
	}
	out := tokenResponseFrom(token)
	if out.RefreshToken == refreshToken {
		out.RefreshToken = ""
	}
	return out, nil
}

func tokenResponseFrom(token *oauth2.Token) *TokenResponse {
	out := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if v, ok := token.Extra("expires_in").(float64); ok && v > 0 {
		out.ExpiresIn = int(v)
	} else if !token.Expiry.IsZero() {
		out.ExpiresIn = int(time.Until(token.Expiry).Seconds())
	}
	return out
}

// GetUserInfo fetches the account's email and display name.
func (c *OAuthClient) GetUserInfo(accessToken string) (*UserInfo, error) {
	req, err := http.NewRequest(http.MethodGet, googleUserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, status, err := c.doCapped(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("credential: userinfo failed (HTTP %d): %s", status, bodyPreview(body))
	}

	var info UserInfo
	if errUnmarshal := json.Unmarshal(body, &info); errUnmarshal != nil {
		return nil, fmt.Errorf("credential: parse userinfo: %w", errUnmarshal)
	}
	return &info, nil
}

// FetchProjectID resolves the GCP project backing the account. The upstream
// loadCodeAssist call is tried first; when it yields nothing, the project
// list is scanned for an ACTIVE project, preferring ones named "default".
func (c *OAuthClient) FetchProjectID(accessToken string) (string, error) {
	if projectID, err := c.loadCodeAssistProject(accessToken); err == nil && projectID != "" {
		return projectID, nil
	} else if err != nil {
		log.Debugf("credential: loadCodeAssist: %v", err)
	}
	return c.firstActiveProject(accessToken)
}

func (c *OAuthClient) loadCodeAssistProject(accessToken string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, loadCodeAssistURL, strings.NewReader(`{"metadata":{"ideType":"ANTIGRAVITY"}}`))
	if err != nil {
		return "", fmt.Errorf("credential: loadCodeAssist request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.Runtime().APIUserAgent)

	body, status, err := c.doCapped(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("credential: loadCodeAssist failed (HTTP %d): %s", status, bodyPreview(body))
	}
	return gjson.GetBytes(body, "cloudaicompanionProject").String(), nil
}

func (c *OAuthClient) firstActiveProject(accessToken string) (string, error) {
	pageToken := ""
	firstActive := ""
	for page := 0; page < maxProjectPages; page++ {
		listURL := projectsListURL
		if pageToken != "" {
			listURL += "?pageToken=" + url.QueryEscape(pageToken)
		}
		req, err := http.NewRequest(http.MethodGet, listURL, nil)
		if err != nil {
			return "", fmt.Errorf("credential: projects request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		body, status, errDo := c.doCapped(req)
		if errDo != nil {
			return "", errDo
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("credential: list projects failed (HTTP %d): %s", status, bodyPreview(body))
		}

		for _, project := range gjson.GetBytes(body, "projects").Array() {
			if !strings.EqualFold(strings.TrimSpace(project.Get("lifecycleState").String()), "ACTIVE") {
				continue
			}
			projectID := strings.TrimSpace(project.Get("projectId").String())
			if projectID == "" {
				continue
			}
			name := strings.ToLower(project.Get("name").String())
			if strings.Contains(name, "default") || strings.Contains(strings.ToLower(projectID), "default") {
				return projectID, nil
			}
			if firstActive == "" {
				firstActive = projectID
			}
		}

		pageToken = gjson.GetBytes(body, "nextPageToken").String()
		if pageToken == "" {
			break
		}
	}
	if firstActive == "" {
		return "", errors.New("credential: no active project found")
	}
	return firstActive, nil
}

func (c *OAuthClient) doCapped(req *http.Request) ([]byte, int, error) {
	resp, errDo := c.client.Do(req)
	if errDo != nil {
		return nil, 0, fmt.Errorf("credential: execute request: %w", errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("credential: close response body: %v", errClose)
		}
	}()

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxOAuthBodyBytes+1))
	if errRead != nil {
		return nil, resp.StatusCode, fmt.Errorf("credential: read response body: %w", errRead)
	}
	if len(body) > maxOAuthBodyBytes {
		return nil, resp.StatusCode, ErrResponseTooLarge
	}
	return body, resp.StatusCode, nil
}

func bodyPreview(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
