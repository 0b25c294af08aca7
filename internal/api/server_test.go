package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/credential"
	"github.com/ant2api/ant2api/internal/quota"
)

func newTestServer(t *testing.T, settings *config.Settings) *Server {
	t.Helper()
	cfg := &config.Config{
		DataDir:                t.TempDir(),
		Port:                   config.DefaultPort,
		SignatureRetentionDays: 3,
	}
	config.UpdateRuntime(settings)
	store := credential.NewStore(cfg)
	return NewServer(cfg, store, quota.NewPool(), quota.NewAdminCache(nil), nil, nil)
}

func addTestAccount(t *testing.T, s *Server, email string, enable bool, expired bool) {
	t.Helper()
	acc := credential.Account{
		AccessToken:  "at-" + email,
		RefreshToken: "rt-" + email,
		ExpiresIn:    3600,
		Timestamp:    time.Now().UnixMilli(),
		Email:        email,
		Enable:       enable,
		CreatedAt:    time.Now().UTC(),
	}
	if expired {
		acc.Timestamp = time.Now().Add(-2 * time.Hour).UnixMilli()
	}
	if err := s.store.Add(acc); err != nil {
		t.Fatalf("add account: %v", err)
	}
}

func TestRequireAPIKey(t *testing.T) {
	srv := newTestServer(t, &config.Settings{APIKey: "secret", Debug: "off"})
	r := srv.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Errorf("bearer key rejected: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Errorf("x-api-key rejected: status = %d", w.Code)
	}
}

func TestRequireAPIKeyOpenWhenUnset(t *testing.T) {
	srv := newTestServer(t, &config.Settings{Debug: "off"})
	r := srv.NewRouter()

	// No accounts: the models handler fails upstream-side, not auth-side.
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestLoginAndManagerSession(t *testing.T) {
	srv := newTestServer(t, &config.Settings{WebUIPassword: "pw", Debug: "off"})
	r := srv.NewRouter()

	// Manager API requires the session cookie.
	req := httptest.NewRequest(http.MethodGet, "/manager/api/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated stats: status = %d", w.Code)
	}

	// Wrong password.
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("password=nope"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d", w.Code)
	}

	// Correct password sets the cookie.
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("password=pw"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d", w.Code)
	}
	cookie := w.Header().Get("Set-Cookie")
	if !strings.Contains(cookie, sessionCookieName+"="+sessionCookieValue) {
		t.Fatalf("cookie = %q", cookie)
	}

	req = httptest.NewRequest(http.MethodGet, "/manager/api/stats", nil)
	req.Header.Set("Cookie", sessionCookieName+"="+sessionCookieValue)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated stats: status = %d", w.Code)
	}
}

func TestLoginWithoutConfiguredPassword(t *testing.T) {
	srv := newTestServer(t, &config.Settings{Debug: "off"})
	r := srv.NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("password=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}
}

func TestManagerStatsCounts(t *testing.T) {
	srv := newTestServer(t, &config.Settings{WebUIPassword: "pw", Debug: "off"})
	addTestAccount(t, srv, "a@x.com", true, false)
	addTestAccount(t, srv, "b@x.com", true, true)
	addTestAccount(t, srv, "c@x.com", false, false)

	r := srv.NewRouter()
	req := httptest.NewRequest(http.MethodGet, "/manager/api/stats", nil)
	req.Header.Set("Cookie", sessionCookieName+"="+sessionCookieValue)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	body := w.Body.String()
	if gjson.Get(body, "total").Int() != 3 {
		t.Errorf("total = %s", body)
	}
	if gjson.Get(body, "active").Int() != 1 || gjson.Get(body, "expired").Int() != 1 || gjson.Get(body, "disabled").Int() != 1 {
		t.Errorf("stats = %s", body)
	}
}

func TestManagerListStatusFilter(t *testing.T) {
	srv := newTestServer(t, &config.Settings{WebUIPassword: "pw", Debug: "off"})
	addTestAccount(t, srv, "a@x.com", true, false)
	addTestAccount(t, srv, "c@x.com", false, false)

	r := srv.NewRouter()
	req := httptest.NewRequest(http.MethodGet, "/manager/api/list?status=disabled", nil)
	req.Header.Set("Cookie", sessionCookieName+"="+sessionCookieValue)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	body := w.Body.String()
	accounts := gjson.Get(body, "accounts")
	if len(accounts.Array()) != 1 {
		t.Fatalf("accounts = %s", body)
	}
	if accounts.Get("0.displayName").String() != "c@x.com" {
		t.Errorf("list = %s", body)
	}
	if accounts.Get("0.status").String() != "disabled" {
		t.Errorf("status = %s", body)
	}
}

func TestManagerToggleDropsPoolSession(t *testing.T) {
	srv := newTestServer(t, &config.Settings{WebUIPassword: "pw", Debug: "off"})
	addTestAccount(t, srv, "a@x.com", true, false)
	sessionID := srv.store.GetAll()[0].SessionID

	r := srv.NewRouter()
	req := httptest.NewRequest(http.MethodPost, "/manager/api/toggle?id="+sessionID, nil)
	req.Header.Set("Cookie", sessionCookieName+"="+sessionCookieValue)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "account.enable").Bool() {
		t.Errorf("account still enabled: %s", w.Body.String())
	}
	if srv.store.GetAll()[0].Enable {
		t.Errorf("store account still enabled")
	}
}

func TestManagerDeleteUnknownAccount(t *testing.T) {
	srv := newTestServer(t, &config.Settings{WebUIPassword: "pw", Debug: "off"})
	r := srv.NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/manager/api/delete?id=-123", nil)
	req.Header.Set("Cookie", sessionCookieName+"="+sessionCookieValue)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestManagerModelIDMappingRoundTrip(t *testing.T) {
	srv := newTestServer(t, &config.Settings{WebUIPassword: "pw", Debug: "off"})
	r := srv.NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/manager/api/model-id-mapping",
		strings.NewReader(`{"gpt-4o": "claude-sonnet-4-5"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", sessionCookieName+"="+sessionCookieValue)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if !gjson.Get(w.Body.String(), "success").Bool() {
		t.Fatalf("save failed: %s", w.Body.String())
	}

	if got := config.MapClientModelID("gpt-4o"); got != "claude-sonnet-4-5" {
		t.Errorf("mapped = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/manager/api/model-id-mapping", nil)
	req.Header.Set("Cookie", sessionCookieName+"="+sessionCookieValue)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if gjson.Get(w.Body.String(), "gpt-4o").String() != "claude-sonnet-4-5" {
		t.Errorf("mapping = %s", w.Body.String())
	}

	// Persisted to the data dir.
	aliases, err := config.LoadModelAliases(srv.cfg.DataDir)
	if err != nil || aliases["gpt-4o"] != "claude-sonnet-4-5" {
		t.Errorf("persisted aliases = %v (%v)", aliases, err)
	}
}

func TestParseOAuthCallbackURL(t *testing.T) {
	code, state, err := parseOAuthCallbackURL("http://localhost:8045/oauth-callback?code=abc%2F123&state=st-1")
	if err != nil || code != "abc/123" || state != "st-1" {
		t.Errorf("parsed = %q %q (%v)", code, state, err)
	}

	// Scheme-less and path-only forms also work.
	code, state, err = parseOAuthCallbackURL("oauth-callback?state=s&code=c")
	if err != nil || code != "c" || state != "s" {
		t.Errorf("parsed = %q %q (%v)", code, state, err)
	}

	if _, _, err = parseOAuthCallbackURL("http://localhost/no-query"); err == nil {
		t.Errorf("missing query accepted")
	}
	if _, _, err = parseOAuthCallbackURL("cb?state=s"); err == nil {
		t.Errorf("missing code accepted")
	}
}

func TestMessagesRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t, &config.Settings{Debug: "off"})
	r := srv.NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if gjson.Get(body, "type").String() != "error" || gjson.Get(body, "error.type").String() != "api_error" {
		t.Errorf("body = %s", body)
	}
}

func TestChatCompletionsRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t, &config.Settings{Debug: "off"})
	r := srv.NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "error.type").String() != "server_error" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &config.Settings{Debug: "off"})
	r := srv.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}
