package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"talqs/internal/ratelimit"
	"talqs/pkg/identity"
	"talqs/pkg/store"
	"talqs/services/talqs/internal/app"
	"talqs/services/talqs/internal/security"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore(testSecret, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	a, err := app.New(app.Config{Store: st, Sessions: sessions})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg.App = a
	cfg.Resolver = identity.Default(sessions, st)
	srv := httptest.NewServer(New(cfg).Router())
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t       *testing.T
	base    string
	headers map[string]string
	cookies []*http.Cookie
}

func (c *client) do(method, path, contentType string, body []byte) (*http.Response, map[string]any) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (c *client) json(method, path string, payload any) (*http.Response, map[string]any) {
	c.t.Helper()
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
	}
	return c.do(method, path, "application/json", body)
}

func (c *client) upload(name, content string) (*http.Response, map[string]any) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		c.t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	return c.do(http.MethodPost, "/api/documents", mw.FormDataContentType(), buf.Bytes())
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := &client{t: t, base: srv.URL}
	resp, body := c.json(http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestIdentityPrecedence(t *testing.T) {
	srv := newTestServer(t, Config{})

	anon := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-a"}}
	_, first := anon.json(http.MethodGet, "/api/users/me", nil)
	_, second := anon.json(http.MethodGet, "/api/users/me", nil)
	id, _ := first["userId"].(string)
	if !strings.HasPrefix(id, "user-") || first["source"] != "fallback" {
		t.Fatalf("fallback identity = %v", first)
	}
	if second["userId"] != id {
		t.Fatalf("fallback id not persistent: %v then %v", id, second["userId"])
	}

	cookie := &http.Cookie{Name: identity.UserCookieName, Value: "%7B%22email%22%3A%22cookie%40example.com%22%7D"}
	both := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-a", identity.HeaderUserID: "header-user"}, cookies: []*http.Cookie{cookie}}
	_, got := both.json(http.MethodGet, "/api/users/me", nil)
	if got["userId"] != "header-user" || got["source"] != "header" {
		t.Fatalf("header should win, got %v", got)
	}

	cookieOnly := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-a"}, cookies: []*http.Cookie{{Name: identity.UserCookieName, Value: "%7B%22email%22%3A%22cookie%40example.com%22%7D"}}}
	_, got = cookieOnly.json(http.MethodGet, "/api/users/me", nil)
	if got["userId"] != "cookie@example.com" || got["source"] != "cookie" {
		t.Fatalf("cookie identity = %v", got)
	}
}

func TestNewClientGetsCookie(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := &client{t: t, base: srv.URL}
	resp, _ := c.json(http.MethodGet, "/api/preferences/theme", nil)
	var found bool
	for _, ck := range resp.Cookies() {
		if ck.Name == ClientCookieName && ck.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s cookie", ClientCookieName)
	}
}

func TestDocumentConversationFlow(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-b", identity.HeaderUserID: "judge@example.com"}}

	resp, body := c.json(http.MethodPost, "/api/qa", map[string]string{"question": "Who appealed"})
	if resp.StatusCode != http.StatusNotFound || body["error"] == nil {
		t.Fatalf("ask without document = %d %v", resp.StatusCode, body)
	}

	resp, up := c.upload("case.txt", "The appellant filed an appeal. The court dismissed the appeal.")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload = %d %v", resp.StatusCode, up)
	}
	convID, _ := up["conversationId"].(string)
	if convID == "" {
		t.Fatalf("missing conversation id: %v", up)
	}

	resp, ans := c.json(http.MethodPost, "/api/qa", map[string]string{"question": "Who filed the appeal"})
	if resp.StatusCode != http.StatusOK || ans["conversationId"] != convID {
		t.Fatalf("ask = %d %v", resp.StatusCode, ans)
	}

	resp, hist := c.json(http.MethodGet, "/api/chat-history", nil)
	convs, _ := hist["conversations"].([]any)
	if resp.StatusCode != http.StatusOK || len(convs) != 1 {
		t.Fatalf("history = %d %v", resp.StatusCode, hist)
	}

	resp, _ = c.json(http.MethodDelete, "/api/chat-history?id="+convID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp, body = c.json(http.MethodDelete, "/api/chat-history?id="+convID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete = %d %v", resp.StatusCode, body)
	}
}

func TestUploadRejectsUnsupportedFile(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-c"}}
	resp, body := c.upload("case.exe", "MZ")
	if resp.StatusCode != http.StatusBadRequest || body["error"] == nil {
		t.Fatalf("upload = %d %v", resp.StatusCode, body)
	}
}

func TestSessionLoginResolvesAccountEmail(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-d"}}

	resp, body := c.json(http.MethodPost, "/api/auth/signup", map[string]string{"email": "judge@example.com", "password": "longenough", "name": "Judge"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup = %d %v", resp.StatusCode, body)
	}
	resp, body = c.json(http.MethodPost, "/api/auth/login", map[string]string{"email": "judge@example.com", "password": "longenough"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d %v", resp.StatusCode, body)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == identity.SessionCookieName {
			c.cookies = append(c.cookies, ck)
		}
	}
	if len(c.cookies) == 0 {
		t.Fatalf("expected session cookie")
	}
	_, me := c.json(http.MethodGet, "/api/users/me", nil)
	if me["userId"] != "judge@example.com" || me["source"] != "session" || me["displayName"] != "Judge" {
		t.Fatalf("me = %v", me)
	}

	resp, _ = c.json(http.MethodPost, "/api/auth/login", map[string]string{"email": "judge@example.com", "password": "nope-nope"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", resp.StatusCode)
	}
}

func TestListUsers(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-u"}}

	resp, body := c.json(http.MethodPost, "/api/auth/signup", map[string]string{"email": "clerk@example.com", "password": "longenough", "name": "Clerk"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup = %d %v", resp.StatusCode, body)
	}
	resp, body = c.json(http.MethodGet, "/api/users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users = %d %v", resp.StatusCode, body)
	}
	users, _ := body["users"].([]any)
	if body["count"] != float64(1) || len(users) != 1 {
		t.Fatalf("users body = %v", body)
	}
	user, _ := users[0].(map[string]any)
	if user["email"] != "clerk@example.com" || user["name"] != "Clerk" {
		t.Fatalf("user = %v", user)
	}
	for _, secret := range []string{"password", "passwordHash"} {
		if _, ok := user[secret]; ok {
			t.Fatalf("user listing exposes %q: %v", secret, user)
		}
	}
}

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(rdb, "talqs:rl:login", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	alerter := security.NewRedisAlerter(rdb, "talqs:alerts")
	srv := newTestServer(t, Config{LoginLimiter: limiter, Alerter: alerter})
	c := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-e"}}

	body := map[string]string{"email": "u@example.com", "password": "whatever1"}
	resp, _ := c.json(http.MethodPost, "/api/auth/login", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first login = %d", resp.StatusCode)
	}
	resp, _ = c.json(http.MethodPost, "/api/auth/login", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var fails, limited int
	for _, key := range mr.Keys() {
		switch {
		case strings.HasPrefix(key, "talqs:alerts:auth.login:fail:"):
			fails++
		case strings.HasPrefix(key, "talqs:alerts:auth.login:rate_limited:"):
			limited++
		}
	}
	if fails != 1 || limited != 1 {
		t.Fatalf("alert counters fail=%d rate_limited=%d, keys %v", fails, limited, mr.Keys())
	}
}

func TestThemePreference(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-f"}}
	_, body := c.json(http.MethodGet, "/api/preferences/theme", nil)
	if body["theme"] != "system" {
		t.Fatalf("default theme = %v", body)
	}
	resp, _ := c.json(http.MethodPut, "/api/preferences/theme", map[string]string{"theme": "dark"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set theme = %d", resp.StatusCode)
	}
	_, body = c.json(http.MethodGet, "/api/preferences/theme", nil)
	if body["theme"] != "dark" {
		t.Fatalf("theme = %v", body)
	}
	other := &client{t: t, base: srv.URL, headers: map[string]string{HeaderClientID: "client-g"}}
	if _, body = other.json(http.MethodGet, "/api/preferences/theme", nil); body["theme"] != "system" {
		t.Fatalf("theme leaked across clients: %v", body)
	}
}
