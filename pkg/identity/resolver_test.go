package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"talqs/pkg/domain"
	"talqs/pkg/localstate"
)

type fakeSessions map[string]string

func (f fakeSessions) GetUserIDByToken(_ context.Context, token string) (string, bool, error) {
	if token == "broken" {
		return "", false, errors.New("redis down")
	}
	id, ok := f[token]
	return id, ok, nil
}

type fakeUsers map[string]domain.User

func (f fakeUsers) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	u, ok := f[id]
	return u, ok, nil
}

func newResolver() *Resolver {
	return Default(
		fakeSessions{"tok-1": "u1"},
		fakeUsers{"u1": {ID: "u1", Email: "session@example.com"}},
	)
}

func bearer(payload string) string {
	return "Bearer " + base64.StdEncoding.EncodeToString([]byte(payload))
}

func withCache(r *http.Request, cache *localstate.Cache) *http.Request {
	return r.WithContext(ContextWithCache(r.Context(), cache))
}

func TestResolvePrecedence(t *testing.T) {
	resolver := newResolver()
	userCookie := &http.Cookie{Name: UserCookieName, Value: url.QueryEscape(`{"email":"cookie@example.com"}`)}
	sessionCookie := &http.Cookie{Name: SessionCookieName, Value: "tok-1"}

	tests := []struct {
		name       string
		build      func(r *http.Request)
		wantUser   string
		wantSource domain.IdentitySource
	}{
		{
			name: "header beats everything",
			build: func(r *http.Request) {
				r.Header.Set(HeaderUserID, "header-user")
				r.Header.Set("Authorization", bearer(`{"email":"bearer@example.com"}`))
				r.AddCookie(sessionCookie)
				r.AddCookie(userCookie)
			},
			wantUser:   "header-user",
			wantSource: domain.SourceHeader,
		},
		{
			name: "session beats bearer and cookie",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", bearer(`{"email":"bearer@example.com"}`))
				r.AddCookie(sessionCookie)
				r.AddCookie(userCookie)
			},
			wantUser:   "session@example.com",
			wantSource: domain.SourceSession,
		},
		{
			name: "bearer beats cookie",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", bearer(`{"email":"bearer@example.com"}`))
				r.AddCookie(userCookie)
			},
			wantUser:   "bearer@example.com",
			wantSource: domain.SourceBearer,
		},
		{
			name: "cookie only",
			build: func(r *http.Request) {
				r.AddCookie(userCookie)
			},
			wantUser:   "cookie@example.com",
			wantSource: domain.SourceCookie,
		},
		{
			name: "base64 cookie",
			build: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: UserCookieName, Value: base64.RawURLEncoding.EncodeToString([]byte(`{"email":"b64@example.com"}`))})
			},
			wantUser:   "b64@example.com",
			wantSource: domain.SourceCookie,
		},
		{
			name: "malformed bearer falls through to cookie",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer !!!not-base64!!!")
				r.AddCookie(userCookie)
			},
			wantUser:   "cookie@example.com",
			wantSource: domain.SourceCookie,
		},
		{
			name: "unknown session falls through to bearer",
			build: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "stale"})
				r.Header.Set("Authorization", bearer(`{"email":"bearer@example.com"}`))
			},
			wantUser:   "bearer@example.com",
			wantSource: domain.SourceBearer,
		},
		{
			name: "session store failure falls through",
			build: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "broken"})
				r.AddCookie(userCookie)
			},
			wantUser:   "cookie@example.com",
			wantSource: domain.SourceCookie,
		},
		{
			name: "bearer without email falls through",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", bearer(`{"name":"x"}`))
				r.AddCookie(userCookie)
			},
			wantUser:   "cookie@example.com",
			wantSource: domain.SourceCookie,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chat-history", nil)
			tc.build(req)
			got := resolver.Resolve(req.Context(), req)
			if got.UserID != tc.wantUser || got.Source != tc.wantSource {
				t.Fatalf("resolved %+v, want %s via %s", got, tc.wantUser, tc.wantSource)
			}
		})
	}
}

func TestResolveFallbackWhenNothingPresent(t *testing.T) {
	resolver := newResolver()
	cache := localstate.NewCache(localstate.NewMemoryKV())
	req := withCache(httptest.NewRequest(http.MethodGet, "/", nil), cache)

	got := resolver.Resolve(req.Context(), req)
	if got.Source != domain.SourceFallback {
		t.Fatalf("source = %s, want fallback", got.Source)
	}
	if !strings.HasPrefix(got.UserID, "user-") || len(got.UserID) <= len("user-") {
		t.Fatalf("unexpected fallback id %q", got.UserID)
	}
}

func TestResolveFallbackIsIdempotent(t *testing.T) {
	resolver := newResolver()
	cache := localstate.NewCache(localstate.NewMemoryKV())

	first := resolver.Resolve(context.Background(), withCache(httptest.NewRequest(http.MethodGet, "/", nil), cache))
	time.Sleep(2 * time.Millisecond)
	second := resolver.Resolve(context.Background(), withCache(httptest.NewRequest(http.MethodGet, "/", nil), cache))
	if first.UserID != second.UserID {
		t.Fatalf("fallback id changed: %q then %q", first.UserID, second.UserID)
	}
}

func TestResolveWithoutClientStateStillYieldsID(t *testing.T) {
	got := newResolver().Resolve(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got.UserID == "" || got.Source != domain.SourceFallback {
		t.Fatalf("expected generated fallback identity, got %+v", got)
	}
}

func TestMiddlewareStoresIdentity(t *testing.T) {
	var seen domain.Identity
	h := newResolver().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "  someone  ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen.UserID != "someone" || seen.Source != domain.SourceHeader {
		t.Fatalf("identity in context = %+v", seen)
	}
}
