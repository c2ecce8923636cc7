package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"talqs/pkg/domain"
)

const (
	HeaderUserID      = "X-User-ID"
	SessionCookieName = "talqs_session"
	UserCookieName    = "talqs_user"
)

// HeaderSource trusts a user id supplied directly by the client.
type HeaderSource struct{}

func (HeaderSource) Kind() domain.IdentitySource { return domain.SourceHeader }

func (HeaderSource) Lookup(_ context.Context, r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.Header.Get(HeaderUserID)); v != "" {
		return v, nil
	}
	return "", ErrNoCredential
}

// SessionVerifier maps a session token to the user it was issued for.
type SessionVerifier interface {
	GetUserIDByToken(ctx context.Context, token string) (string, bool, error)
}

// UserLookup loads accounts by id.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// SessionSource resolves a server-issued session cookie to the account email.
type SessionSource struct {
	Sessions SessionVerifier
	Users    UserLookup
}

func (SessionSource) Kind() domain.IdentitySource { return domain.SourceSession }

func (s SessionSource) Lookup(ctx context.Context, r *http.Request) (string, error) {
	if s.Sessions == nil || s.Users == nil {
		return "", ErrNoCredential
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", ErrNoCredential
	}
	userID, ok, err := s.Sessions.GetUserIDByToken(ctx, strings.TrimSpace(cookie.Value))
	if err != nil {
		return "", fmt.Errorf("verify session: %w", err)
	}
	if !ok {
		return "", errors.New("session expired or revoked")
	}
	user, ok, err := s.Users.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load session user: %w", err)
	}
	if !ok || user.Email == "" {
		return "", fmt.Errorf("session user %s not found", userID)
	}
	return user.Email, nil
}

// BearerSource reads "Authorization: Bearer <base64 JSON>" carrying an email.
type BearerSource struct{}

func (BearerSource) Kind() domain.IdentitySource { return domain.SourceBearer }

func (BearerSource) Lookup(_ context.Context, r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", ErrNoCredential
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", ErrNoCredential
	}
	raw, err := decodeBase64(token)
	if err != nil {
		return "", fmt.Errorf("decode bearer token: %w", err)
	}
	return emailFromJSON(raw)
}

// CookieSource reads the talqs_user cookie: URL-encoded JSON or base64 JSON
// carrying an email.
type CookieSource struct{}

func (CookieSource) Kind() domain.IdentitySource { return domain.SourceCookie }

func (CookieSource) Lookup(_ context.Context, r *http.Request) (string, error) {
	cookie, err := r.Cookie(UserCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", ErrNoCredential
	}
	value, err := url.PathUnescape(cookie.Value)
	if err != nil {
		value = cookie.Value
	}
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "{") {
		return emailFromJSON([]byte(value))
	}
	raw, err := decodeBase64(value)
	if err != nil {
		return "", fmt.Errorf("decode user cookie: %w", err)
	}
	return emailFromJSON(raw)
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func emailFromJSON(raw []byte) (string, error) {
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode credential payload: %w", err)
	}
	email := strings.TrimSpace(payload.Email)
	if email == "" {
		return "", errors.New("credential payload has no email")
	}
	return email, nil
}
