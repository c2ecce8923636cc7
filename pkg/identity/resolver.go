// Package identity resolves the current user from competing credential
// sources in one fixed precedence order.
package identity

import (
	"context"
	"errors"
	"net/http"

	"talqs/internal/util"
	"talqs/pkg/domain"
)

// ErrNoCredential reports that a source found nothing to look at. Any other
// lookup error means the credential was present but malformed or unverifiable.
var ErrNoCredential = errors.New("no credential")

// Source extracts a user id from one kind of credential.
type Source interface {
	Kind() domain.IdentitySource
	Lookup(ctx context.Context, r *http.Request) (string, error)
}

// Resolver walks its sources in order; the first non-empty user id wins.
type Resolver struct {
	sources  []Source
	fallback *FallbackSource
}

// NewResolver builds a resolver over sources, in precedence order. When no
// source matches and fallback is non-nil, the fallback identity is used.
func NewResolver(fallback *FallbackSource, sources ...Source) *Resolver {
	return &Resolver{sources: sources, fallback: fallback}
}

// Default returns the standard chain: header, session, bearer, cookie, fallback.
func Default(sessions SessionVerifier, users UserLookup) *Resolver {
	return NewResolver(
		&FallbackSource{},
		HeaderSource{},
		SessionSource{Sessions: sessions, Users: users},
		BearerSource{},
		CookieSource{},
	)
}

// Resolve never fails: with no credential it yields the client's fallback
// identity, and with no client state at all a freshly generated one.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) domain.Identity {
	logger := util.LoggerFromContext(ctx)
	for _, src := range r.sources {
		userID, err := src.Lookup(ctx, req)
		if err != nil {
			if !errors.Is(err, ErrNoCredential) {
				logger.Warn("credential rejected", "source", src.Kind(), "err", err)
			}
			continue
		}
		if userID != "" {
			return domain.Identity{UserID: userID, Source: src.Kind()}
		}
	}
	fallback := r.fallback
	if fallback == nil {
		fallback = &FallbackSource{}
	}
	userID, _ := fallback.Lookup(ctx, req)
	return domain.Identity{UserID: userID, Source: domain.SourceFallback}
}

type identityContextKey struct{}

// ContextWithIdentity stores the resolved identity for downstream handlers.
func ContextWithIdentity(ctx context.Context, ident domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, ident)
}

// FromContext returns the identity stored by ContextWithIdentity.
func FromContext(ctx context.Context) (domain.Identity, bool) {
	ident, ok := ctx.Value(identityContextKey{}).(domain.Identity)
	return ident, ok && ident.UserID != ""
}

// Middleware resolves the identity of every request once and stores it in
// the request context.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ident := r.Resolve(req.Context(), req)
		ctx := ContextWithIdentity(req.Context(), ident)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", ident.UserID, "identity_source", ident.Source))
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
