package identity

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/localstate"
)

type cacheContextKey struct{}

// ContextWithCache binds the caller's client state to ctx so the fallback
// source can reach it.
func ContextWithCache(ctx context.Context, cache *localstate.Cache) context.Context {
	return context.WithValue(ctx, cacheContextKey{}, cache)
}

// CacheFromContext returns the cache bound by ContextWithCache.
func CacheFromContext(ctx context.Context) (*localstate.Cache, bool) {
	cache, ok := ctx.Value(cacheContextKey{}).(*localstate.Cache)
	return cache, ok && cache != nil
}

// FallbackSource yields the persisted "user-{millis}" id of the client,
// generating and persisting it on first use. It never fails.
type FallbackSource struct {
	Now func() time.Time

	mu sync.Mutex
}

func (*FallbackSource) Kind() domain.IdentitySource { return domain.SourceFallback }

func (f *FallbackSource) Lookup(ctx context.Context, _ *http.Request) (string, error) {
	cache, ok := CacheFromContext(ctx)
	if !ok {
		return f.newID(), nil
	}
	return f.Ensure(ctx, cache), nil
}

// Ensure returns the client's persistent id, creating it when absent. On
// creation every cached conversation owned by a legacy identity is
// reassigned to the new id. Storage errors are logged; a usable id is
// always returned.
func (f *FallbackSource) Ensure(ctx context.Context, cache *localstate.Cache) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	logger := util.LoggerFromContext(ctx)

	id, ok, err := cache.PersistentUserID(ctx)
	if err != nil {
		logger.Warn("read persistent user id failed", "err", err)
	}
	if ok {
		return id
	}
	id = f.newID()
	if err != nil {
		// Storage is unreachable; do not migrate against state we cannot read.
		return id
	}
	// Collect legacy owners before the new id is written so it is not
	// mistaken for one of them.
	legacy, legacyErr := cache.LegacyIdentities(ctx)
	if err := cache.SetPersistentUserID(ctx, id); err != nil {
		logger.Warn("persist user id failed", "user_id", id, "err", err)
		return id
	}
	logger.Info("created persistent user id", "user_id", id)
	if legacyErr != nil {
		logger.Warn("list legacy identities failed", "err", legacyErr)
		return id
	}
	migrated, err := cache.MigrateOwners(ctx, legacy, id)
	if err != nil {
		logger.Warn("migrate legacy history failed", "user_id", id, "err", err)
		return id
	}
	if migrated > 0 {
		logger.Info("migrated legacy conversations", "user_id", id, "count", migrated, "legacy_ids", legacy)
	}
	return id
}

func (f *FallbackSource) newID() string {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return "user-" + strconv.FormatInt(now().UnixMilli(), 10)
}
