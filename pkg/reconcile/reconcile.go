// Package reconcile merges locally cached and remotely stored conversation
// lists into one deduplicated, recency-ordered list.
package reconcile

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/fingerprint"
)

// Key returns the dedupe key of c: its conversation id, or the
// "{fingerprint}-{uploadTimestamp}-{userId}" fallback when it has none.
func Key(c domain.Conversation) string {
	if id := strings.TrimSpace(c.ConversationID); id != "" {
		return id
	}
	return fingerprint.FallbackKey(c.DocumentFingerprint, c.UploadTimestamp, c.UserID)
}

// Prefer reports whether candidate should replace current under the same key:
// strictly more messages wins, an equal count falls to the later updatedAt.
//
// Record-level only. Two writers that appended different messages to the same
// conversation lose the side with fewer messages.
func Prefer(candidate, current domain.Conversation) bool {
	if len(candidate.Messages) != len(current.Messages) {
		return len(candidate.Messages) > len(current.Messages)
	}
	return candidate.UpdatedAt.After(current.UpdatedAt)
}

// Merge folds the lists in order, keeping one record per Key. The result is
// sorted by updatedAt descending and is never nil.
func Merge(lists ...[]domain.Conversation) []domain.Conversation {
	byKey := make(map[string]domain.Conversation)
	for _, list := range lists {
		for _, c := range list {
			key := Key(c)
			if current, ok := byKey[key]; ok && !Prefer(c, current) {
				continue
			}
			byKey[key] = c
		}
	}
	out := make([]domain.Conversation, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	SortByRecency(out)
	return out
}

// SortByRecency orders by updatedAt descending, then by key.
func SortByRecency(items []domain.Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return Key(items[i]) < Key(items[j])
	})
}

// Lister fetches the conversations visible to one user.
type Lister interface {
	ListUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, userID string) ([]domain.Conversation, error)

func (f ListerFunc) ListUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return f(ctx, userID)
}

// Result is the outcome of one reconciliation.
type Result struct {
	Conversations []domain.Conversation
	// RemoteFailed is set when the list was built from the local side only.
	RemoteFailed bool
}

// Reconciler merges a local cache with a remote store.
type Reconciler struct {
	Local  Lister
	Remote Lister
}

// Reconcile fetches both sides concurrently and merges them. Neither side
// failing is fatal: a failed side is logged and contributes nothing.
func (r Reconciler) Reconcile(ctx context.Context, userID string) Result {
	logger := util.LoggerFromContext(ctx)
	var local, remote []domain.Conversation
	remoteFailed := false

	var g errgroup.Group
	if r.Local != nil {
		g.Go(func() error {
			items, err := r.Local.ListUserConversations(ctx, userID)
			if err != nil {
				logger.Warn("local conversations unavailable", "user_id", userID, "err", err)
				return nil
			}
			local = filterUser(items, userID)
			return nil
		})
	}
	if r.Remote != nil {
		g.Go(func() error {
			items, err := r.Remote.ListUserConversations(ctx, userID)
			if err != nil {
				logger.Warn("remote conversations unavailable, using local cache", "user_id", userID, "err", err)
				remoteFailed = true
				return nil
			}
			remote = items
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Conversations: Merge(local, remote),
		RemoteFailed:  remoteFailed,
	}
}

func filterUser(items []domain.Conversation, userID string) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(items))
	for _, c := range items {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}
