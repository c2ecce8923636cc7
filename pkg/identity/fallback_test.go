package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"talqs/pkg/domain"
	"talqs/pkg/localstate"
)

func TestEnsureMigratesLegacyHistoryOnce(t *testing.T) {
	ctx := context.Background()
	kv := localstate.NewMemoryKV()
	cache := localstate.NewCache(kv)
	_ = kv.Set(ctx, localstate.KeyLegacyUserID, "legacy-1")
	_ = kv.Set(ctx, localstate.KeyChatHistory, `[
		{"conversationId":"a-1","userId":"legacy-1","messages":[]},
		{"conversationId":"b-2","userId":"local-user","messages":[]},
		{"conversationId":"c-3","userId":"someone@example.com","messages":[]}
	]`)

	now := time.UnixMilli(1700000000000)
	src := &FallbackSource{Now: func() time.Time { return now }}
	id := src.Ensure(ctx, cache)
	if id != "user-1700000000000" {
		t.Fatalf("id = %q", id)
	}
	owned, err := cache.ListUserConversations(ctx, id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Owners already present in the history count as legacy identities.
	if len(owned) != 3 {
		t.Fatalf("expected all 3 conversations migrated, got %d", len(owned))
	}

	// A conversation written later under another owner is not migrated again.
	_, _ = cache.AppendMessage(ctx, "later@example.com", domain.ConversationRef{ConversationID: "d-4"}, domain.Message{Role: domain.RoleUser, Content: "x"})
	now = now.Add(time.Hour)
	if again := src.Ensure(ctx, cache); again != id {
		t.Fatalf("second ensure = %q, want %q", again, id)
	}
	later, _ := cache.ListUserConversations(ctx, "later@example.com")
	if len(later) != 1 {
		t.Fatalf("later conversation was migrated")
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("unavailable")
}
func (failingKV) Set(context.Context, string, string) error { return errors.New("unavailable") }
func (failingKV) Delete(context.Context, string) error      { return errors.New("unavailable") }

func TestEnsureNeverFails(t *testing.T) {
	id := (&FallbackSource{}).Ensure(context.Background(), localstate.NewCache(failingKV{}))
	if !strings.HasPrefix(id, "user-") {
		t.Fatalf("expected generated id despite storage failure, got %q", id)
	}
}
