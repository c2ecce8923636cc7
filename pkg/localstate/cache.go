package localstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/reconcile"
)

// Keys under which client state is persisted. Values are JSON blobs except
// the ids, email and theme, which are stored as plain strings.
const (
	KeyPersistentUserID = "talqs_persistent_user_id"
	KeyChatHistory      = "talqs_chat_history"
	KeyCurrentDocument  = "talqs_current_document"
	KeyTheme            = "talqs_theme"
	KeyLegacyUserID     = "talqs_user_id"
	KeyAuthEmail        = "talqs_auth_email"
	KeyAuthUser         = "talqs_auth_user"
)

// LegacyLocalUser is the owner id written by the earliest clients.
const LegacyLocalUser = "local-user"

// Cache is the typed view over one client's KV. Read-modify-write operations
// on the conversation list are serialized only among callers sharing this
// Cache value. Separate Cache values over the same KV do not lock each other;
// the last write of the list wins.
type Cache struct {
	kv  KV
	now func() time.Time
	mu  sync.Mutex
}

// NewCache wraps kv.
func NewCache(kv KV) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// KV exposes the underlying store.
func (c *Cache) KV() KV {
	return c.kv
}

// Conversations decodes the cached list. Entries that fail to decode are
// logged and skipped; a blob that is not a JSON array reads as empty.
func (c *Cache) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	raw, ok, err := c.kv.Get(ctx, KeyChatHistory)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []domain.Conversation{}, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		util.LoggerFromContext(ctx).Warn("discarding unreadable chat history", "err", err)
		return []domain.Conversation{}, nil
	}
	return DecodeConversations(ctx, entries), nil
}

// DecodeConversations decodes each entry independently, skipping and logging
// the ones that are corrupt.
func DecodeConversations(ctx context.Context, entries []json.RawMessage) []domain.Conversation {
	logger := util.LoggerFromContext(ctx)
	out := make([]domain.Conversation, 0, len(entries))
	for i, entry := range entries {
		var conv domain.Conversation
		if err := json.Unmarshal(entry, &conv); err != nil {
			logger.Warn("skipping corrupt cached conversation", "index", i, "err", err)
			continue
		}
		if conv.ConversationID == "" && conv.DocumentFingerprint == "" && conv.UserID == "" {
			logger.Warn("skipping cached conversation without identity", "index", i)
			continue
		}
		if conv.Messages == nil {
			conv.Messages = []domain.Message{}
		}
		out = append(out, conv)
	}
	return out
}

// ListUserConversations returns the cached conversations owned by userID.
func (c *Cache) ListUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	items, err := c.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, 0, len(items))
	for _, item := range items {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}

// SaveConversations deduplicates items per owner and key and writes them.
func (c *Cache) SaveConversations(ctx context.Context, items []domain.Conversation) error {
	data, err := json.Marshal(dedupe(items))
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}
	return c.kv.Set(ctx, KeyChatHistory, string(data))
}

func dedupe(items []domain.Conversation) []domain.Conversation {
	type ownerKey struct{ user, key string }
	byKey := make(map[ownerKey]domain.Conversation, len(items))
	for _, item := range items {
		k := ownerKey{item.UserID, reconcile.Key(item)}
		if current, ok := byKey[k]; ok && !reconcile.Prefer(item, current) {
			continue
		}
		byKey[k] = item
	}
	out := make([]domain.Conversation, 0, len(byKey))
	for _, item := range byKey {
		out = append(out, item)
	}
	reconcile.SortByRecency(out)
	return out
}

// AppendMessage is the local write path: it appends msg to the cached
// conversation (userID, ref.ConversationID), creating it when missing.
func (c *Cache) AppendMessage(ctx context.Context, userID string, ref domain.ConversationRef, msg domain.Message) (domain.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.Conversations(ctx)
	if err != nil {
		return domain.Conversation{}, err
	}
	now := c.now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	idx := -1
	for i := range items {
		if items[i].UserID == userID && items[i].ConversationID == ref.ConversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		items = append(items, domain.Conversation{
			ID:                  util.NewID(),
			ConversationID:      ref.ConversationID,
			UserID:              userID,
			DocumentID:          ref.DocumentID,
			DocumentName:        ref.DocumentName,
			DocumentFingerprint: ref.DocumentFingerprint,
			UploadTimestamp:     ref.UploadTimestamp,
			Messages:            []domain.Message{},
			CreatedAt:           now,
		})
		idx = len(items) - 1
	}
	items[idx].Messages = append(items[idx].Messages, msg)
	items[idx].UpdatedAt = now
	conv := items[idx]
	if err := c.SaveConversations(ctx, items); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// ReplaceUserConversations overwrites the cached list of userID with items,
// leaving other owners untouched.
func (c *Cache) ReplaceUserConversations(ctx context.Context, userID string, items []domain.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.Conversations(ctx)
	if err != nil {
		return err
	}
	kept := make([]domain.Conversation, 0, len(all)+len(items))
	for _, item := range all {
		if item.UserID != userID {
			kept = append(kept, item)
		}
	}
	for _, item := range items {
		if item.UserID == userID {
			kept = append(kept, item)
		}
	}
	return c.SaveConversations(ctx, kept)
}

// RemoveConversation deletes the cached conversation of userID whose id or
// conversation id equals id. It reports whether anything was removed.
func (c *Cache) RemoveConversation(ctx context.Context, userID, id string) (bool, error) {
	return c.remove(ctx, func(item domain.Conversation) bool {
		return item.UserID == userID && (item.ID == id || item.ConversationID == id)
	})
}

// RemoveUserConversations deletes every cached conversation of userID.
func (c *Cache) RemoveUserConversations(ctx context.Context, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, func(item domain.Conversation) bool { return item.UserID == userID })
}

// RemoveDocumentConversations deletes the cached conversations of userID
// bound to fingerprint.
func (c *Cache) RemoveDocumentConversations(ctx context.Context, userID, fingerprint string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, func(item domain.Conversation) bool {
		return item.UserID == userID && item.DocumentFingerprint == fingerprint
	})
}

func (c *Cache) remove(ctx context.Context, match func(domain.Conversation) bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.removeLocked(ctx, match)
	return n > 0, err
}

func (c *Cache) removeLocked(ctx context.Context, match func(domain.Conversation) bool) (int, error) {
	items, err := c.Conversations(ctx)
	if err != nil {
		return 0, err
	}
	kept := items[:0]
	removed := 0
	for _, item := range items {
		if match(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.SaveConversations(ctx, kept)
}

// MigrateOwners rewrites the owner of every cached conversation owned by one
// of legacy to userID and returns how many were rewritten.
func (c *Cache) MigrateOwners(ctx context.Context, legacy []string, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok, err := c.kv.Get(ctx, KeyChatHistory)
	if err != nil || !ok {
		return 0, err
	}
	// Rewrite at the raw level so entries this version cannot decode keep
	// their bytes.
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return 0, fmt.Errorf("decode chat history: %w", err)
	}
	owners := make(map[string]struct{}, len(legacy))
	for _, id := range legacy {
		if id = strings.TrimSpace(id); id != "" {
			owners[id] = struct{}{}
		}
	}
	migrated := 0
	for i, entry := range entries {
		var fields map[string]any
		if err := json.Unmarshal(entry, &fields); err != nil {
			continue
		}
		owner, _ := fields["userId"].(string)
		if _, ok := owners[owner]; !ok || owner == userID {
			continue
		}
		fields["userId"] = userID
		rewritten, err := json.Marshal(fields)
		if err != nil {
			continue
		}
		entries[i] = rewritten
		migrated++
	}
	if migrated == 0 {
		return 0, nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	return migrated, c.kv.Set(ctx, KeyChatHistory, string(data))
}

// LegacyIdentities lists the owner ids a fresh fallback identity adopts:
// the legacy user id, the stored auth email, "local-user", and every owner
// already present in the cached history.
func (c *Cache) LegacyIdentities(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, key := range []string{KeyLegacyUserID, KeyAuthEmail} {
		v, _, err := c.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		add(v)
	}
	add(LegacyLocalUser)
	items, err := c.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		add(item.UserID)
	}
	return out, nil
}

// PersistentUserID returns the stored fallback identity.
func (c *Cache) PersistentUserID(ctx context.Context) (string, bool, error) {
	v, ok, err := c.kv.Get(ctx, KeyPersistentUserID)
	if err != nil || !ok {
		return "", false, err
	}
	v = strings.TrimSpace(v)
	return v, v != "", nil
}

func (c *Cache) SetPersistentUserID(ctx context.Context, id string) error {
	return c.kv.Set(ctx, KeyPersistentUserID, id)
}

// CurrentDocument returns the document the client last uploaded or selected.
func (c *Cache) CurrentDocument(ctx context.Context) (domain.DocumentMetadata, bool, error) {
	raw, ok, err := c.kv.Get(ctx, KeyCurrentDocument)
	if err != nil || !ok {
		return domain.DocumentMetadata{}, false, err
	}
	var meta domain.DocumentMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta.Fingerprint == "" {
		util.LoggerFromContext(ctx).Warn("ignoring unreadable current document", "err", err)
		return domain.DocumentMetadata{}, false, nil
	}
	return meta, true, nil
}

func (c *Cache) SetCurrentDocument(ctx context.Context, meta domain.DocumentMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, KeyCurrentDocument, string(data))
}

// Theme returns the stored theme preference, "system" when unset.
func (c *Cache) Theme(ctx context.Context) (string, error) {
	v, ok, err := c.kv.Get(ctx, KeyTheme)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(v) == "" {
		return "system", nil
	}
	return v, nil
}

func (c *Cache) SetTheme(ctx context.Context, theme string) error {
	return c.kv.Set(ctx, KeyTheme, theme)
}

// StoreAuthUser records the logged-in account for display. It never changes
// the persistent user id.
func (c *Cache) StoreAuthUser(ctx context.Context, user domain.AuthUser) error {
	if strings.TrimSpace(user.Email) == "" {
		return nil
	}
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, KeyAuthUser, string(data)); err != nil {
		return err
	}
	return c.kv.Set(ctx, KeyAuthEmail, user.Email)
}

func (c *Cache) ClearAuthUser(ctx context.Context) error {
	if err := c.kv.Delete(ctx, KeyAuthUser); err != nil {
		return err
	}
	return c.kv.Delete(ctx, KeyAuthEmail)
}

// AuthUser returns the stored display account, if any.
func (c *Cache) AuthUser(ctx context.Context) (domain.AuthUser, bool, error) {
	raw, ok, err := c.kv.Get(ctx, KeyAuthUser)
	if err != nil || !ok {
		return domain.AuthUser{}, false, err
	}
	var user domain.AuthUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		util.LoggerFromContext(ctx).Warn("ignoring unreadable auth user", "err", err)
		return domain.AuthUser{}, false, nil
	}
	return user, true, nil
}

// DisplayName prefers the auth user's name, then email, then fallbackID.
func (c *Cache) DisplayName(ctx context.Context, fallbackID string) string {
	user, ok, err := c.AuthUser(ctx)
	if err == nil && ok {
		if user.Name != "" {
			return user.Name
		}
		if user.Email != "" {
			return user.Email
		}
	}
	return fallbackID
}
