package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/fingerprint"
	"talqs/pkg/localstate"
	"talqs/pkg/reconcile"
	"talqs/pkg/store"
)

type SaveMessageInput struct {
	ConversationID      string    `json:"conversationId"`
	DocumentID          string    `json:"documentId"`
	DocumentName        string    `json:"documentName"`
	DocumentFingerprint string    `json:"documentFingerprint"`
	UploadTimestamp     int64     `json:"uploadTimestamp"`
	Role                string    `json:"role" validate:"required,oneof=user ai"`
	Content             string    `json:"content" validate:"required"`
	Timestamp           time.Time `json:"timestamp"`
}

// SaveMessage appends one message, deriving the conversation id from the
// document context when the caller did not send one.
func (a *App) SaveMessage(ctx context.Context, ident domain.Identity, cache *localstate.Cache, in SaveMessageInput) (domain.Conversation, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := validateInput(in); err != nil {
		return domain.Conversation{}, err
	}
	ref := a.deriveRef(ctx, ident, cache, in)
	msg := domain.Message{Role: domain.MessageRole(in.Role), Content: in.Content, Timestamp: in.Timestamp}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now().UTC()
	}
	conv, err := a.store.AppendMessage(ctx, ident.UserID, ref, msg)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("save message: %w", err)
	}
	if cache != nil {
		if _, err := cache.AppendMessage(ctx, ident.UserID, ref, msg); err != nil {
			util.LoggerFromContext(ctx).Warn("save message to local cache failed", "conversation_id", ref.ConversationID, "err", err)
		}
	}
	return conv, nil
}

func (a *App) deriveRef(ctx context.Context, ident domain.Identity, cache *localstate.Cache, in SaveMessageInput) domain.ConversationRef {
	ref := domain.ConversationRef{
		ConversationID:      strings.TrimSpace(in.ConversationID),
		DocumentID:          strings.TrimSpace(in.DocumentID),
		DocumentName:        strings.TrimSpace(in.DocumentName),
		DocumentFingerprint: strings.TrimSpace(in.DocumentFingerprint),
		UploadTimestamp:     in.UploadTimestamp,
	}
	fp := ref.DocumentFingerprint
	if ref.DocumentID == "" {
		if fp != "" {
			ref.DocumentID = fingerprint.DocumentID(fp)
		} else {
			ref.DocumentID = domain.GeneralDocumentID
		}
	}
	if ref.DocumentName == "" && ref.DocumentID == domain.GeneralDocumentID {
		ref.DocumentName = domain.GeneralDocumentName
	}
	if fp != "" && ref.UploadTimestamp == 0 && cache != nil {
		if cur, ok, _ := cache.CurrentDocument(ctx); ok && cur.Fingerprint == fp {
			ref.UploadTimestamp = cur.UploadTimestamp
			if ref.DocumentName == "" {
				ref.DocumentName = cur.Name
			}
		}
	}
	if fp != "" && (ref.UploadTimestamp == 0 || ref.DocumentName == "") {
		if doc, ok, err := a.store.GetDocument(ctx, ident.UserID, fp); err == nil && ok {
			if ref.UploadTimestamp == 0 {
				ref.UploadTimestamp = doc.UploadTimestamp
			}
			if ref.DocumentName == "" {
				ref.DocumentName = doc.Name
			}
		}
	}
	if ref.ConversationID == "" {
		key := fp
		if key == "" {
			key = ref.DocumentID
		}
		ref.ConversationID = fingerprint.ConversationKey(key, ref.UploadTimestamp)
	}
	return ref
}

type HistoryResult struct {
	Conversations []domain.Conversation `json:"conversations"`
	RemoteFailed  bool                  `json:"remoteFailed,omitempty"`
}

// History merges the client's cached conversations with the stored ones.
// An unfiltered read writes the merged list back to the cache.
func (a *App) History(ctx context.Context, ident domain.Identity, cache *localstate.Cache, filter store.ConversationFilter) HistoryResult {
	remoteFilter := filter
	remoteFilter.Limit = 0
	r := reconcile.Reconciler{
		Remote: reconcile.ListerFunc(func(ctx context.Context, userID string) ([]domain.Conversation, error) {
			return a.store.ListConversations(ctx, userID, remoteFilter)
		}),
	}
	if cache != nil {
		r.Local = cache
	}
	res := r.Reconcile(ctx, ident.UserID)

	if cache != nil && !filter.Filtered() && !res.RemoteFailed {
		if err := cache.ReplaceUserConversations(ctx, ident.UserID, res.Conversations); err != nil {
			util.LoggerFromContext(ctx).Warn("write merged history to local cache failed", "err", err)
		}
	}
	return HistoryResult{Conversations: applyFilter(res.Conversations, filter), RemoteFailed: res.RemoteFailed}
}

func applyFilter(items []domain.Conversation, filter store.ConversationFilter) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(items))
	for _, c := range items {
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ReconcileUpload merges a conversation list posted by a client (its local
// cache) with the store. Corrupt entries are skipped.
func (a *App) ReconcileUpload(ctx context.Context, ident domain.Identity, raw []json.RawMessage) HistoryResult {
	local := localstate.DecodeConversations(ctx, raw)
	r := reconcile.Reconciler{
		Local: reconcile.ListerFunc(func(context.Context, string) ([]domain.Conversation, error) {
			return local, nil
		}),
		Remote: reconcile.ListerFunc(func(ctx context.Context, userID string) ([]domain.Conversation, error) {
			return a.store.ListConversations(ctx, userID, store.ConversationFilter{})
		}),
	}
	res := r.Reconcile(ctx, ident.UserID)
	return HistoryResult{Conversations: res.Conversations, RemoteFailed: res.RemoteFailed}
}

// PreviousQuestions lists the distinct questions the user asked about a
// document, most recent conversation first.
func (a *App) PreviousQuestions(ctx context.Context, ident domain.Identity, cache *localstate.Cache, fp string) ([]string, error) {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return nil, fmt.Errorf("%w: fingerprint is required", ErrInvalidInput)
	}
	hist := a.History(ctx, ident, cache, store.ConversationFilter{Fingerprint: fp})
	seen := make(map[string]struct{})
	out := []string{}
	for _, conv := range hist.Conversations {
		for _, msg := range conv.Messages {
			if msg.Role != domain.RoleUser {
				continue
			}
			if _, ok := seen[msg.Content]; ok {
				continue
			}
			seen[msg.Content] = struct{}{}
			out = append(out, msg.Content)
		}
	}
	return out, nil
}

// DeleteConversation removes a conversation by id or conversation id from
// both the store and the client cache.
func (a *App) DeleteConversation(ctx context.Context, ident domain.Identity, cache *localstate.Cache, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	removed, err := a.store.DeleteConversation(ctx, ident.UserID, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if cache != nil {
		local, err := cache.RemoveConversation(ctx, ident.UserID, id)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("remove conversation from local cache failed", "conversation_id", id, "err", err)
		}
		removed = removed || local
	}
	if !removed {
		return ErrConversationNotFound
	}
	return nil
}

type DeleteAllResult struct {
	Deleted      int64 `json:"deleted"`
	LocalDeleted int   `json:"localDeleted"`
}

// DeleteAllConversations removes every conversation of the user from both
// the store and the client cache.
func (a *App) DeleteAllConversations(ctx context.Context, ident domain.Identity, cache *localstate.Cache) (DeleteAllResult, error) {
	n, err := a.store.DeleteAllConversations(ctx, ident.UserID)
	if err != nil {
		return DeleteAllResult{}, fmt.Errorf("delete conversations: %w", err)
	}
	res := DeleteAllResult{Deleted: n}
	if cache != nil {
		local, err := cache.RemoveUserConversations(ctx, ident.UserID)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("clear local history failed", "err", err)
		}
		res.LocalDeleted = local
	}
	util.LoggerFromContext(ctx).Info("deleted all conversations", "deleted", res.Deleted, "local_deleted", res.LocalDeleted)
	return res, nil
}
