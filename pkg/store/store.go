package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"talqs/pkg/domain"
)

var (
	// ErrNotFound is returned by mutations addressed to a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate record")
)

// Default list sizes for conversation queries.
const (
	DefaultFilteredLimit = 50
	DefaultListLimit     = 100
)

// ConversationFilter narrows ListConversations. Fingerprint takes
// precedence over DocumentID when both are set.
type ConversationFilter struct {
	Fingerprint string
	DocumentID  string
	Limit       int
}

// Filtered reports whether the filter narrows by document.
func (f ConversationFilter) Filtered() bool {
	return strings.TrimSpace(f.Fingerprint) != "" || strings.TrimSpace(f.DocumentID) != ""
}

// EffectiveLimit applies the default limit for the filter shape.
func (f ConversationFilter) EffectiveLimit() int {
	if f.Limit > 0 {
		return f.Limit
	}
	if f.Filtered() {
		return DefaultFilteredLimit
	}
	return DefaultListLimit
}

// Matches reports whether c passes the document filter.
func (f ConversationFilter) Matches(c domain.Conversation) bool {
	if fp := strings.TrimSpace(f.Fingerprint); fp != "" {
		return c.DocumentFingerprint == fp
	}
	if id := strings.TrimSpace(f.DocumentID); id != "" {
		return c.DocumentID == id
	}
	return true
}

// Store defines persistence for users, documents, conversations, summaries
// and bulk answers. Every record except users is partitioned by user id.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	// documents
	UpsertDocument(ctx context.Context, d domain.Document) (domain.Document, error)
	GetDocument(ctx context.Context, userID, fingerprint string) (domain.Document, bool, error)
	ListDocuments(ctx context.Context, userID string) ([]domain.Document, error)

	// conversations
	AppendMessage(ctx context.Context, userID string, ref domain.ConversationRef, msg domain.Message) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, userID, id string) (domain.Conversation, bool, error)
	DeleteConversation(ctx context.Context, userID, id string) (bool, error)
	DeleteAllConversations(ctx context.Context, userID string) (int64, error)

	// summaries
	UpsertSummary(ctx context.Context, s domain.Summary) (domain.Summary, error)
	GetSummary(ctx context.Context, userID, fingerprint string) (domain.Summary, bool, error)
	ListSummaries(ctx context.Context, userID string) ([]domain.Summary, error)

	// bulk answers
	SaveBulkAnswers(ctx context.Context, b domain.BulkAnswers) error
	GetBulkAnswers(ctx context.Context, userID, fingerprint string) (domain.BulkAnswers, bool, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (string, error)
	GetUserIDByToken(ctx context.Context, token string) (string, bool, error)
	DeleteSession(ctx context.Context, token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user up to a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID string, since time.Time) error
}
