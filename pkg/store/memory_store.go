package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
)

type docKey struct{ user, fingerprint string }

type convKey struct{ user, conversationID string }

// MemoryStore keeps every record in-process. It backs local development and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	users   map[string]domain.User // key: user ID
	emails  map[string]string      // email -> user ID
	docs    map[docKey]domain.Document
	convs   map[string]domain.Conversation // key: row ID
	convIdx map[convKey]string             // (user, conversationId) -> row ID
	sums    map[docKey]domain.Summary
	bulk    map[docKey]domain.BulkAnswers

	now func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]domain.User),
		emails:  make(map[string]string),
		docs:    make(map[docKey]domain.Document),
		convs:   make(map[string]domain.Conversation),
		convIdx: make(map[convKey]string),
		sums:    make(map[docKey]domain.Summary),
		bulk:    make(map[docKey]domain.BulkAnswers),
		now:     time.Now,
	}
}

// CreateUser registers a user; emails are unique case-insensitively.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := m.emails[email]; ok {
		return ErrDuplicate
	}
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.emails[strings.ToLower(email)]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns every account, oldest first.
func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// UpsertDocument inserts or refreshes a document. The first upload time is kept.
func (m *MemoryStore) UpsertDocument(_ context.Context, d domain.Document) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := docKey{d.UserID, d.Fingerprint}
	if existing, ok := m.docs[key]; ok {
		d.UploadedAt = existing.UploadedAt
	}
	m.docs[key] = d
	return d, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, userID, fingerprint string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[docKey{userID, fingerprint}]
	return d, ok, nil
}

// ListDocuments returns the user's documents, most recently accessed first.
func (m *MemoryStore) ListDocuments(_ context.Context, userID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for key, d := range m.docs {
		if key.user == userID {
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].LastAccessedAt.After(res[j].LastAccessedAt)
	})
	return res, nil
}

// AppendMessage appends msg to (userID, ref.ConversationID), creating the
// conversation on first message.
func (m *MemoryStore) AppendMessage(_ context.Context, userID string, ref domain.ConversationRef, msg domain.Message) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	key := convKey{userID, ref.ConversationID}
	rowID, ok := m.convIdx[key]
	var conv domain.Conversation
	if ok {
		conv = m.convs[rowID]
	} else {
		rowID = util.NewID()
		conv = domain.Conversation{
			ID:                  rowID,
			ConversationID:      ref.ConversationID,
			UserID:              userID,
			DocumentID:          ref.DocumentID,
			DocumentName:        ref.DocumentName,
			DocumentFingerprint: ref.DocumentFingerprint,
			UploadTimestamp:     ref.UploadTimestamp,
			CreatedAt:           now,
		}
		m.convIdx[key] = rowID
	}
	conv.Messages = append(cloneMessages(conv.Messages), msg)
	conv.UpdatedAt = now
	m.convs[rowID] = conv
	return cloneConversation(conv), nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (m *MemoryStore) ListConversations(_ context.Context, userID string, filter ConversationFilter) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.convs {
		if c.UserID == userID && filter.Matches(c) {
			res = append(res, cloneConversation(c))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].UpdatedAt.After(res[j].UpdatedAt)
		}
		return res[i].ID < res[j].ID
	})
	if limit := filter.EffectiveLimit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// GetConversation finds a conversation by row id or conversation id.
func (m *MemoryStore) GetConversation(_ context.Context, userID, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rowID, ok := m.lookupLocked(userID, id)
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return cloneConversation(m.convs[rowID]), true, nil
}

func (m *MemoryStore) lookupLocked(userID, id string) (string, bool) {
	if c, ok := m.convs[id]; ok && c.UserID == userID {
		return id, true
	}
	rowID, ok := m.convIdx[convKey{userID, id}]
	return rowID, ok
}

func (m *MemoryStore) DeleteConversation(_ context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rowID, ok := m.lookupLocked(userID, id)
	if !ok {
		return false, nil
	}
	c := m.convs[rowID]
	delete(m.convIdx, convKey{userID, c.ConversationID})
	delete(m.convs, rowID)
	return true, nil
}

func (m *MemoryStore) DeleteAllConversations(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for rowID, c := range m.convs {
		if c.UserID != userID {
			continue
		}
		delete(m.convIdx, convKey{userID, c.ConversationID})
		delete(m.convs, rowID)
		n++
	}
	return n, nil
}

// UpsertSummary stores the summary of (userID, fingerprint), keeping createdAt.
func (m *MemoryStore) UpsertSummary(_ context.Context, s domain.Summary) (domain.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := docKey{s.UserID, s.DocumentFingerprint}
	now := m.now().UTC()
	s.UpdatedAt = now
	if existing, ok := m.sums[key]; ok {
		s.CreatedAt = existing.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	m.sums[key] = s
	return s, nil
}

func (m *MemoryStore) GetSummary(_ context.Context, userID, fingerprint string) (domain.Summary, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sums[docKey{userID, fingerprint}]
	return s, ok, nil
}

// ListSummaries returns the user's summaries, newest first.
func (m *MemoryStore) ListSummaries(_ context.Context, userID string) ([]domain.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Summary, 0)
	for key, s := range m.sums {
		if key.user == userID {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) SaveBulkAnswers(_ context.Context, b domain.BulkAnswers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := docKey{b.UserID, b.DocumentFingerprint}
	now := m.now().UTC()
	b.UpdatedAt = now
	if existing, ok := m.bulk[key]; ok {
		b.CreatedAt = existing.CreatedAt
	} else {
		b.CreatedAt = now
	}
	b.Answers = append([]domain.QuestionAnswer(nil), b.Answers...)
	m.bulk[key] = b
	return nil
}

func (m *MemoryStore) GetBulkAnswers(_ context.Context, userID, fingerprint string) (domain.BulkAnswers, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bulk[docKey{userID, fingerprint}]
	if ok {
		b.Answers = append([]domain.QuestionAnswer(nil), b.Answers...)
	}
	return b, ok, nil
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return out
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Messages = cloneMessages(c.Messages)
	return c
}
