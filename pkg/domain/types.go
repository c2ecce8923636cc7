package domain

import "time"

type MessageRole string

const (
	RoleUser MessageRole = "user"
	RoleAI   MessageRole = "ai"
)

// Valid reports whether r is one of the known roles.
func (r MessageRole) Valid() bool {
	return r == RoleUser || r == RoleAI
}

const (
	// GeneralDocumentID names conversations held without any document.
	GeneralDocumentID   = "general-conversation"
	GeneralDocumentName = "General Conversation"
)

type SummaryMethod string

const (
	SummaryRemote     SummaryMethod = "remote"
	SummaryGenerator  SummaryMethod = "generator"
	SummaryExtractive SummaryMethod = "extractive"
)

type IdentitySource string

const (
	SourceHeader   IdentitySource = "header"
	SourceSession  IdentitySource = "session"
	SourceBearer   IdentitySource = "bearer"
	SourceCookie   IdentitySource = "cookie"
	SourceFallback IdentitySource = "fallback"
)

// Identity is the resolved caller. UserID is an opaque string: an email,
// an arbitrary header value, or a generated "user-{millis}" id.
type Identity struct {
	UserID string         `json:"userId"`
	Source IdentitySource `json:"source"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AuthUser is the display-only account snapshot kept in client state.
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Document is the per-user metadata of an uploaded document.
type Document struct {
	UserID          string    `json:"userId"`
	Fingerprint     string    `json:"fingerprint"`
	Name            string    `json:"name"`
	Size            int64     `json:"size"`
	UploadTimestamp int64     `json:"uploadTimestamp"`
	StorageKey      string    `json:"-"`
	UploadedAt      time.Time `json:"uploadedAt"`
	LastAccessedAt  time.Time `json:"lastAccessedAt"`
}

// DocumentContent is the extracted text served to question answering.
type DocumentContent struct {
	Fingerprint string    `json:"fingerprint"`
	FileName    string    `json:"fileName"`
	Content     string    `json:"content"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// DocumentMetadata is the client's current document.
type DocumentMetadata struct {
	Fingerprint     string `json:"fingerprint"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}

type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

type Conversation struct {
	ID                  string    `json:"id"`
	ConversationID      string    `json:"conversationId"`
	UserID              string    `json:"userId"`
	DocumentID          string    `json:"documentId"`
	DocumentName        string    `json:"documentName"`
	DocumentFingerprint string    `json:"documentFingerprint,omitempty"`
	UploadTimestamp     int64     `json:"uploadTimestamp,omitempty"`
	Messages            []Message `json:"messages"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// ConversationRef carries the document context of a message being appended.
type ConversationRef struct {
	ConversationID      string
	DocumentID          string
	DocumentName        string
	DocumentFingerprint string
	UploadTimestamp     int64
}

type Summary struct {
	UserID              string        `json:"userId"`
	DocumentFingerprint string        `json:"documentFingerprint"`
	DocumentName        string        `json:"documentName"`
	Content             string        `json:"content"`
	Method              SummaryMethod `json:"method"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

type QuestionAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// BulkAnswers holds the answers to the default questions for one document.
type BulkAnswers struct {
	UserID              string           `json:"userId"`
	DocumentFingerprint string           `json:"documentFingerprint"`
	Answers             []QuestionAnswer `json:"answers"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}
