package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type DocumentModel struct {
	UserID          string `gorm:"primaryKey"`
	Fingerprint     string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"not null"`
	Size            int64  `gorm:"not null"`
	UploadTimestamp int64  `gorm:"not null"`
	StorageKey      string
	UploadedAt      time.Time `gorm:"not null"`
	LastAccessedAt  time.Time `gorm:"not null;index"`
}

type ConversationModel struct {
	ID                  string `gorm:"primaryKey"`
	ConversationID      string `gorm:"not null;uniqueIndex:idx_conversation_user_key,priority:2"`
	UserID              string `gorm:"not null;uniqueIndex:idx_conversation_user_key,priority:1"`
	DocumentID          string `gorm:"index"`
	DocumentName        string
	DocumentFingerprint string `gorm:"index"`
	UploadTimestamp     int64
	MessageCount        int       `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null;index"`
}

// MessageModel.ConversationID references ConversationModel.ID, not the
// derived conversation key.
type MessageModel struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"not null;uniqueIndex:idx_message_seq,priority:1"`
	Seq            int       `gorm:"not null;uniqueIndex:idx_message_seq,priority:2"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	Timestamp      time.Time `gorm:"not null"`
}

type SummaryModel struct {
	UserID              string `gorm:"primaryKey"`
	DocumentFingerprint string `gorm:"primaryKey;size:64"`
	DocumentName        string
	Content             string    `gorm:"type:text;not null"`
	Method              string    `gorm:"not null"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

type BulkAnswersModel struct {
	UserID              string         `gorm:"primaryKey"`
	DocumentFingerprint string         `gorm:"primaryKey;size:64"`
	Answers             datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt           time.Time      `gorm:"not null"`
	UpdatedAt           time.Time      `gorm:"not null"`
}
