package app

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrUnsupportedFormat    = errors.New("unsupported file format")
	ErrFileTooLarge         = errors.New("file too large")
	ErrEmptyDocument        = errors.New("document is empty")
	ErrUnreadableDocument   = errors.New("document could not be read")
	ErrDocumentNotFound     = errors.New("no document found, upload a document first")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSummaryNotFound      = errors.New("summary not found")
	ErrAnswersNotFound      = errors.New("bulk answers not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrEmailAlreadyExists   = errors.New("email already exists")
	ErrInvalidCredentials   = errors.New("invalid email or password")
)
