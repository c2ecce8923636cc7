package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"talqs/internal/util"
	"talqs/pkg/docstore"
	"talqs/pkg/domain"
	"talqs/pkg/extract"
	"talqs/pkg/fingerprint"
	"talqs/pkg/localstate"
	"talqs/pkg/storage"
)

const previewRunes = 300

type UploadInput struct {
	FileName string
	Reader   io.Reader
}

type UploadResult struct {
	Document            domain.Document      `json:"document"`
	ConversationID      string               `json:"conversationId"`
	Summary             string               `json:"summary"`
	SummaryMethod       domain.SummaryMethod `json:"summaryMethod"`
	OriginalTextPreview string               `json:"originalTextPreview"`
}

// Upload fingerprints, extracts, stores and summarizes a document, and
// makes it the client's current document.
func (a *App) Upload(ctx context.Context, ident domain.Identity, cache *localstate.Cache, in UploadInput) (UploadResult, error) {
	logger := util.LoggerFromContext(ctx)
	name := filepath.Base(strings.TrimSpace(in.FileName))
	if name == "." || name == "/" || name == "" {
		return UploadResult{}, fmt.Errorf("%w: file name required", ErrInvalidInput)
	}
	if !a.extractor.Supports(name) {
		return UploadResult{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if in.Reader == nil {
		return UploadResult{}, fmt.Errorf("%w: file required", ErrInvalidInput)
	}
	data, err := io.ReadAll(io.LimitReader(in.Reader, a.maxUpload+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > a.maxUpload {
		return UploadResult{}, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, a.maxUpload)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return UploadResult{}, ErrEmptyDocument
	}

	fp := fingerprint.Fingerprint(data)
	now := a.now().UTC()
	uploadTS := now.UnixMilli()
	logger = logger.With("fingerprint", fp, "file_name", name)

	text, err := a.extractor.Extract(name, data)
	switch {
	case errors.Is(err, extract.ErrNoText):
		return UploadResult{}, ErrEmptyDocument
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return UploadResult{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	case err != nil:
		return UploadResult{}, fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}

	ext := filepath.Ext(name)
	var storageKey string
	if a.archive != nil {
		key := storage.DocumentKey(ident.UserID, fp, ext)
		if err := a.archive.Put(ctx, key, data, storage.ContentType(ext)); err != nil {
			logger.Warn("archive upload failed", "key", key, "err", err)
		} else {
			storageKey = key
		}
	}

	if err := a.docs.Put(ctx, domain.DocumentContent{Fingerprint: fp, FileName: name, Content: text, StoredAt: now}); err != nil {
		if errors.Is(err, docstore.ErrTooLarge) {
			return UploadResult{}, fmt.Errorf("%w: extracted text exceeds the store limit", ErrFileTooLarge)
		}
		return UploadResult{}, fmt.Errorf("store document content: %w", err)
	}

	doc, err := a.store.UpsertDocument(ctx, domain.Document{
		UserID:          ident.UserID,
		Fingerprint:     fp,
		Name:            name,
		Size:            int64(len(data)),
		UploadTimestamp: uploadTS,
		StorageKey:      storageKey,
		UploadedAt:      now,
		LastAccessedAt:  now,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("save document: %w", err)
	}

	if cache != nil {
		meta := domain.DocumentMetadata{Fingerprint: fp, Name: name, Size: doc.Size, UploadTimestamp: uploadTS}
		if err := cache.SetCurrentDocument(ctx, meta); err != nil {
			logger.Warn("set current document failed", "err", err)
		}
	}

	summary, method := a.summarizer.Summarize(ctx, text)
	if _, err := a.store.UpsertSummary(ctx, domain.Summary{
		UserID:              ident.UserID,
		DocumentFingerprint: fp,
		DocumentName:        name,
		Content:             summary,
		Method:              method,
		CreatedAt:           now,
		UpdatedAt:           now,
	}); err != nil {
		logger.Warn("save summary failed", "err", err)
	}
	logger.Info("document uploaded", "size", len(data), "summary_method", method)

	return UploadResult{
		Document:            doc,
		ConversationID:      fingerprint.ConversationKey(fp, uploadTS),
		Summary:             summary,
		SummaryMethod:       method,
		OriginalTextPreview: preview(text),
	}, nil
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes]) + "..."
}

func (a *App) ListDocuments(ctx context.Context, ident domain.Identity) ([]domain.Document, error) {
	return a.store.ListDocuments(ctx, ident.UserID)
}

func (a *App) GetDocument(ctx context.Context, ident domain.Identity, fp string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(ctx, ident.UserID, strings.TrimSpace(fp))
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

func (a *App) GetSummary(ctx context.Context, ident domain.Identity, fp string) (domain.Summary, error) {
	sum, ok, err := a.store.GetSummary(ctx, ident.UserID, strings.TrimSpace(fp))
	if err != nil {
		return domain.Summary{}, fmt.Errorf("load summary: %w", err)
	}
	if !ok {
		return domain.Summary{}, ErrSummaryNotFound
	}
	return sum, nil
}

func (a *App) ListSummaries(ctx context.Context, ident domain.Identity) ([]domain.Summary, error) {
	return a.store.ListSummaries(ctx, ident.UserID)
}

// activeDocument is a document resolved for question answering.
type activeDocument struct {
	content         domain.DocumentContent
	name            string
	uploadTimestamp int64
}

func (d activeDocument) ref() domain.ConversationRef {
	fp := d.content.Fingerprint
	return domain.ConversationRef{
		ConversationID:      fingerprint.ConversationKey(fp, d.uploadTimestamp),
		DocumentID:          fingerprint.DocumentID(fp),
		DocumentName:        d.name,
		DocumentFingerprint: fp,
		UploadTimestamp:     d.uploadTimestamp,
	}
}

// resolveDocument finds the document a question is about: the given
// fingerprint, else the client's current document.
func (a *App) resolveDocument(ctx context.Context, ident domain.Identity, cache *localstate.Cache, fp string) (activeDocument, error) {
	fp = strings.TrimSpace(fp)
	var current domain.DocumentMetadata
	var hasCurrent bool
	if cache != nil {
		var err error
		current, hasCurrent, err = cache.CurrentDocument(ctx)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("read current document failed", "err", err)
		}
	}
	if fp == "" {
		if !hasCurrent {
			return activeDocument{}, ErrDocumentNotFound
		}
		fp = current.Fingerprint
	}
	content, ok, err := a.docs.Get(ctx, fp)
	if err != nil {
		return activeDocument{}, fmt.Errorf("load document content: %w", err)
	}
	if !ok {
		return activeDocument{}, ErrDocumentNotFound
	}

	doc := activeDocument{content: content, name: content.FileName, uploadTimestamp: content.StoredAt.UnixMilli()}
	// The client's own upload owns the thread; the stored record only holds
	// the user's latest upload of fp from any client.
	if hasCurrent && current.Fingerprint == fp && current.UploadTimestamp != 0 {
		doc.name, doc.uploadTimestamp = current.Name, current.UploadTimestamp
	} else if stored, ok, err := a.store.GetDocument(ctx, ident.UserID, fp); err == nil && ok {
		doc.name, doc.uploadTimestamp = stored.Name, stored.UploadTimestamp
	}
	return doc, nil
}
