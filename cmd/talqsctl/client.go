package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"talqs/pkg/domain"
)

const (
	headerUserID   = "X-User-ID"
	headerClientID = "X-Client-ID"
)

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type apiClient struct {
	baseURL  string
	http     *http.Client
	userID   string
	clientID string
}

func newAPIClient(baseURL, userID, clientID string) *apiClient {
	return &apiClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 2 * time.Minute},
		userID:   userID,
		clientID: clientID,
	}
}

type uploadResponse struct {
	Document            domain.Document      `json:"document"`
	ConversationID      string               `json:"conversationId"`
	Summary             string               `json:"summary"`
	SummaryMethod       domain.SummaryMethod `json:"summaryMethod"`
	OriginalTextPreview string               `json:"originalTextPreview"`
}

type askResponse struct {
	Question       string `json:"question"`
	Answer         string `json:"answer"`
	DocumentName   string `json:"documentName"`
	Fingerprint    string `json:"fingerprint"`
	ConversationID string `json:"conversationId"`
	Note           string `json:"note"`
}

func (c *apiClient) Upload(ctx context.Context, path string) (uploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return uploadResponse{}, err
	}
	defer f.Close()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return uploadResponse{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return uploadResponse{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return uploadResponse{}, err
	}
	var out uploadResponse
	err = c.do(ctx, c.userID, http.MethodPost, "/api/documents", &buf, mw.FormDataContentType(), &out)
	return out, err
}

func (c *apiClient) Ask(ctx context.Context, question, fingerprint string) (askResponse, error) {
	body, err := json.Marshal(map[string]string{"question": question, "fingerprint": fingerprint})
	if err != nil {
		return askResponse{}, err
	}
	var out askResponse
	err = c.do(ctx, c.userID, http.MethodPost, "/api/qa", bytes.NewReader(body), "application/json", &out)
	return out, err
}

// ListUserConversations makes the server usable as the remote side of a
// reconcile.Reconciler.
func (c *apiClient) ListUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, userID, http.MethodGet, "/api/chat-history", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// DeleteConversation reports false when the server had no such conversation.
func (c *apiClient) DeleteConversation(ctx context.Context, id string) (bool, error) {
	err := c.do(ctx, c.userID, http.MethodDelete, "/api/chat-history?id="+url.QueryEscape(id), nil, "", nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

func (c *apiClient) DeleteAll(ctx context.Context) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, c.userID, http.MethodDelete, "/api/chat-history/all", nil, "", &out)
	return out.Deleted, err
}

func (c *apiClient) do(ctx context.Context, userID, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(headerUserID, userID)
	req.Header.Set(headerClientID, c.clientID)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
