package app

import (
	"context"
	"fmt"
	"strings"

	"talqs/internal/util"
	"talqs/pkg/ai"
	"talqs/pkg/domain"
	"talqs/pkg/localstate"
	"talqs/pkg/queue"
)

type AskInput struct {
	Question    string `json:"question" validate:"required"`
	Fingerprint string `json:"fingerprint"`
}

type AskResult struct {
	Question       string `json:"question"`
	Answer         string `json:"answer"`
	DocumentName   string `json:"documentName"`
	Fingerprint    string `json:"fingerprint"`
	ConversationID string `json:"conversationId"`
	Note           string `json:"note,omitempty"`
}

// Questions lists the default legal questions.
func (a *App) Questions(ctx context.Context) []string {
	return ai.ListQuestions(ctx, a.questions)
}

// Ask answers a question about the given or current document and records
// the exchange in both the conversation store and the client cache.
func (a *App) Ask(ctx context.Context, ident domain.Identity, cache *localstate.Cache, in AskInput) (AskResult, error) {
	in.Question = strings.TrimSpace(in.Question)
	if err := validateInput(in); err != nil {
		return AskResult{}, err
	}
	doc, err := a.resolveDocument(ctx, ident, cache, in.Fingerprint)
	if err != nil {
		return AskResult{}, err
	}
	answer, fallback := a.answerer.Answer(ctx, doc.content.Content, in.Question)

	ref := doc.ref()
	now := a.now().UTC()
	a.record(ctx, ident, cache, ref,
		domain.Message{Role: domain.RoleUser, Content: in.Question, Timestamp: now},
		domain.Message{Role: domain.RoleAI, Content: answer, Timestamp: now},
	)

	res := AskResult{
		Question:       in.Question,
		Answer:         answer,
		DocumentName:   doc.name,
		Fingerprint:    doc.content.Fingerprint,
		ConversationID: ref.ConversationID,
	}
	if fallback {
		res.Note = ai.FallbackNote
	}
	return res, nil
}

// record appends msgs to the remote store and mirrors them in the client
// cache. Failures on either side are logged; the other side still records.
func (a *App) record(ctx context.Context, ident domain.Identity, cache *localstate.Cache, ref domain.ConversationRef, msgs ...domain.Message) {
	logger := util.LoggerFromContext(ctx).With("conversation_id", ref.ConversationID)
	for _, msg := range msgs {
		if _, err := a.store.AppendMessage(ctx, ident.UserID, ref, msg); err != nil {
			logger.Warn("save message to store failed", "role", msg.Role, "err", err)
		}
		if cache == nil {
			continue
		}
		if _, err := cache.AppendMessage(ctx, ident.UserID, ref, msg); err != nil {
			logger.Warn("save message to local cache failed", "role", msg.Role, "err", err)
		}
	}
}

// EnqueueBulkAnswers schedules answering every default question for a
// document the caller uploaded.
func (a *App) EnqueueBulkAnswers(ctx context.Context, ident domain.Identity, fp string) (queue.JobStatus, error) {
	fp = strings.TrimSpace(fp)
	if _, ok, err := a.store.GetDocument(ctx, ident.UserID, fp); err != nil {
		return queue.JobStatus{}, fmt.Errorf("load document: %w", err)
	} else if !ok {
		return queue.JobStatus{}, ErrDocumentNotFound
	}
	job, err := a.queue.Enqueue(ctx, ident.UserID, fp)
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("enqueue bulk answers: %w", err)
	}
	return job, nil
}

// GetJob returns a job owned by the caller.
func (a *App) GetJob(ctx context.Context, ident domain.Identity, id string) (queue.JobStatus, error) {
	job, ok, err := a.queue.GetJob(ctx, id)
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("load job: %w", err)
	}
	if !ok || job.UserID != ident.UserID {
		return queue.JobStatus{}, ErrJobNotFound
	}
	return job, nil
}

func (a *App) GetBulkAnswers(ctx context.Context, ident domain.Identity, fp string) (domain.BulkAnswers, error) {
	answers, ok, err := a.store.GetBulkAnswers(ctx, ident.UserID, strings.TrimSpace(fp))
	if err != nil {
		return domain.BulkAnswers{}, fmt.Errorf("load bulk answers: %w", err)
	}
	if !ok {
		return domain.BulkAnswers{}, ErrAnswersNotFound
	}
	return answers, nil
}

// BuildBulkAnswers answers every default question for a stored document.
// It is the bulk job handler.
func (a *App) BuildBulkAnswers(ctx context.Context, userID, fp string) error {
	content, ok, err := a.docs.Get(ctx, fp)
	if err != nil {
		return fmt.Errorf("load document content: %w", err)
	}
	if !ok {
		return ErrDocumentNotFound
	}
	answers := a.answerer.AnswerAll(ctx, content.Content, a.Questions(ctx))
	now := a.now().UTC()
	return a.store.SaveBulkAnswers(ctx, domain.BulkAnswers{
		UserID:              userID,
		DocumentFingerprint: fp,
		Answers:             answers,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
}
