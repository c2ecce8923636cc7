package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
)

// FallbackNote accompanies answers produced without a model.
const FallbackNote = "Using fallback method because QA server is unavailable"

// Answerer answers a question against a document's text.
type Answerer interface {
	Answer(ctx context.Context, document, question string) (string, error)
}

// BulkAnswerer answers every default question in one call.
type BulkAnswerer interface {
	AnswerBulk(ctx context.Context, text string) ([]domain.QuestionAnswer, error)
}

// QAClient calls the external question-answering server.
type QAClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewQAClient(baseURL string) *QAClient {
	return &QAClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *QAClient) Answer(ctx context.Context, document, question string) (string, error) {
	in := struct {
		Context  string `json:"context"`
		Question string `json:"question"`
	}{Context: document, Question: question}
	var out struct {
		Answer string `json:"answer"`
	}
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/answer", in, &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}

func (c *QAClient) AnswerBulk(ctx context.Context, text string) ([]domain.QuestionAnswer, error) {
	in := struct {
		Text string `json:"text"`
	}{Text: text}
	var out struct {
		Answers []domain.QuestionAnswer `json:"answers"`
	}
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/answer_bulk", in, &out); err != nil {
		return nil, err
	}
	return out.Answers, nil
}

// Questions lists the server's default questions.
func (c *QAClient) Questions(ctx context.Context) ([]string, error) {
	var out struct {
		DefaultQuestions []string `json:"default_questions"`
	}
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/questions", nil, &out); err != nil {
		return nil, err
	}
	if len(out.DefaultQuestions) == 0 {
		return nil, fmt.Errorf("no questions from %s", c.baseURL)
	}
	return out.DefaultQuestions, nil
}

const answerSystemPrompt = `You answer questions about a legal judgment using only the judgment text provided.
If the text does not contain the answer, say so plainly.`

// GeneratorAnswerer answers with an LLM.
type GeneratorAnswerer struct {
	gen TextGenerator
}

func NewGeneratorAnswerer(gen TextGenerator) *GeneratorAnswerer {
	return &GeneratorAnswerer{gen: gen}
}

func (a *GeneratorAnswerer) Answer(ctx context.Context, document, question string) (string, error) {
	prompt := fmt.Sprintf("Judgment:\n\n%s\n\nQuestion: %s", truncate(document, maxPromptChars), question)
	out, err := a.gen.GenerateText(ctx, answerSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("empty answer from generator")
	}
	return strings.TrimSpace(out), nil
}

// FallbackAnswerer tries the remote server, then the generator, then the
// extractive answer. Either backend may be nil.
type FallbackAnswerer struct {
	Remote    Answerer
	Generator Answerer
	Bulk      BulkAnswerer
}

// Answer never fails. fallbackUsed is true when neither model answered.
func (f *FallbackAnswerer) Answer(ctx context.Context, document, question string) (answer string, fallbackUsed bool) {
	logger := util.LoggerFromContext(ctx)
	if f.Remote != nil {
		answer, err := f.Remote.Answer(ctx, document, question)
		if err == nil && strings.TrimSpace(answer) != "" {
			return answer, false
		}
		logger.Warn("qa server unavailable", "backend", "remote", "err", err)
	}
	if f.Generator != nil {
		answer, err := f.Generator.Answer(ctx, document, question)
		if err == nil {
			return answer, false
		}
		logger.Warn("qa server unavailable", "backend", "generator", "err", err)
	}
	return ExtractiveAnswer(document, question), true
}

// AnswerAll answers every question. The bulk endpoint is tried first; any
// question it leaves unanswered goes through Answer.
func (f *FallbackAnswerer) AnswerAll(ctx context.Context, text string, questions []string) []domain.QuestionAnswer {
	got := make(map[string]string, len(questions))
	if f.Bulk != nil {
		answers, err := f.Bulk.AnswerBulk(ctx, text)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("bulk qa unavailable", "err", err)
		}
		for _, qa := range answers {
			if strings.TrimSpace(qa.Answer) != "" {
				got[qa.Question] = qa.Answer
			}
		}
	}
	out := make([]domain.QuestionAnswer, 0, len(questions))
	for _, q := range questions {
		answer, ok := got[q]
		if !ok {
			answer, _ = f.Answer(ctx, text, q)
		}
		out = append(out, domain.QuestionAnswer{Question: q, Answer: answer})
	}
	return out
}

// QuestionLister is satisfied by QAClient.
type QuestionLister interface {
	Questions(ctx context.Context) ([]string, error)
}

// ListQuestions asks the QA server for its default questions and falls back
// to DefaultQuestions.
func ListQuestions(ctx context.Context, lister QuestionLister) []string {
	if lister != nil {
		qs, err := lister.Questions(ctx)
		if err == nil {
			return qs
		}
		util.LoggerFromContext(ctx).Warn("qa questions unavailable", "err", err)
	}
	return Questions()
}
