package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"talqs/internal/util"
	"talqs/pkg/domain"
)

const healthTimeout = 3 * time.Second

// Summarizer condenses a document into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// SummaryClient calls the external summarization server.
type SummaryClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewSummaryClient(baseURL string) *SummaryClient {
	return &SummaryClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Health probes GET /health with a short timeout.
func (c *SummaryClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/health", nil, nil)
}

// Summarize checks the server is up, then posts the text to /summarize.
func (c *SummaryClient) Summarize(ctx context.Context, text string) (string, error) {
	if err := c.Health(ctx); err != nil {
		return "", fmt.Errorf("summarizer health: %w", err)
	}
	var out struct {
		Summary string `json:"summary"`
	}
	in := struct {
		Text string `json:"text"`
	}{Text: text}
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/summarize", in, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", fmt.Errorf("empty summary from %s", c.baseURL)
	}
	return out.Summary, nil
}

const summarySystemPrompt = `You summarize legal judgments for lawyers and law students.
Write a concise, factual summary covering the parties, the legal issues, the court's decision and its reasoning.
Do not invent facts that are not in the document.`

// maxPromptChars bounds the document text sent to an LLM.
const maxPromptChars = 60000

// GeneratorSummarizer summarizes with an LLM.
type GeneratorSummarizer struct {
	gen TextGenerator
}

func NewGeneratorSummarizer(gen TextGenerator) *GeneratorSummarizer {
	return &GeneratorSummarizer{gen: gen}
}

func (s *GeneratorSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	out, err := s.gen.GenerateText(ctx, summarySystemPrompt, "Judgment:\n\n"+truncate(text, maxPromptChars))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("empty summary from generator")
	}
	return strings.TrimSpace(out), nil
}

// FallbackSummarizer tries the remote server, then the generator, then the
// extractive summary. Either backend may be nil.
type FallbackSummarizer struct {
	Remote    Summarizer
	Generator Summarizer
}

// Summarize never fails; the method reports which backend produced the text.
func (f *FallbackSummarizer) Summarize(ctx context.Context, text string) (string, domain.SummaryMethod) {
	logger := util.LoggerFromContext(ctx)
	if f.Remote != nil {
		summary, err := f.Remote.Summarize(ctx, text)
		if err == nil {
			return summary, domain.SummaryRemote
		}
		logger.Warn("summarizer unavailable", "backend", "remote", "err", err)
	}
	if f.Generator != nil {
		summary, err := f.Generator.Summarize(ctx, text)
		if err == nil {
			return summary, domain.SummaryGenerator
		}
		logger.Warn("summarizer unavailable", "backend", "generator", "err", err)
	}
	return ExtractiveSummary(text), domain.SummaryExtractive
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
