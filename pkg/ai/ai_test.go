package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"talqs/pkg/domain"
)

type stubGenerator struct {
	out string
	err error
}

func (g stubGenerator) GenerateText(context.Context, string, string) (string, error) {
	return g.out, g.err
}

func modelServer(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/summarize", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"summary": "summary of " + in.Text})
	})
	mux.HandleFunc("/answer", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Context  string `json:"context"`
			Question string `json:"question"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": in.Question + "|" + in.Context})
	})
	mux.HandleFunc("/answer_bulk", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"answers":[{"question":"Who is the petitioner in the case?","answer":"Mr. A"}]}`))
	})
	mux.HandleFunc("/questions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"default_questions":["q1","q2"]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSummaryClient(t *testing.T) {
	srv := modelServer(t, true)
	got, err := NewSummaryClient(srv.URL).Summarize(context.Background(), "the judgment")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "summary of the judgment" {
		t.Fatalf("summary = %q", got)
	}
}

func TestSummaryClientUnhealthy(t *testing.T) {
	srv := modelServer(t, false)
	_, err := NewSummaryClient(srv.URL).Summarize(context.Background(), "x")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
}

func TestFallbackSummarizerOrder(t *testing.T) {
	ctx := context.Background()
	down := NewSummaryClient(modelServer(t, false).URL)
	long := "a. b. c. d. e. f. g."

	f := &FallbackSummarizer{Remote: down, Generator: NewGeneratorSummarizer(stubGenerator{out: " llm summary "})}
	if got, method := f.Summarize(ctx, long); got != "llm summary" || method != domain.SummaryGenerator {
		t.Fatalf("got (%q, %s)", got, method)
	}

	f.Generator = NewGeneratorSummarizer(stubGenerator{err: errors.New("quota")})
	if got, method := f.Summarize(ctx, long); method != domain.SummaryExtractive || got != ExtractiveSummary(long) {
		t.Fatalf("got (%q, %s)", got, method)
	}

	f.Remote = NewSummaryClient(modelServer(t, true).URL)
	if _, method := f.Summarize(ctx, long); method != domain.SummaryRemote {
		t.Fatalf("method = %s, want remote", method)
	}

	if _, method := (&FallbackSummarizer{}).Summarize(ctx, long); method != domain.SummaryExtractive {
		t.Fatalf("no backends should be extractive, got %s", method)
	}
}

func TestQAClient(t *testing.T) {
	srv := modelServer(t, true)
	c := NewQAClient(srv.URL)
	ctx := context.Background()

	answer, err := c.Answer(ctx, "doc", "q?")
	if err != nil || answer != "q?|doc" {
		t.Fatalf("answer = %q, %v", answer, err)
	}
	bulk, err := c.AnswerBulk(ctx, "doc")
	if err != nil || len(bulk) != 1 || bulk[0].Answer != "Mr. A" {
		t.Fatalf("bulk = %+v, %v", bulk, err)
	}
	qs := ListQuestions(ctx, c)
	if len(qs) != 2 || qs[0] != "q1" {
		t.Fatalf("questions = %v", qs)
	}
}

func TestListQuestionsFallsBackToDefaults(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	qs := ListQuestions(context.Background(), NewQAClient(srv.URL))
	if len(qs) != 15 || qs[0] != "Who is the petitioner in the case?" {
		t.Fatalf("questions = %v", qs)
	}
	qs[0] = "mutated"
	if DefaultQuestions[0] == "mutated" {
		t.Fatalf("ListQuestions must return a copy")
	}
	if got := ListQuestions(context.Background(), nil); len(got) != 15 {
		t.Fatalf("nil lister should use defaults")
	}
}

func TestFallbackAnswerer(t *testing.T) {
	ctx := context.Background()
	doc := "The petitioner filed the appeal. The court dismissed it."

	dead := NewQAClient("http://127.0.0.1:1")
	f := &FallbackAnswerer{Remote: dead}
	answer, fallback := f.Answer(ctx, doc, "Who filed the appeal?")
	if !fallback || !strings.HasPrefix(answer, answerFoundPreface) {
		t.Fatalf("got (%q, %v)", answer, fallback)
	}

	f.Generator = NewGeneratorAnswerer(stubGenerator{out: "The petitioner."})
	if answer, fallback := f.Answer(ctx, doc, "Who?"); fallback || answer != "The petitioner." {
		t.Fatalf("got (%q, %v)", answer, fallback)
	}

	f.Remote = NewQAClient(modelServer(t, true).URL)
	if answer, fallback := f.Answer(ctx, doc, "Who?"); fallback || answer != "Who?|"+doc {
		t.Fatalf("got (%q, %v)", answer, fallback)
	}
}

func TestAnswerAllFillsGapsFromBulk(t *testing.T) {
	srv := modelServer(t, true)
	c := NewQAClient(srv.URL)
	f := &FallbackAnswerer{Remote: c, Bulk: c}
	questions := []string{"Who is the petitioner in the case?", "What evidence was presented?"}
	got := f.AnswerAll(context.Background(), "doc", questions)
	if len(got) != 2 {
		t.Fatalf("answers = %+v", got)
	}
	if got[0].Answer != "Mr. A" {
		t.Fatalf("bulk answer lost: %+v", got[0])
	}
	if got[1].Answer != "What evidence was presented?|doc" {
		t.Fatalf("gap answer = %q", got[1].Answer)
	}
}
