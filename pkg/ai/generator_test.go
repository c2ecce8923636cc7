package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAICompatGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req struct {
			Model    string        `json:"model"`
			Messages []chatMessage `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "m" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" done "}}]}`))
	}))
	defer srv.Close()

	out, err := NewOpenAICompatGenerator(srv.URL+"/v1/", "sk-test", "m").GenerateText(context.Background(), "sys", "user")
	if err != nil || out != "done" {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestOpenAICompatGeneratorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()
	_, err := NewOpenAICompatGenerator(srv.URL, "", "m").GenerateText(context.Background(), "", "u")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestOllamaGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ollama says"}}`))
	}))
	defer srv.Close()
	gen, err := NewGenerator("ollama", srv.URL, "", "llama3")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := gen.GenerateText(context.Background(), "", "hi")
	if err != nil || out != "ollama says" {
		t.Fatalf("got %q, %v", out, err)
	}
	if _, err := NewOllamaGenerator(NewOllamaClient(srv.URL), "").GenerateText(context.Background(), "", "hi"); err == nil {
		t.Fatalf("expected error without model")
	}
}

func TestGeminiGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-pro:generateContent" || r.URL.Query().Get("key") != "k" {
			t.Errorf("url = %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"gemini says"}]}}]}`))
	}))
	defer srv.Close()
	gen, err := NewGenerator("gemini", srv.URL, "k", "models/gemini-pro")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := gen.GenerateText(context.Background(), "sys", "hi")
	if err != nil || out != "gemini says" {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestNewGenerator(t *testing.T) {
	gen, err := NewGenerator("", "", "", "")
	if err != nil || gen != nil {
		t.Fatalf("empty provider should disable generation, got %v, %v", gen, err)
	}
	if _, err := NewGenerator("gemini", "", "", "m"); err == nil {
		t.Fatalf("gemini without key should fail")
	}
	if _, err := NewGenerator("nope", "", "", ""); err == nil {
		t.Fatalf("unknown provider should fail")
	}
}
