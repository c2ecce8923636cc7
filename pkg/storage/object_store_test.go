package storage

import (
	"context"
	"testing"
)

func TestDocumentKey(t *testing.T) {
	got := DocumentKey("alice@example.com", "abc123", ".PDF")
	if got != "documents/alice@example.com/abc123.pdf" {
		t.Fatalf("key = %q", got)
	}
	if got := DocumentKey("a/b", "fp", ".txt"); got != "documents/a%2Fb/fp.txt" {
		t.Fatalf("slashes in user id must be escaped, got %q", got)
	}
}

func TestContentType(t *testing.T) {
	for ext, want := range map[string]string{
		".pdf": "application/pdf",
		".HTM": "text/html; charset=utf-8",
		".txt": "text/plain; charset=utf-8",
	} {
		if got := ContentType(ext); got != want {
			t.Fatalf("ContentType(%q) = %q, want %q", ext, got, want)
		}
	}
}

func TestMemoryArchive(t *testing.T) {
	a := NewMemoryArchive()
	ctx := context.Background()
	data := []byte("judgment")
	if err := a.Put(ctx, "k", data, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data[0] = 'X'
	got, ct, ok := a.Object("k")
	if !ok || string(got) != "judgment" || ct != "text/plain" {
		t.Fatalf("object = %q %q %v", got, ct, ok)
	}
	_ = a.Delete(ctx, "k")
	if _, _, ok := a.Object("k"); ok {
		t.Fatalf("expected object deleted")
	}
}
