package fingerprint

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := FingerprintString("hello world")
	b := Fingerprint([]byte("hello world"))
	if a != b {
		t.Fatalf("identical input gave %q and %q", a, b)
	}
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if a != want {
		t.Fatalf("fingerprint = %q, want %q", a, want)
	}
}

func TestFingerprintNoNormalization(t *testing.T) {
	base := FingerprintString("hello world")
	for _, variant := range []string{"hello world ", "Hello world", "hello  world", "hello world\n", "hello worle"} {
		if FingerprintString(variant) == base {
			t.Fatalf("variant %q collided with base", variant)
		}
	}
}

func TestFingerprintEmpty(t *testing.T) {
	if got := Fingerprint(nil); got != Empty {
		t.Fatalf("empty fingerprint = %q", got)
	}
}

func TestFingerprintReader(t *testing.T) {
	fp, n, err := FingerprintReader(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("fingerprint reader: %v", err)
	}
	if n != 11 {
		t.Fatalf("bytes = %d, want 11", n)
	}
	if fp != FingerprintString("hello world") {
		t.Fatalf("reader fingerprint differs from in-memory fingerprint")
	}

	boom := errors.New("boom")
	if _, _, err := FingerprintReader(iotest.ErrReader(boom)); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

func TestConversationKey(t *testing.T) {
	fp := FingerprintString("hello world")
	first := ConversationKey(fp, 1700000000000)
	second := ConversationKey(fp, 1700000000001)
	if first == second {
		t.Fatalf("separate uploads share key %q", first)
	}
	if want := fp + "-1700000000000"; first != want {
		t.Fatalf("key = %q, want %q", first, want)
	}
	if got := ConversationKey("general-conversation", 42); got != "general-conversation-42" {
		t.Fatalf("document id key = %q", got)
	}
}

func TestFallbackKey(t *testing.T) {
	tests := []struct {
		fp   string
		ts   int64
		user string
		want string
	}{
		{"abc", 12, "u@example.com", "abc-12-u@example.com"},
		{"abc", 0, "u", "abc--u"},
		{"", 0, "u", "--u"},
	}
	for _, tc := range tests {
		if got := FallbackKey(tc.fp, tc.ts, tc.user); got != tc.want {
			t.Fatalf("FallbackKey(%q,%d,%q) = %q, want %q", tc.fp, tc.ts, tc.user, got, tc.want)
		}
	}
}

func TestDocumentID(t *testing.T) {
	if got := DocumentID("b94d27b9934d3e08"); got != "doc-b94d27b9" {
		t.Fatalf("document id = %q", got)
	}
	if got := DocumentID("abc"); got != "doc-abc" {
		t.Fatalf("short document id = %q", got)
	}
}
