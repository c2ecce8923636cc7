package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"talqs/pkg/ai"
	"talqs/pkg/domain"
	"talqs/pkg/fingerprint"
	"talqs/pkg/localstate"
	"talqs/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testNow = time.UnixMilli(1700000000000).UTC()

func newTestApp(t *testing.T, st store.Store) *App {
	t.Helper()
	sessions, err := store.NewJWTSessionStore(testSecret, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	a, err := New(Config{Store: st, Sessions: sessions})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.now = func() time.Time { return testNow }
	return a
}

func newCache() *localstate.Cache {
	return localstate.NewCache(localstate.NewMemoryKV())
}

var alice = domain.Identity{UserID: "alice@example.com", Source: domain.SourceHeader}

const judgment = "The appellant filed a petition in the High Court. The respondent opposed the petition. " +
	"The court examined the evidence on record. The appeal was dismissed with costs."

func upload(t *testing.T, a *App, cache *localstate.Cache) UploadResult {
	t.Helper()
	res, err := a.Upload(context.Background(), alice, cache, UploadInput{FileName: "case.txt", Reader: strings.NewReader(judgment)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return res
}

func TestUploadSetsCurrentDocumentAndSummary(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	res := upload(t, a, cache)

	fp := fingerprint.FingerprintString(judgment)
	if res.Document.Fingerprint != fp {
		t.Fatalf("fingerprint = %q, want %q", res.Document.Fingerprint, fp)
	}
	if want := fingerprint.ConversationKey(fp, testNow.UnixMilli()); res.ConversationID != want {
		t.Fatalf("conversation id = %q, want %q", res.ConversationID, want)
	}
	if res.SummaryMethod != domain.SummaryExtractive || res.Summary != judgment {
		t.Fatalf("summary = %q (%s)", res.Summary, res.SummaryMethod)
	}
	if res.OriginalTextPreview != judgment {
		t.Fatalf("short text should be previewed whole, got %q", res.OriginalTextPreview)
	}
	cur, ok, err := cache.CurrentDocument(context.Background())
	if err != nil || !ok || cur.Fingerprint != fp || cur.UploadTimestamp != testNow.UnixMilli() {
		t.Fatalf("current document = %+v ok=%v err=%v", cur, ok, err)
	}
	if _, err := a.GetSummary(context.Background(), alice, fp); err != nil {
		t.Fatalf("get summary: %v", err)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	a := newTestApp(t, nil)
	a.maxUpload = 16
	tests := []struct {
		name string
		file string
		body string
		want error
	}{
		{name: "unsupported extension", file: "case.docx", body: "text", want: ErrUnsupportedFormat},
		{name: "whitespace only", file: "case.txt", body: " \n\t ", want: ErrEmptyDocument},
		{name: "too large", file: "case.txt", body: strings.Repeat("a", 17), want: ErrFileTooLarge},
		{name: "missing name", file: "", body: "text", want: ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Upload(context.Background(), alice, newCache(), UploadInput{FileName: tc.file, Reader: strings.NewReader(tc.body)})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", previewRunes+10)
	got := preview(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != previewRunes+3 {
		t.Fatalf("preview has %d runes", len([]rune(got)))
	}
}

func TestAskUsesCurrentDocumentAndRecordsBothSides(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	up := upload(t, a, cache)
	ctx := context.Background()

	res, err := a.Ask(ctx, alice, cache, AskInput{Question: "Who filed the petition"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.ConversationID != up.ConversationID || res.DocumentName != "case.txt" {
		t.Fatalf("ask result = %+v", res)
	}
	if res.Note != ai.FallbackNote {
		t.Fatalf("note = %q", res.Note)
	}

	remote, err := a.store.ListConversations(ctx, alice.UserID, store.ConversationFilter{})
	if err != nil || len(remote) != 1 || len(remote[0].Messages) != 2 {
		t.Fatalf("remote conversations = %+v err=%v", remote, err)
	}
	local, err := cache.ListUserConversations(ctx, alice.UserID)
	if err != nil || len(local) != 1 || len(local[0].Messages) != 2 {
		t.Fatalf("local conversations = %+v err=%v", local, err)
	}
	if local[0].Messages[0].Role != domain.RoleUser || local[0].Messages[1].Role != domain.RoleAI {
		t.Fatalf("unexpected roles: %+v", local[0].Messages)
	}
}

func TestAskWithoutDocument(t *testing.T) {
	a := newTestApp(t, nil)
	_, err := a.Ask(context.Background(), alice, newCache(), AskInput{Question: "What happened"})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
	_, err = a.Ask(context.Background(), alice, newCache(), AskInput{Question: "  "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestAskStaysInOwnUploadSession(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	tabA, tabB := newCache(), newCache()

	upA := upload(t, a, tabA)
	a.now = func() time.Time { return testNow.Add(time.Minute) }
	upB := upload(t, a, tabB)
	if upA.ConversationID == upB.ConversationID {
		t.Fatalf("both uploads share conversation %q", upA.ConversationID)
	}

	res, err := a.Ask(ctx, alice, tabA, AskInput{Question: "Who filed the petition"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.ConversationID != upA.ConversationID {
		t.Fatalf("tab A question filed under %q, want %q", res.ConversationID, upA.ConversationID)
	}
	res, err = a.Ask(ctx, alice, tabA, AskInput{Question: "Who opposed it", Fingerprint: upA.Document.Fingerprint})
	if err != nil {
		t.Fatalf("ask with fingerprint: %v", err)
	}
	if res.ConversationID != upA.ConversationID {
		t.Fatalf("tab A fingerprint question filed under %q, want %q", res.ConversationID, upA.ConversationID)
	}
	conv, err := a.SaveMessage(ctx, alice, tabA, SaveMessageInput{Role: "user", Content: "note", DocumentFingerprint: upA.Document.Fingerprint})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if conv.ConversationID != upA.ConversationID {
		t.Fatalf("tab A message filed under %q, want %q", conv.ConversationID, upA.ConversationID)
	}

	// a client without a current document falls back to the latest upload
	res, err = a.Ask(ctx, alice, newCache(), AskInput{Question: "What was decided", Fingerprint: upA.Document.Fingerprint})
	if err != nil {
		t.Fatalf("ask from fresh client: %v", err)
	}
	if res.ConversationID != upB.ConversationID {
		t.Fatalf("fresh client question filed under %q, want %q", res.ConversationID, upB.ConversationID)
	}
}

func TestReuploadStartsSeparateThread(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	ctx := context.Background()

	first := upload(t, a, cache)
	if _, err := a.Ask(ctx, alice, cache, AskInput{Question: "Who filed the petition"}); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	a.now = func() time.Time { return testNow.Add(time.Hour) }
	second := upload(t, a, cache)
	if _, err := a.Ask(ctx, alice, cache, AskInput{Question: "What was decided"}); err != nil {
		t.Fatalf("second ask: %v", err)
	}

	fp := first.Document.Fingerprint
	if second.Document.Fingerprint != fp {
		t.Fatalf("same bytes gave fingerprints %q and %q", fp, second.Document.Fingerprint)
	}
	want := map[string]string{
		fingerprint.ConversationKey(fp, testNow.UnixMilli()):                "Who filed the petition",
		fingerprint.ConversationKey(fp, testNow.Add(time.Hour).UnixMilli()): "What was decided",
	}
	res := a.History(ctx, alice, cache, store.ConversationFilter{Fingerprint: fp})
	if res.RemoteFailed || len(res.Conversations) != 2 {
		t.Fatalf("history = %+v", res)
	}
	for _, c := range res.Conversations {
		question, ok := want[c.ConversationID]
		if !ok {
			t.Fatalf("unexpected conversation %q", c.ConversationID)
		}
		if len(c.Messages) != 2 || c.Messages[0].Content != question {
			t.Fatalf("conversation %q messages = %+v", c.ConversationID, c.Messages)
		}
	}
}

func TestSaveMessageDerivesConversationID(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	ctx := context.Background()

	conv, err := a.SaveMessage(ctx, alice, cache, SaveMessageInput{Role: "user", Content: "hello"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if conv.ConversationID != "general-conversation-0" || conv.DocumentName != domain.GeneralDocumentName {
		t.Fatalf("general conversation = %+v", conv)
	}

	up := upload(t, a, cache)
	conv, err = a.SaveMessage(ctx, alice, cache, SaveMessageInput{Role: "ai", Content: "answer", DocumentFingerprint: up.Document.Fingerprint})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if conv.ConversationID != up.ConversationID || conv.DocumentID != fingerprint.DocumentID(up.Document.Fingerprint) {
		t.Fatalf("document conversation = %+v", conv)
	}

	if _, err := a.SaveMessage(ctx, alice, cache, SaveMessageInput{Role: "system", Content: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

type unavailableStore struct {
	store.Store
}

func (unavailableStore) ListConversations(context.Context, string, store.ConversationFilter) ([]domain.Conversation, error) {
	return nil, errors.New("connection refused")
}

func TestHistoryFallsBackToLocalCache(t *testing.T) {
	a := newTestApp(t, unavailableStore{Store: store.NewMemoryStore()})
	cache := newCache()
	ctx := context.Background()
	if _, err := a.SaveMessage(ctx, alice, cache, SaveMessageInput{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res := a.History(ctx, alice, cache, store.ConversationFilter{})
	if !res.RemoteFailed || len(res.Conversations) != 1 {
		t.Fatalf("history = %+v", res)
	}
}

func TestHistoryMergesAndWritesBack(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	// written from another client, so this cache starts empty
	if _, err := a.SaveMessage(ctx, alice, nil, SaveMessageInput{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cache := newCache()
	res := a.History(ctx, alice, cache, store.ConversationFilter{})
	if res.RemoteFailed || len(res.Conversations) != 1 {
		t.Fatalf("history = %+v", res)
	}
	local, err := cache.ListUserConversations(ctx, alice.UserID)
	if err != nil || len(local) != 1 {
		t.Fatalf("cache after history = %+v err=%v", local, err)
	}

	filtered := a.History(ctx, alice, cache, store.ConversationFilter{Fingerprint: "nope"})
	if len(filtered.Conversations) != 0 {
		t.Fatalf("filtered history = %+v", filtered)
	}
}

func TestReconcileUploadSkipsCorruptEntries(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	good, _ := json.Marshal(domain.Conversation{
		ConversationID: "abc-1",
		UserID:         alice.UserID,
		Messages:       []domain.Message{{Role: domain.RoleUser, Content: "q"}},
		UpdatedAt:      testNow,
	})
	raw := []json.RawMessage{good, json.RawMessage(`{"conversationId": 7`), json.RawMessage(`"text"`)}
	res := a.ReconcileUpload(ctx, alice, raw)
	if len(res.Conversations) != 1 || res.Conversations[0].ConversationID != "abc-1" {
		t.Fatalf("reconciled = %+v", res.Conversations)
	}
}

func TestPreviousQuestionsDeduplicates(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	up := upload(t, a, cache)
	ctx := context.Background()
	for _, q := range []string{"Who is the appellant", "Who is the appellant", "What was decided"} {
		if _, err := a.Ask(ctx, alice, cache, AskInput{Question: q, Fingerprint: up.Document.Fingerprint}); err != nil {
			t.Fatalf("ask: %v", err)
		}
	}
	qs, err := a.PreviousQuestions(ctx, alice, cache, up.Document.Fingerprint)
	if err != nil {
		t.Fatalf("previous questions: %v", err)
	}
	if len(qs) != 2 || qs[0] != "Who is the appellant" || qs[1] != "What was decided" {
		t.Fatalf("questions = %v", qs)
	}
	if _, err := a.PreviousQuestions(ctx, alice, cache, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestDeleteConversationRemovesBothSides(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	ctx := context.Background()
	conv, err := a.SaveMessage(ctx, alice, cache, SaveMessageInput{Role: "user", Content: "hello"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := a.DeleteConversation(ctx, alice, cache, conv.ConversationID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res := a.History(ctx, alice, cache, store.ConversationFilter{}); len(res.Conversations) != 0 {
		t.Fatalf("history after delete = %+v", res.Conversations)
	}
	if err := a.DeleteConversation(ctx, alice, cache, conv.ConversationID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestDeleteAllConversations(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	ctx := context.Background()
	bob := domain.Identity{UserID: "bob", Source: domain.SourceHeader}
	for _, in := range []SaveMessageInput{
		{Role: "user", Content: "one"},
		{Role: "user", Content: "two", ConversationID: "other-1"},
	} {
		if _, err := a.SaveMessage(ctx, alice, cache, in); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, err := a.SaveMessage(ctx, bob, nil, SaveMessageInput{Role: "user", Content: "bob"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := a.DeleteAllConversations(ctx, alice, cache)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if res.Deleted != 2 || res.LocalDeleted != 2 {
		t.Fatalf("delete result = %+v", res)
	}
	left, _ := a.store.ListConversations(ctx, bob.UserID, store.ConversationFilter{})
	if len(left) != 1 {
		t.Fatalf("other user's conversations were touched: %+v", left)
	}
}

func TestSignUpLoginLogout(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	ctx := context.Background()

	if _, err := a.SignUp(ctx, SignUpInput{Email: "Judge@Example.com", Password: "longenough", Name: "Judge"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, err := a.SignUp(ctx, SignUpInput{Email: "judge@example.com", Password: "longenough"}); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("err = %v, want ErrEmailAlreadyExists", err)
	}
	if _, err := a.SignUp(ctx, SignUpInput{Email: "not-an-email", Password: "longenough"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := a.SignUp(ctx, SignUpInput{Email: "x@example.com", Password: "short"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}

	if _, err := a.Login(ctx, cache, LoginInput{Email: "judge@example.com", Password: "wrong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	sess, err := a.Login(ctx, cache, LoginInput{Email: "judge@example.com", Password: "longenough"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	uid, ok, err := a.sessions.GetUserIDByToken(ctx, sess.Token)
	if err != nil || !ok || uid != sess.User.ID {
		t.Fatalf("token user = %q ok=%v err=%v", uid, ok, err)
	}
	if me := a.Me(ctx, alice, cache); me.DisplayName != "Judge" || me.UserID != alice.UserID {
		t.Fatalf("me = %+v", me)
	}

	if err := a.Logout(ctx, cache, sess.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok, _ := a.sessions.GetUserIDByToken(ctx, sess.Token); ok {
		t.Fatalf("token still valid after logout")
	}
	if me := a.Me(ctx, alice, cache); me.DisplayName != alice.UserID {
		t.Fatalf("display name after logout = %q", me.DisplayName)
	}
}

func TestListUsers(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	if users, err := a.ListUsers(ctx); err != nil || len(users) != 0 {
		t.Fatalf("users before signup = %+v err=%v", users, err)
	}
	created, err := a.SignUp(ctx, SignUpInput{Email: "Clerk@Example.com", Password: "longenough", Name: "Clerk"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	users, err := a.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0] != created || users[0].Email != "clerk@example.com" {
		t.Fatalf("users = %+v, want [%+v]", users, created)
	}
}

func TestTheme(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	ctx := context.Background()
	if got, _ := a.Theme(ctx, cache); got != "system" {
		t.Fatalf("default theme = %q", got)
	}
	if _, err := a.SetTheme(ctx, cache, ThemeInput{Theme: "Dark"}); err != nil {
		t.Fatalf("set theme: %v", err)
	}
	if got, _ := a.Theme(ctx, cache); got != "dark" {
		t.Fatalf("theme = %q", got)
	}
	if _, err := a.SetTheme(ctx, cache, ThemeInput{Theme: "neon"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBulkAnswers(t *testing.T) {
	a := newTestApp(t, nil)
	cache := newCache()
	up := upload(t, a, cache)
	ctx := context.Background()
	fp := up.Document.Fingerprint

	job, err := a.EnqueueBulkAnswers(ctx, alice, fp)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := a.GetJob(ctx, alice, job.ID); err != nil {
		t.Fatalf("get job: %v", err)
	}
	if _, err := a.GetJob(ctx, domain.Identity{UserID: "mallory"}, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
	if _, err := a.EnqueueBulkAnswers(ctx, alice, "missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}

	if err := a.BuildBulkAnswers(ctx, alice.UserID, fp); err != nil {
		t.Fatalf("build: %v", err)
	}
	answers, err := a.GetBulkAnswers(ctx, alice, fp)
	if err != nil {
		t.Fatalf("get answers: %v", err)
	}
	if len(answers.Answers) != len(ai.DefaultQuestions) {
		t.Fatalf("got %d answers, want %d", len(answers.Answers), len(ai.DefaultQuestions))
	}
}
