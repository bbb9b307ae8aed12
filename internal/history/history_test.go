package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/storage"
)

func openTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s), s
}

func TestCreateSession_Placeholder(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "gemini-2.0-flash", "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("empty session id")
	}
	if sess.Title != PlaceholderTitle {
		t.Errorf("Title = %q, want %q", sess.Title, PlaceholderTitle)
	}
	if sess.Visibility != Private {
		t.Errorf("Visibility = %q, want private", sess.Visibility)
	}

	got, err := m.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got.Title != PlaceholderTitle || got.Model != "gemini-2.0-flash" || got.Owner != "alice" {
		t.Errorf("stored session = %+v", got)
	}
}

func TestSession_NotFound(t *testing.T) {
	m, _ := openTestManager(t)
	_, err := m.Session(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestAppend_UnknownSessionWritesNothing(t *testing.T) {
	m, docs := openTestManager(t)
	ctx := context.Background()

	_, err := m.Append(ctx, "nope", composer.RoleUser, "hello")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
	n, _ := docs.Count(ctx, MessagesCollection)
	if n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestAppend_InvalidRole(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "gemini-2.0-flash", "")

	if _, err := m.Append(ctx, sess.ID, "system", "x"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("error = %v, want ErrInvalidRole", err)
	}
}

func TestHistory_SortedByTimestamp(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "gemini-2.0-flash", "")

	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	t3 := t2.Add(time.Second)

	// Inserted t3, t1, t2.
	for _, tc := range []struct {
		at   time.Time
		text string
	}{{t3, "three"}, {t1, "one"}, {t2, "two"}} {
		if _, err := m.Append(ctx, sess.ID, composer.RoleUser, tc.text, WithCreatedAt(tc.at)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, err := m.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(msgs) != len(want) {
		t.Fatalf("len = %d, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestHistory_EqualTimestampsKeepInsertionOrder(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "gemini-2.0-flash", "")

	same := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	m.Append(ctx, sess.ID, composer.RoleUser, "q", WithCreatedAt(same))
	m.Append(ctx, sess.ID, composer.RoleAssistant, "a", WithCreatedAt(same), WithThinking("hmm"), WithMediaIDs("m1", "m2"))

	msgs, err := m.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "q" || msgs[1].Content != "a" {
		t.Fatalf("history = %+v", msgs)
	}
	if msgs[1].Thinking != "hmm" {
		t.Errorf("Thinking = %q, want hmm", msgs[1].Thinking)
	}
	if len(msgs[1].MediaIDs) != 2 || msgs[1].MediaIDs[1] != "m2" {
		t.Errorf("MediaIDs = %v, want [m1 m2]", msgs[1].MediaIDs)
	}
	if msgs[0].Seq >= msgs[1].Seq {
		t.Errorf("Seq not increasing: %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestRenameAndVisibility(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "gemini-2.0-flash", "")

	if _, err := m.Rename(ctx, sess.ID, "   "); !errors.Is(err, ErrInvalidTitle) {
		t.Errorf("Rename blank error = %v, want ErrInvalidTitle", err)
	}
	got, err := m.Rename(ctx, sess.ID, " Trip ")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got.Title != "Trip" {
		t.Errorf("Title = %q, want Trip", got.Title)
	}

	if _, err := m.SetVisibility(ctx, sess.ID, "secret"); !errors.Is(err, ErrInvalidVisibility) {
		t.Errorf("SetVisibility error = %v, want ErrInvalidVisibility", err)
	}
	got, err = m.SetVisibility(ctx, sess.ID, Public)
	if err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	if got.Visibility != Public || got.Title != "Trip" {
		t.Errorf("session = %+v", got)
	}

	if _, err := m.Rename(ctx, "missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Rename missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestListSessions_NewestFirst(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	first, _ := m.CreateSession(ctx, "gemini-2.0-flash", "alice")
	second, _ := m.CreateSession(ctx, "gemini-2.0-flash", "alice")
	m.CreateSession(ctx, "gemini-2.0-flash", "bob")

	got, err := m.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("ListSessions = %+v", got)
	}
}

func TestGenerateTitle_Success(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "gemini-2.0-flash", "")
	m.Append(ctx, sess.ID, composer.RoleUser, "plan a trip to Lisbon")

	var gotTokens int32
	gen := TitleGeneratorFunc(func(_ context.Context, prompt string, maxTokens int32) (string, error) {
		gotTokens = maxTokens
		return "  \"Lisbon Trip Planning\"\n", nil
	})

	out, err := m.GenerateTitle(ctx, sess.ID, gen)
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if out.Degraded || out.Title != "Lisbon Trip Planning" {
		t.Errorf("outcome = %+v", out)
	}
	if gotTokens != 32 {
		t.Errorf("maxOutputTokens = %d, want 32", gotTokens)
	}

	stored, _ := m.Session(ctx, sess.ID)
	if stored.Title != "Lisbon Trip Planning" {
		t.Errorf("stored Title = %q", stored.Title)
	}
}

func TestGenerateTitle_FailureKeepsPlaceholder(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "gemini-2.0-flash", "")
	m.Append(ctx, sess.ID, composer.RoleUser, "hi")

	for name, gen := range map[string]TitleGenerator{
		"error": TitleGeneratorFunc(func(context.Context, string, int32) (string, error) {
			return "", errors.New("backend down")
		}),
		"blank": TitleGeneratorFunc(func(context.Context, string, int32) (string, error) {
			return "  \n ", nil
		}),
	} {
		t.Run(name, func(t *testing.T) {
			out, err := m.GenerateTitle(ctx, sess.ID, gen)
			if err != nil {
				t.Fatalf("GenerateTitle returned error: %v", err)
			}
			if !out.Degraded || out.Title != PlaceholderTitle || out.Warning == "" {
				t.Errorf("outcome = %+v", out)
			}
			stored, _ := m.Session(ctx, sess.ID)
			if stored.Title != PlaceholderTitle {
				t.Errorf("stored Title = %q, want placeholder", stored.Title)
			}
		})
	}
}

func TestGenerateTitle_MissingSession(t *testing.T) {
	m, _ := openTestManager(t)
	gen := TitleGeneratorFunc(func(context.Context, string, int32) (string, error) { return "x", nil })
	if _, err := m.GenerateTitle(context.Background(), "nope", gen); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestCleanTitle(t *testing.T) {
	tests := map[string]string{
		"  Hello  ":          "Hello",
		"\"Quoted\"":         "Quoted",
		"**Bold**":           "Bold",
		"First line\nsecond": "First line",
		"":                   "",
	}
	for in, want := range tests {
		if got := CleanTitle(in); got != want {
			t.Errorf("CleanTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLock_SerializesPerSession(t *testing.T) {
	m, _ := openTestManager(t)
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "s1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Another session is independent.
	other, err := m.Lock(ctx, "s2")
	if err != nil {
		t.Fatalf("Lock(s2): %v", err)
	}
	other()

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u, err := m.Lock(ctx, "s1")
		if err != nil {
			t.Errorf("second Lock: %v", err)
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	unlock() // idempotent
	wg.Wait()

	if n := m.locks.size(); n != 0 {
		t.Errorf("lock entries = %d, want 0 after release", n)
	}
}

func TestLock_HonoursCancellation(t *testing.T) {
	m, _ := openTestManager(t)

	unlock, _ := m.Lock(context.Background(), "s1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}
