// Package history owns sessions and their ordered messages.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/storage"
)

const (
	SessionsCollection = "sessions"
	MessagesCollection = "messages"

	// PlaceholderTitle names a session until a title is generated or set.
	PlaceholderTitle = "New Chat"

	titleMaxOutputTokens = 32
	titleMaxRunes        = 80
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTitle      = errors.New("title must not be blank")
	ErrInvalidVisibility = errors.New("visibility must be private or public")
	ErrInvalidRole       = errors.New("role must be user or assistant")
)

type Visibility string

const (
	Private Visibility = "private"
	Public  Visibility = "public"
)

func (v Visibility) Valid() bool {
	return v == Private || v == Public
}

type Session struct {
	ID         string     `json:"id"`
	Model      string     `json:"model"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	Owner      string     `json:"owner,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      composer.Role `json:"role"`
	Content   string        `json:"content"`
	Thinking  string        `json:"thinking,omitempty"`
	MediaIDs  []string      `json:"media_ids,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Seq       int64         `json:"seq"`
}

// Messages converts history into composer input.
func Messages(msgs []Message) []composer.Message {
	out := make([]composer.Message, len(msgs))
	for i, m := range msgs {
		out[i] = composer.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// AppendOption sets optional message fields.
type AppendOption func(*Message)

func WithThinking(thinking string) AppendOption {
	return func(m *Message) { m.Thinking = thinking }
}

func WithMediaIDs(ids ...string) AppendOption {
	return func(m *Message) { m.MediaIDs = append([]string(nil), ids...) }
}

// WithCreatedAt overrides the message timestamp. Imports use it to keep the
// original chronology.
func WithCreatedAt(t time.Time) AppendOption {
	return func(m *Message) { m.CreatedAt = t.UTC() }
}

// TitleGenerator returns a short completion for prompt.
type TitleGenerator interface {
	Summarize(ctx context.Context, prompt string, maxOutputTokens int32) (string, error)
}

// TitleGeneratorFunc adapts a function to TitleGenerator.
type TitleGeneratorFunc func(ctx context.Context, prompt string, maxOutputTokens int32) (string, error)

func (f TitleGeneratorFunc) Summarize(ctx context.Context, prompt string, maxOutputTokens int32) (string, error) {
	return f(ctx, prompt, maxOutputTokens)
}

// TitleOutcome is the result of GenerateTitle. Degraded means the title was
// left unchanged.
type TitleOutcome struct {
	Title    string
	Degraded bool
	Warning  string
}

type Manager struct {
	docs   storage.DocumentStore
	locks  keyedMutex
	seq    atomic.Int64
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(docs storage.DocumentStore) *Manager {
	m := &Manager{
		docs:   docs,
		now:    time.Now,
		logger: slog.Default(),
	}
	m.seq.Store(time.Now().UnixNano())
	return m
}

// Lock serializes work on one session. The returned func releases it and is
// safe to call more than once.
func (m *Manager) Lock(ctx context.Context, sessionID string) (func(), error) {
	return m.locks.lock(ctx, sessionID)
}

func (m *Manager) CreateSession(ctx context.Context, model, owner string) (Session, error) {
	if strings.TrimSpace(model) == "" {
		return Session{}, errors.New("model is required")
	}
	now := m.now().UTC()
	doc := storage.Document{
		"model":      model,
		"title":      PlaceholderTitle,
		"visibility": string(Private),
		"owner":      owner,
		"created_at": now,
		"updated_at": now,
	}
	id, err := m.docs.InsertOne(ctx, SessionsCollection, doc)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return Session{
		ID:         id,
		Model:      model,
		Title:      PlaceholderTitle,
		Visibility: Private,
		Owner:      owner,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (m *Manager) Session(ctx context.Context, id string) (Session, error) {
	doc, err := m.docs.FindOne(ctx, SessionsCollection, storage.Filter{"id": id})
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	return sessionFromDoc(doc), nil
}

// ListSessions returns owner's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, owner string) ([]Session, error) {
	docs, err := m.docs.Find(ctx, SessionsCollection, storage.Filter{"owner": owner}, &storage.Sort{Field: "created_at", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]Session, len(docs))
	for i, d := range docs {
		out[i] = sessionFromDoc(d)
	}
	return out, nil
}

func (m *Manager) Rename(ctx context.Context, id, title string) (Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Session{}, ErrInvalidTitle
	}
	return m.update(ctx, id, storage.Document{"title": title})
}

func (m *Manager) SetVisibility(ctx context.Context, id string, v Visibility) (Session, error) {
	if !v.Valid() {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidVisibility, v)
	}
	return m.update(ctx, id, storage.Document{"visibility": string(v)})
}

func (m *Manager) update(ctx context.Context, id string, patch storage.Document) (Session, error) {
	patch["updated_at"] = m.now().UTC()
	err := m.docs.Update(ctx, SessionsCollection, id, patch)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("updating session %s: %w", id, err)
	}
	return m.Session(ctx, id)
}

// Append persists one message. Nothing is written when the session does not
// exist.
func (m *Manager) Append(ctx context.Context, sessionID string, role composer.Role, content string, opts ...AppendOption) (Message, error) {
	if role != composer.RoleUser && role != composer.RoleAssistant {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if _, err := m.Session(ctx, sessionID); err != nil {
		return Message{}, err
	}

	msg := Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: m.now().UTC(),
		Seq:       m.seq.Add(1),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	doc := storage.Document{
		"session_id": msg.SessionID,
		"role":       string(msg.Role),
		"content":    msg.Content,
		"created_at": msg.CreatedAt,
		"seq":        msg.Seq,
	}
	if msg.Thinking != "" {
		doc["thinking"] = msg.Thinking
	}
	if len(msg.MediaIDs) > 0 {
		doc["media_ids"] = msg.MediaIDs
	}

	id, err := m.docs.InsertOne(ctx, MessagesCollection, doc)
	if err != nil {
		return Message{}, fmt.Errorf("appending message to %s: %w", sessionID, err)
	}
	msg.ID = id
	return msg, nil
}

// History returns the session's messages ordered by CreatedAt, ties broken
// by insertion order.
func (m *Manager) History(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := m.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	docs, err := m.docs.Find(ctx, MessagesCollection, storage.Filter{"session_id": sessionID}, nil)
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", sessionID, err)
	}

	msgs := make([]Message, len(docs))
	for i, d := range docs {
		msgs[i] = messageFromDoc(d)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	return msgs, nil
}

// GenerateTitle summarizes the session history into a title and stores it.
// Failures never propagate: the title is left as it was and the outcome is
// marked degraded. A missing session is the only error.
func (m *Manager) GenerateTitle(ctx context.Context, sessionID string, gen TitleGenerator) (TitleOutcome, error) {
	sess, err := m.Session(ctx, sessionID)
	if err != nil {
		return TitleOutcome{}, err
	}

	degrade := func(reason error) (TitleOutcome, error) {
		m.logger.Warn("title generation failed", "session_id", sessionID, "error", reason)
		return TitleOutcome{Title: sess.Title, Degraded: true, Warning: "title generation failed: " + reason.Error()}, nil
	}

	msgs, err := m.History(ctx, sessionID)
	if err != nil {
		return degrade(err)
	}
	if len(msgs) == 0 {
		return degrade(errors.New("session has no messages"))
	}

	raw, err := gen.Summarize(ctx, TitlePrompt(msgs), titleMaxOutputTokens)
	if err != nil {
		return degrade(err)
	}
	title := CleanTitle(raw)
	if title == "" {
		return degrade(errors.New("empty title"))
	}

	if _, err := m.update(ctx, sessionID, storage.Document{"title": title}); err != nil {
		return degrade(err)
	}
	return TitleOutcome{Title: title}, nil
}

// TitlePrompt renders msgs into a summarization prompt.
func TitlePrompt(msgs []Message) string {
	var sb strings.Builder
	sb.WriteString("Write a short title (at most six words) for the conversation below. ")
	sb.WriteString("Reply with the title only, without quotes or punctuation at the end.\n\n")
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	return sb.String()
}

// CleanTitle trims whitespace and wrapping quotes, keeps the first line and
// caps the length.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, "\"'`*")
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > titleMaxRunes {
		s = strings.TrimSpace(string(r[:titleMaxRunes]))
	}
	return s
}

func sessionFromDoc(doc storage.Document) Session {
	return Session{
		ID:         storage.String(doc, "id"),
		Model:      storage.String(doc, "model"),
		Title:      storage.String(doc, "title"),
		Visibility: Visibility(storage.String(doc, "visibility")),
		Owner:      storage.String(doc, "owner"),
		CreatedAt:  storage.Time(doc, "created_at"),
		UpdatedAt:  storage.Time(doc, "updated_at"),
	}
}

func messageFromDoc(doc storage.Document) Message {
	return Message{
		ID:        storage.String(doc, "id"),
		SessionID: storage.String(doc, "session_id"),
		Role:      composer.Role(storage.String(doc, "role")),
		Content:   storage.String(doc, "content"),
		Thinking:  storage.String(doc, "thinking"),
		MediaIDs:  storage.Strings(doc, "media_ids"),
		CreatedAt: storage.Time(doc, "created_at"),
		Seq:       storage.Int64(doc, "seq"),
	}
}
