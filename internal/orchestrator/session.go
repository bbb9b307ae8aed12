package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/friday/internal/catalog"
	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/history"
	"github.com/kalambet/friday/internal/logging"
)

type SessionInput struct {
	SessionID string
	// Principal is the caller. Only the owner may post to a session.
	Principal string
	// Model defaults to the session's model.
	Model    string
	Question string
	Params   composer.Params
}

type SessionResult struct {
	Answer    string   `json:"answer"`
	Thinking  string   `json:"thinking,omitempty"`
	ModelUsed string   `json:"model_used"`
	MessageID string   `json:"message_id,omitempty"`
	MediaIDs  []string `json:"media_ids,omitempty"`
	Status    Status   `json:"status"`
	Message   string   `json:"message,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// CanRead reports whether principal may see sess.
func CanRead(sess history.Session, principal string) bool {
	return sess.Visibility == history.Public || CanWrite(sess, principal)
}

// CanWrite reports whether principal owns sess. Sessions without an owner
// are open to everyone.
func CanWrite(sess history.Session, principal string) bool {
	return sess.Owner == "" || sess.Owner == principal
}

func (s *Service) ownedSession(ctx context.Context, id, principal string) (history.Session, error) {
	sess, err := s.history.Session(ctx, id)
	if err != nil {
		return history.Session{}, err
	}
	if !CanWrite(sess, principal) {
		return history.Session{}, fmt.Errorf("%w: %s", history.ErrSessionNotFound, id)
	}
	return sess, nil
}

// SessionMessage runs one conversation turn. The user message is stored
// before generation and the assistant message after it, with the session
// locked for the whole turn.
func (s *Service) SessionMessage(ctx context.Context, in SessionInput) (SessionResult, error) {
	if err := requireText("question", in.Question); err != nil {
		return SessionResult{}, err
	}

	unlock, err := s.history.Lock(ctx, in.SessionID)
	if err != nil {
		return SessionResult{}, err
	}
	defer unlock()

	sess, err := s.ownedSession(ctx, in.SessionID, in.Principal)
	if err != nil {
		return SessionResult{}, err
	}

	model := in.Model
	if model == "" {
		model = sess.Model
	}
	caps, err := s.catalog.CapabilitiesOf(model)
	if err != nil {
		return SessionResult{}, err
	}

	if _, err := s.history.Append(ctx, sess.ID, composer.RoleUser, in.Question); err != nil {
		return SessionResult{}, err
	}
	msgs, err := s.history.History(ctx, sess.ID)
	if err != nil {
		return SessionResult{}, err
	}

	req, err := s.composer.Build(model, caps, history.Messages(msgs), in.Params)
	if err != nil {
		return SessionResult{}, err
	}
	res, err := s.generate(ctx, req, caps.Has(catalog.Thinking))
	if err != nil {
		return SessionResult{}, err
	}

	out := SessionResult{
		Answer:    res.FullText,
		Thinking:  res.ThinkingText,
		ModelUsed: model,
		Status:    StatusOK,
	}
	if res.NoContent() {
		out.Status = StatusNoContent
		out.Message = NoContentMessage
		return out, nil
	}

	out.MediaIDs, out.Status, out.Warnings = s.storeBinaries(ctx, res.Binaries())

	opts := []history.AppendOption{history.WithThinking(res.ThinkingText)}
	if len(out.MediaIDs) > 0 {
		opts = append(opts, history.WithMediaIDs(out.MediaIDs...))
	}
	msg, err := s.history.Append(ctx, sess.ID, composer.RoleAssistant, res.FullText, opts...)
	if err != nil {
		return SessionResult{}, err
	}
	out.MessageID = msg.ID
	return out, nil
}

type TitleResult struct {
	Title   string `json:"title"`
	Status  Status `json:"status"`
	Warning string `json:"warning,omitempty"`
}

// GenerateTitle summarizes the session into a title. Generation failures
// leave the title unchanged and are reported as degraded.
func (s *Service) GenerateTitle(ctx context.Context, sessionID, principal string) (TitleResult, error) {
	unlock, err := s.history.Lock(ctx, sessionID)
	if err != nil {
		return TitleResult{}, err
	}
	defer unlock()

	sess, err := s.ownedSession(ctx, sessionID, principal)
	if err != nil {
		return TitleResult{}, err
	}

	model := sess.Model
	if caps, err := s.catalog.CapabilitiesOf(model); err != nil || caps.Has(catalog.ImageGen) {
		model = catalog.TitleModel
	}

	outcome, err := s.history.GenerateTitle(ctx, sessionID, titleGenerator{s: s, model: model})
	if err != nil {
		return TitleResult{}, err
	}
	out := TitleResult{Title: outcome.Title, Status: StatusOK}
	if outcome.Degraded {
		out.Status = StatusDegraded
		out.Warning = outcome.Warning
	}
	return out, nil
}

type titleGenerator struct {
	s     *Service
	model string
}

func (g titleGenerator) Summarize(ctx context.Context, prompt string, maxOutputTokens int32) (string, error) {
	caps, err := g.s.catalog.CapabilitiesOf(g.model)
	if err != nil {
		return "", err
	}
	req, err := g.s.composer.Build(g.model, caps, singleTurn(prompt), composer.Params{MaxOutputTokens: &maxOutputTokens})
	if err != nil {
		return "", err
	}
	// A title needs neither the persona nor tools.
	req.System = ""
	req.Search = false

	res, err := g.s.generate(ctx, req, caps.Has(catalog.Thinking))
	if err != nil {
		return "", err
	}
	if res.FullText == "" {
		logging.FromContext(ctx).Warn("title model returned no text", "model", g.model, "skipped", res.Skipped)
		return "", errors.New(NoContentMessage)
	}
	return res.FullText, nil
}
