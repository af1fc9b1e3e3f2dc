package state

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/MegaGrindStone/chat-sync/internal/services"
	"github.com/MegaGrindStone/chat-sync/internal/stream"
)

// exchange is the handle of one in-flight request. Chunks are applied only while it is the Store's
// active exchange, so a feed outliving a cancel or a retry is discarded.
type exchange struct {
	ctx    context.Context
	cancel context.CancelFunc

	botID   string
	prompt  string
	session models.SessionRef

	// user is written through to the local store when the conversation is already stored there.
	user *models.Message
	// stale lists stored messages a retry truncated away.
	stale []string
}

const emptyReplyMessage = "The assistant returned an empty response. Please try again."

// SendMessage appends text as a user message and asks the remote API for a reply, which streams into
// a bot message. It returns false, changing nothing, when text is blank or another reply is still in
// flight.
func (s *Store) SendMessage(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	var ex *exchange
	s.update(func() bool {
		if s.active != nil {
			return false
		}
		user := models.NewMessage(models.SenderUser, text, s.now())
		s.messages = append(s.messages, user)
		ex = s.beginLocked(text)
		if ex.session.Confirmed() {
			ex.user = &user
		}
		return true
	})
	if ex == nil {
		return false
	}

	go s.run(ex)
	return true
}

// HandleRetry sends the user message at index again. Everything after it is dropped and a fresh
// reply is requested. It returns false when index is not a user message or a reply is in flight.
func (s *Store) HandleRetry(index int) bool {
	var ex *exchange
	s.update(func() bool {
		if s.active != nil || index < 0 || index >= len(s.messages) {
			return false
		}
		if s.messages[index].Sender != models.SenderUser {
			return false
		}

		var stale []string
		for _, m := range s.messages[index+1:] {
			stale = append(stale, m.ID)
		}
		s.messages = slices.Clone(s.messages[:index+1])

		ex = s.beginLocked(s.messages[index].Content)
		if ex.session.Confirmed() {
			ex.stale = stale
		}
		return true
	})
	if ex == nil {
		return false
	}

	go s.run(ex)
	return true
}

// CancelResponse aborts the reply in flight. An empty bot placeholder is removed; partial content is
// kept as it is. Calling it with nothing in flight does nothing.
func (s *Store) CancelResponse() {
	var save *pendingSave
	s.update(func() bool {
		ex := s.active
		if ex == nil {
			return false
		}
		ex.cancel()
		s.active = nil
		s.phase = PhaseIdle

		i := s.messageIndex(ex.botID)
		if i < 0 {
			return true
		}
		if s.messages[i].Content == "" {
			s.messages = slices.Delete(s.messages, i, i+1)
			return true
		}
		if s.session.Confirmed() {
			save = s.touchSummaryLocked(s.session.ID(), "")
		}
		return true
	})

	if save != nil {
		s.scheduleSave(*save)
	}
}

// beginLocked allocates a session if needed, appends the bot placeholder and registers a new active
// exchange.
func (s *Store) beginLocked(prompt string) *exchange {
	now := s.now()
	if s.session.IsZero() {
		s.session = models.PendingSession()
	}
	if !s.session.Confirmed() && s.summaryIndex(s.session.ID()) < 0 {
		s.conversations = slices.Insert(s.conversations, 0, models.ConversationSummary{
			ID:        s.session.ID(),
			Title:     models.DeriveTitle(prompt),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	bot := models.NewMessage(models.SenderBot, "", now)
	s.messages = append(s.messages, bot)

	ctx, cancel := context.WithCancel(s.ctx)
	ex := &exchange{
		ctx:     ctx,
		cancel:  cancel,
		botID:   bot.ID,
		prompt:  prompt,
		session: s.session,
	}
	s.active = ex
	s.phase = PhaseSending
	s.err = ""
	s.epoch++
	s.wg.Add(1)
	return ex
}

func (s *Store) run(ex *exchange) {
	defer s.wg.Done()
	defer ex.cancel()

	if ex.user != nil {
		s.local.AddMessage(ex.ctx, ex.session.ID(), *ex.user)
	}
	for _, id := range ex.stale {
		s.local.DeleteMessage(ex.ctx, ex.session.ID(), id)
	}

	reply, err := s.remote.Generate(ex.ctx, models.GenerateRequest{
		Prompt:         ex.prompt,
		SessionID:      ex.session.ID(),
		IncludeHistory: true,
	}, func(chunk string) {
		s.applyChunk(ex, chunk)
	})
	if err == nil && !reply.Streamed && reply.Response != "" {
		feed := stream.Synthetic(ex.ctx, reply.Response, s.synthetic...)
		_, err = stream.Ingest(feed, func(chunk string) bool {
			return s.applyChunk(ex, chunk)
		})
	}

	switch {
	case services.IsCanceled(err):
		s.abandon(ex)
	case err != nil:
		s.logger.Warn("Failed to generate reply",
			slog.String("session", ex.session.String()),
			slog.String(errLoggerKey, err.Error()))
		s.fail(ex, userMessage(err))
	default:
		s.complete(ex, reply)
	}
}

// applyChunk appends chunk to the bot message of ex and reports whether ex is still current.
func (s *Store) applyChunk(ex *exchange, chunk string) bool {
	applied := false
	s.update(func() bool {
		if s.active != ex {
			return false
		}
		i := s.messageIndex(ex.botID)
		if i < 0 {
			return false
		}
		s.messages[i].Content += chunk
		s.phase = PhaseStreaming
		applied = true
		return true
	})
	return applied
}

// complete freezes the reply and reconciles the session with what the server answered.
func (s *Store) complete(ex *exchange, reply models.GenerateReply) {
	var (
		oldID, newID string
		save         *pendingSave
	)
	s.update(func() bool {
		if s.active != ex {
			return false
		}
		i := s.messageIndex(ex.botID)
		if i < 0 || strings.TrimSpace(s.messages[i].Content) == "" {
			s.failLocked(ex, emptyReplyMessage)
			return true
		}
		s.active = nil
		s.phase = PhaseIdle

		prev := ex.session
		next := prev.Confirm(reply.SessionID)
		newID = next.ID()
		if newID != prev.ID() {
			oldID = prev.ID()
		}
		if s.session.ID() == prev.ID() {
			s.session = next
		}
		s.renameSummaryLocked(prev.ID(), next.ID())
		save = s.touchSummaryLocked(next.ID(), reply.Title)
		return true
	})

	if oldID != "" {
		s.saver.Cancel(saveKey(oldID))
		s.local.DeleteConversation(s.context(), oldID)
		s.logger.Debug("Adopted server session",
			slog.String("from", oldID),
			slog.String("to", newID))
	}
	if save != nil {
		s.scheduleSave(*save)
	}
}

func (s *Store) fail(ex *exchange, msg string) {
	s.update(func() bool {
		if s.active != ex {
			return false
		}
		s.failLocked(ex, msg)
		return true
	})
}

func (s *Store) failLocked(ex *exchange, msg string) {
	s.active = nil
	s.phase = PhaseError
	s.err = msg
	if i := s.messageIndex(ex.botID); i >= 0 {
		s.messages[i].Content = msg
		s.messages[i].Error = true
		s.messages[i].IsRetryable = true
	}
}

// abandon settles an exchange cancelled from outside CancelResponse, such as by Close.
func (s *Store) abandon(ex *exchange) {
	s.mu.Lock()
	current := s.active == ex
	s.mu.Unlock()
	if current {
		s.CancelResponse()
	}
}

// renameSummaryLocked moves the summary of from to id, dropping any other summary already using id.
func (s *Store) renameSummaryLocked(from, id string) {
	if from == id {
		return
	}
	s.conversations = slices.DeleteFunc(s.conversations, func(c models.ConversationSummary) bool {
		return c.ID == id
	})
	if i := s.summaryIndex(from); i >= 0 {
		s.conversations[i].ID = id
	}
}

// touchSummaryLocked brings the summary of id up to date with the messages being viewed and moves it
// to the top of the list. It returns the write the local store needs, if any.
func (s *Store) touchSummaryLocked(id, title string) *pendingSave {
	if s.session.ID() != id {
		return nil
	}

	sum := models.ConversationSummary{ID: id, CreatedAt: s.now()}
	if i := s.summaryIndex(id); i >= 0 {
		sum = s.conversations[i]
		s.conversations = slices.Delete(s.conversations, i, i+1)
	}
	if title != "" {
		sum.Title = title
	}
	sum.UpdatedAt = s.now()

	msgs := persistable(s.messages)
	sum = models.Summarize(sum, msgs)
	s.conversations = slices.Insert(s.conversations, 0, sum)

	if !s.session.Confirmed() || len(msgs) == 0 {
		return nil
	}
	return &pendingSave{id: id, summary: sum, messages: msgs}
}

// persistable leaves out failed replies, which exist only on this device.
func persistable(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Error {
			out = append(out, m)
		}
	}
	return out
}

func userMessage(err error) string {
	var apiErr *services.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "Something went wrong while getting a response. Please try again."
}
