package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/MegaGrindStone/chat-sync/internal/services"
	"github.com/MegaGrindStone/chat-sync/internal/tasks"
)

// pendingSave is a full conversation waiting to be written to the local store, captured when it was
// scheduled so switching away before the write does not lose it.
type pendingSave struct {
	id       string
	summary  models.ConversationSummary
	messages []models.Message
}

const loadAllTaskID = "load-all-conversations"

func saveKey(id string) string {
	return "save-conversation-" + id
}

func refreshKey(id string) string {
	return "refresh-conversation-" + id
}

func deleteKey(id string) string {
	return "delete-conversation-" + id
}

// SwitchConversation shows the conversation id. Whatever the local store holds for it appears first,
// then the remote history replaces it. It returns false when id is already shown or a reply is in
// flight.
func (s *Store) SwitchConversation(id string) bool {
	switched := false
	s.update(func() bool {
		if id == "" || s.active != nil || s.session.ID() == id {
			return false
		}
		s.leaveLocked()
		if i := s.summaryIndex(id); i >= 0 && s.conversations[i].LocalOnly() {
			s.session = models.PendingSessionID(id)
		} else {
			s.session = models.ConfirmedSession(id)
		}
		switched = true
		return true
	})
	if switched {
		s.refreshConversation(id)
	}
	return switched
}

// NewChat leaves the current conversation. No identifier is allocated until the first message is
// sent, so an abandoned new chat leaves nothing behind.
func (s *Store) NewChat() {
	s.update(func() bool {
		if s.active != nil || (s.session.IsZero() && len(s.messages) == 0) {
			return false
		}
		s.leaveLocked()
		return true
	})
}

// DeleteConversationByID removes a conversation from the list and the local store at once. A
// conversation the server knows about is then deleted remotely in the background; if that fails the
// conversation stays hidden and an error is shown. It returns false when id is unknown or a reply is
// in flight.
func (s *Store) DeleteConversationByID(id string) bool {
	var remote, deleted bool
	s.update(func() bool {
		if id == "" || s.active != nil {
			return false
		}
		i := s.summaryIndex(id)
		if i < 0 && s.session.ID() != id {
			return false
		}

		if i >= 0 {
			remote = !s.conversations[i].LocalOnly()
			s.conversations = slices.Delete(s.conversations, i, i+1)
		} else {
			remote = s.session.Confirmed()
		}
		if s.session.ID() == id {
			s.session = models.SessionRef{}
			s.messages = nil
			s.err = ""
			s.phase = PhaseIdle
		}
		if remote {
			s.deleted[id] = true
		}
		deleted = true
		return true
	})
	if !deleted {
		return false
	}

	s.saver.Cancel(saveKey(id))
	s.local.DeleteConversation(s.context(), id)
	if !remote {
		return true
	}

	s.queue.Enqueue(deleteKey(id), func(ctx context.Context) error {
		_, err := s.remote.DeleteConversation(ctx, id)
		var apiErr *services.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete conversation %s: %w", id, err)
		}
		return nil
	}, tasks.WithPriority(priorityDelete), tasks.WithErrorHandler(func(err error) {
		if services.IsCanceled(err) {
			return
		}
		s.update(func() bool {
			s.err = "Failed to delete the conversation on the server: " + userMessage(err)
			return true
		})
	}))
	return true
}

// LoadAllConversations replaces the conversation list with the server's and mirrors every history into
// the local store. When the server cannot be reached the list falls back to what the local store
// holds. It returns false when a load is already outstanding.
func (s *Store) LoadAllConversations() bool {
	return s.queue.Enqueue(loadAllTaskID, s.loadAll, tasks.WithPriority(priorityList))
}

func (s *Store) loadAll(ctx context.Context) error {
	s.setLoading(1)
	defer s.setLoading(-1)
	started := s.now()

	list, err := s.remote.ListConversations(ctx)
	if err != nil {
		if services.IsCanceled(err) {
			return err
		}
		saved := s.persistedSummaries(ctx)
		s.update(func() bool {
			s.conversations, _ = s.mergeLocked(saved, started)
			return true
		})
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	fetched := make([]models.ConversationSummary, 0, len(list))
	for _, h := range list {
		if len(h.History) > 0 {
			fetched = append(fetched, h.Summary())
		}
	}

	var kept map[string]bool
	s.update(func() bool {
		s.conversations, kept = s.mergeLocked(fetched, started)
		return true
	})
	s.mirror(ctx, list, kept)
	return nil
}

// mergeLocked puts fetched summaries in place of the current ones, except for summaries that changed
// after the load began and the unsent conversation being viewed, which the server cannot know yet.
func (s *Store) mergeLocked(
	fetched []models.ConversationSummary,
	started time.Time,
) ([]models.ConversationSummary, map[string]bool) {
	kept := make(map[string]bool)
	merged := make([]models.ConversationSummary, 0, len(fetched)+1)
	for _, c := range s.conversations {
		viewing := c.ID == s.session.ID() && (c.LocalOnly() || s.active != nil)
		if viewing || c.UpdatedAt.After(started) {
			merged = append(merged, c)
			kept[c.ID] = true
		}
	}
	for _, c := range fetched {
		if !kept[c.ID] && !s.deleted[c.ID] {
			merged = append(merged, c)
		}
	}
	slices.SortStableFunc(merged, func(a, b models.ConversationSummary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return merged, kept
}

// mirror makes the local store match the server's list. Conversations in skip changed locally while
// the list was being fetched and are left alone.
func (s *Store) mirror(ctx context.Context, list []models.History, skip map[string]bool) {
	onServer := make(map[string]bool, len(list))
	for _, h := range list {
		onServer[h.SessionID] = true
		if skip[h.SessionID] || s.isDeleted(h.SessionID) || len(h.History) == 0 {
			continue
		}
		var known []models.Message
		if rec, ok := s.local.FullConversation(ctx, h.SessionID); ok {
			known = rec.Messages
		}
		s.local.SaveFullConversation(ctx, h.SessionID, h.Summary(), h.Messages(known))
	}

	for _, c := range s.local.ConversationSummaries(ctx) {
		if !onServer[c.ID] && !skip[c.ID] {
			s.logger.Debug("Removing conversation missing on the server", slog.String("id", c.ID))
			s.local.DeleteConversation(ctx, c.ID)
		}
	}
}

// refreshConversation shows the stored copy of id and then reconciles it with the remote history. A
// remote result is applied only if id is still being viewed and no reply was started meanwhile. The
// stored copy is read on every call since a fetch left pending by an earlier visit refuses a new one.
func (s *Store) refreshConversation(id string) {
	if rec, ok := s.local.FullConversation(s.context(), id); ok {
		s.update(func() bool {
			if s.session.ID() != id || len(s.messages) > 0 {
				return false
			}
			s.messages = rec.Messages
			return true
		})
	}

	s.queue.Enqueue(refreshKey(id), func(ctx context.Context) error {
		s.mu.Lock()
		epoch := s.epoch
		confirmed := s.knownRemotelyLocked(id)
		s.mu.Unlock()

		if !confirmed {
			return nil
		}

		s.setLoading(1)
		defer s.setLoading(-1)

		h, err := s.remote.GetHistory(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to fetch conversation %s: %w", id, err)
		}

		var save *pendingSave
		s.update(func() bool {
			if s.epoch != epoch || s.session.ID() != id {
				return false
			}
			s.messages = h.Messages(s.messages)
			sum := models.ConversationSummary{ID: id}
			i := s.summaryIndex(id)
			if i >= 0 {
				sum = s.conversations[i]
			}
			if h.Title != "" {
				sum.Title = h.Title
			}
			sum = models.Summarize(sum, s.messages)
			switch {
			case i >= 0:
				s.conversations[i] = sum
			case len(s.messages) > 0:
				s.conversations = slices.Insert(s.conversations, 0, sum)
			}
			if len(s.messages) > 0 {
				save = &pendingSave{id: id, summary: sum, messages: slices.Clone(s.messages)}
			}
			return true
		})
		if save != nil && !s.isDeleted(id) {
			s.local.SaveFullConversation(ctx, save.id, save.summary, save.messages)
		}
		return nil
	}, tasks.WithPriority(priorityRefresh), tasks.WithErrorHandler(func(err error) {
		if services.IsCanceled(err) {
			return
		}
		s.update(func() bool {
			// Stored messages stay on screen; the error only matters when there is nothing to show.
			if s.session.ID() != id || len(s.messages) > 0 {
				return false
			}
			s.err = userMessage(err)
			return true
		})
	}))
}

func (s *Store) scheduleSave(p pendingSave) {
	s.saver.Trigger(saveKey(p.id), func() {
		s.enqueueSave(p)
	})
}

func (s *Store) enqueueSave(p pendingSave) {
	accepted := s.queue.Enqueue(saveKey(p.id), func(ctx context.Context) error {
		if s.isDeleted(p.id) {
			return nil
		}
		if !s.local.SaveFullConversation(ctx, p.id, p.summary, p.messages) {
			return fmt.Errorf("failed to save conversation %s", p.id)
		}
		return nil
	}, tasks.WithPriority(prioritySave))
	if !accepted {
		// An older save of this conversation is still running; go again once it is done.
		s.scheduleSave(p)
	}
}

// leaveLocked clears the view. A conversation that never reached the server cannot be reopened, so
// its summary goes with it.
func (s *Store) leaveLocked() {
	if !s.session.IsZero() && !s.session.Confirmed() {
		id := s.session.ID()
		s.conversations = slices.DeleteFunc(s.conversations, func(c models.ConversationSummary) bool {
			return c.ID == id && c.LocalOnly()
		})
	}
	s.session = models.SessionRef{}
	s.messages = nil
	s.err = ""
	s.phase = PhaseIdle
}

func (s *Store) knownRemotelyLocked(id string) bool {
	if s.session.ID() == id && s.session.Confirmed() {
		return true
	}
	i := s.summaryIndex(id)
	return i >= 0 && !s.conversations[i].LocalOnly()
}

func (s *Store) isDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleted[id]
}
