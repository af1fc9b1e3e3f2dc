package handlers

import (
	"encoding/json"
	"html"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/MegaGrindStone/chat-sync/internal/state"
)

type stateView struct {
	Version          uint64 `json:"version"`
	SessionID        string `json:"sessionId,omitempty"`
	SessionConfirmed bool   `json:"sessionConfirmed"`

	Messages      []messageView      `json:"messages"`
	Conversations []conversationView `json:"conversations"`

	Phase       state.Phase `json:"phase"`
	IsLoading   bool        `json:"isLoading"`
	IsStreaming bool        `json:"isStreaming"`
	Error       string      `json:"error,omitempty"`
}

type messageView struct {
	models.Message

	HTML      string `json:"html"`
	Streaming bool   `json:"streaming"`
}

type conversationView struct {
	models.ConversationSummary

	Active bool `json:"active"`
}

// HandleState returns the current snapshot.
func (m Main) HandleState(w http.ResponseWriter, _ *http.Request) {
	m.writeState(w, http.StatusOK)
}

func (m Main) writeState(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(m.view(m.state.Snapshot())); err != nil {
		m.logger.Error("Failed to write state", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) view(snap state.Snapshot) stateView {
	v := stateView{
		Version:          snap.Version,
		SessionID:        snap.SessionID,
		SessionConfirmed: snap.SessionConfirmed,
		Messages:         make([]messageView, len(snap.Messages)),
		Conversations:    make([]conversationView, len(snap.Conversations)),
		Phase:            snap.Phase,
		IsLoading:        snap.IsLoading,
		IsStreaming:      snap.IsStreaming,
		Error:            snap.Error,
	}

	for i, msg := range snap.Messages {
		// Only the trailing bot message can be streaming.
		streaming := snap.IsStreaming && i == len(snap.Messages)-1 && msg.Sender == models.SenderBot
		v.Messages[i] = messageView{
			Message:   msg,
			HTML:      m.render(msg),
			Streaming: streaming,
		}
	}
	for i, c := range snap.Conversations {
		v.Conversations[i] = conversationView{
			ConversationSummary: c,
			Active:              c.ID == snap.SessionID,
		}
	}
	return v
}

// render turns message markdown into HTML. Error messages and user input are shown as typed.
func (m Main) render(msg models.Message) string {
	if msg.Error || msg.Sender == models.SenderUser {
		return html.EscapeString(msg.Content)
	}
	out, err := models.RenderContent(msg.Content)
	if err != nil {
		m.logger.Error("Failed to render content",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return html.EscapeString(msg.Content)
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
