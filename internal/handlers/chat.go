package handlers

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

type messageRequest struct {
	Message string `json:"message"`
	Index   *int   `json:"index"`
}

// HandleMessages sends a user message. The body is either JSON {"message": "..."} or a form with a
// "message" field, as the chat input posts it.
//
// It replies 400 for a blank message and 409 while another reply is still in flight; otherwise 202
// with the state right after the message was accepted. The reply itself arrives over SSE.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMessageRequest(r)
	if err != nil {
		m.logger.Error("Failed to decode message request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	if !m.state.SendMessage(req.Message) {
		writeError(w, http.StatusConflict, "A response is still in progress")
		return
	}
	m.writeState(w, http.StatusAccepted)
}

// HandleRetry sends the user message at the given index again.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMessageRequest(r)
	if err != nil || req.Index == nil {
		writeError(w, http.StatusBadRequest, "Message index is required")
		return
	}

	if !m.state.HandleRetry(*req.Index) {
		writeError(w, http.StatusConflict, "That message cannot be retried")
		return
	}
	m.writeState(w, http.StatusAccepted)
}

// HandleCancel stops the reply in flight. Cancelling with nothing in flight is not an error.
func (m Main) HandleCancel(w http.ResponseWriter, _ *http.Request) {
	m.state.CancelResponse()
	m.writeState(w, http.StatusOK)
}

// HandleNewChat leaves the current conversation.
func (m Main) HandleNewChat(w http.ResponseWriter, _ *http.Request) {
	m.state.NewChat()
	m.writeState(w, http.StatusOK)
}

// HandleRefresh reloads the conversation list from the server.
func (m Main) HandleRefresh(w http.ResponseWriter, _ *http.Request) {
	if !m.state.LoadAllConversations() {
		m.logger.Debug("Conversation list refresh already in progress")
	}
	m.writeState(w, http.StatusAccepted)
}

// HandleClearLocal wipes the conversations saved on this device. What is on screen stays.
func (m Main) HandleClearLocal(w http.ResponseWriter, _ *http.Request) {
	if !m.state.ClearLocalData() {
		writeError(w, http.StatusInternalServerError, "Failed to clear local data")
		return
	}
	m.writeState(w, http.StatusOK)
}

// HandleSwitch shows the conversation named by the {id} path value.
func (m Main) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Conversation id is required")
		return
	}

	if !m.state.SwitchConversation(id) && m.state.Snapshot().SessionID != id {
		writeError(w, http.StatusConflict, "Cannot switch conversations while a response is in progress")
		return
	}
	m.writeState(w, http.StatusOK)
}

// HandleDelete deletes the conversation named by the {id} path value.
func (m Main) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Conversation id is required")
		return
	}

	if !m.state.DeleteConversationByID(id) {
		if m.state.Snapshot().IsStreaming {
			writeError(w, http.StatusConflict, "Cannot delete conversations while a response is in progress")
			return
		}
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	m.writeState(w, http.StatusOK)
}

func decodeMessageRequest(r *http.Request) (messageRequest, error) {
	var req messageRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}

	req.Message = r.FormValue("message")
	if v := r.FormValue("index"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return req, err
		}
		req.Index = &idx
	}
	return req, nil
}
