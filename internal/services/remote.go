package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/net/publicsuffix"
)

// Remote issues the four operations of the backend chat API and normalizes whatever shape the
// backend replies with. Every request goes through a cookie jar, so the session cookies the backend
// sets scope all later calls the same way browser credentials would.
type Remote struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

// APIError is a failed remote call. Message is always suitable for showing to the user.
type APIError struct {
	StatusCode int
	Message    string

	err error
}

// SessionIDHeader carries the canonical session identifier on generate replies.
const SessionIDHeader = "X-Session-Id"

const (
	errLoggerKey = "err"

	maxErrorBody = 64 << 10
)

type streamFrame struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Text      string          `json:"text"`
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Error     json.RawMessage `json:"error"`
}

type jsonReply struct {
	Response  string          `json:"response"`
	Text      string          `json:"text"`
	Content   string          `json:"content"`
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Error     json.RawMessage `json:"error"`
}

type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Detail  string          `json:"detail"`
	Message string          `json:"message"`
}

// NewRemote creates an adapter for the API rooted at baseURL. When client is nil a client with its own
// cookie jar is created; a client without a jar gets one.
func NewRemote(baseURL string, client *http.Client, logger *slog.Logger) (Remote, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return Remote{}, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if client == nil {
		client = &http.Client{}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return Remote{}, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client.Jar = jar
	}

	return Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "remote")),
	}, nil
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.err
}

// Generate asks the backend for a reply to req. When the backend streams, every chunk is passed to
// onChunk as it arrives and the reply is marked Streamed; a reply delivered as a single JSON body is
// returned whole without calling onChunk.
//
// Cancelling ctx aborts the request; the returned error then satisfies errors.Is(err,
// context.Canceled) and is not an *APIError.
func (r Remote) Generate(
	ctx context.Context,
	req models.GenerateRequest,
	onChunk func(string),
) (models.GenerateReply, error) {
	resp, err := r.do(ctx, http.MethodPost, "/llm/generate/", req)
	if err != nil {
		return models.GenerateReply{}, err
	}
	defer resp.Body.Close()

	reply := models.GenerateReply{SessionID: resp.Header.Get(SessionIDHeader)}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return r.readStream(ctx, resp.Body, reply, onChunk)
	}

	var res jsonReply
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if ctx.Err() != nil {
			return models.GenerateReply{}, ctx.Err()
		}
		return models.GenerateReply{}, &APIError{
			StatusCode: resp.StatusCode,
			Message:    "The server sent a response that could not be read.",
			err:        err,
		}
	}
	if msg := errorMessage(res.Error); msg != "" {
		return models.GenerateReply{}, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	reply.Response = firstNonEmpty(res.Response, res.Text, res.Content)
	reply.SessionID = firstNonEmpty(res.SessionID, reply.SessionID)
	reply.Title = res.Title
	return reply, nil
}

func (r Remote) readStream(
	ctx context.Context,
	body io.Reader,
	reply models.GenerateReply,
	onChunk func(string),
) (models.GenerateReply, error) {
	reply.Streamed = true

	var sb strings.Builder
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if ctx.Err() != nil {
				return reply, ctx.Err()
			}
			return reply, &APIError{
				StatusCode: http.StatusOK,
				Message:    "The response stream was interrupted.",
				err:        err,
			}
		}
		if ev.Data == "[DONE]" {
			break
		}

		var f streamFrame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			r.logger.Warn("Skipping unreadable stream frame",
				slog.String("type", ev.Type),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		if msg := errorMessage(f.Error); msg != "" {
			return reply, &APIError{StatusCode: http.StatusOK, Message: msg}
		}
		if f.SessionID != "" {
			reply.SessionID = f.SessionID
		}
		if f.Title != "" {
			reply.Title = f.Title
		}

		text := f.Text
		for _, c := range f.Candidates {
			for _, p := range c.Content.Parts {
				text += p.Text
			}
		}
		if text == "" {
			continue
		}
		sb.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
	}
	if ctx.Err() != nil {
		return reply, ctx.Err()
	}

	reply.Response = sb.String()
	return reply, nil
}

// GetHistory fetches the persisted messages of one conversation.
func (r Remote) GetHistory(ctx context.Context, sessionID string) (models.History, error) {
	resp, err := r.do(ctx, http.MethodGet, "/llm/conversation/"+url.PathEscape(sessionID)+"/", nil)
	if err != nil {
		return models.History{}, err
	}
	defer resp.Body.Close()

	var h models.History
	if err := decodeBody(ctx, resp, &h); err != nil {
		return models.History{}, err
	}
	if h.SessionID == "" {
		h.SessionID = sessionID
	}
	return h, nil
}

// DeleteConversation removes a conversation on the server.
func (r Remote) DeleteConversation(ctx context.Context, sessionID string) (models.DeleteResult, error) {
	resp, err := r.do(ctx, http.MethodDelete, "/llm/conversation/"+url.PathEscape(sessionID)+"/delete/", nil)
	if err != nil {
		return models.DeleteResult{}, err
	}
	defer resp.Body.Close()

	var res models.DeleteResult
	if err := decodeBody(ctx, resp, &res); err != nil {
		return models.DeleteResult{}, err
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "The server could not delete the conversation."
		}
		return res, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return res, nil
}

// ListConversations fetches every conversation of the current user with its full history. The backend
// may reply with a bare array or with an object wrapping it under "conversations".
func (r Remote) ListConversations(ctx context.Context) ([]models.History, error) {
	resp, err := r.do(ctx, http.MethodGet, "/llm/conversations/", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := decodeBody(ctx, resp, &raw); err != nil {
		return nil, err
	}

	var list []models.History
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Conversations []models.History `json:"conversations"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, unreadable(resp.StatusCode, err)
		}
		list = wrapped.Conversations
	} else if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, unreadable(resp.StatusCode, err)
	}

	valid := list[:0]
	for _, h := range list {
		if h.SessionID != "" {
			valid = append(valid, h)
		}
	}
	return valid, nil
}

func (r Remote) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("Request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String(errLoggerKey, err.Error()))
		return nil, &APIError{
			Message: "Unable to reach the server. Check your connection and try again.",
			err:     err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := readAPIError(resp)
		r.logger.Warn("Request rejected",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String(errLoggerKey, apiErr.Message))
		return nil, apiErr
	}
	return resp, nil
}

func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("Request failed with status %d", resp.StatusCode),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil {
		return apiErr
	}
	if msg := firstNonEmpty(errorMessage(eb.Error), eb.Detail, eb.Message); msg != "" {
		apiErr.Message = msg
	}
	return apiErr
}

// errorMessage extracts a message from an "error" field that is either a string or an object with a
// "message" field.
func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return "The server reported an error."
}

func decodeBody(ctx context.Context, resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unreadable(resp.StatusCode, err)
	}
	return nil
}

func unreadable(status int, err error) *APIError {
	return &APIError{
		StatusCode: status,
		Message:    "The server sent a response that could not be read.",
		err:        err,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsCanceled reports whether err is the result of cancelling the request rather than a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
