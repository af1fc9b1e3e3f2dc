package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/MegaGrindStone/chat-sync/internal/services"
	"github.com/stretchr/testify/require"
)

func newRemote(t *testing.T, h http.Handler) services.Remote {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	r, err := services.NewRemote(srv.URL, nil, testLogger())
	require.NoError(t, err)
	return r
}

func writeFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, f := range frames {
		fmt.Fprint(w, f)
		w.(http.Flusher).Flush()
	}
}

func TestRemoteGenerateStream(t *testing.T) {
	var got models.GenerateRequest
	var method, path string
	r := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		method, path = req.Method, req.URL.Path
		_ = json.NewDecoder(req.Body).Decode(&got)

		w.Header().Set(services.SessionIDHeader, "server-1")
		writeFrames(w,
			`data: {"candidates":[{"content":{"parts":[{"text":"Hello"}],"role":"model"}}]}`+"\n\n",
			`data: {"candidates":[{"content":{"parts":[{"text":", world"}],"role":"model"}}]}`+"\n\n",
			"event: session\n"+`data: {"session_id":"server-2","title":"Greetings"}`+"\n\n",
			"data: [DONE]\n\n",
		)
	}))

	var chunks []string
	reply, err := r.Generate(context.Background(), models.GenerateRequest{
		Prompt:         "Hi",
		SessionID:      "local-1",
		IncludeHistory: true,
	}, func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "/llm/generate/", path)
	require.Equal(t, "Hi", got.Prompt)
	require.Equal(t, "local-1", got.SessionID)
	require.True(t, got.IncludeHistory)

	require.True(t, reply.Streamed)
	require.Equal(t, "Hello, world", reply.Response)
	require.Equal(t, []string{"Hello", ", world"}, chunks)
	require.Equal(t, "server-2", reply.SessionID)
	require.Equal(t, "Greetings", reply.Title)
}

func TestRemoteGenerateStreamErrorFrame(t *testing.T) {
	r := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFrames(w,
			`data: {"text":"par"}`+"\n\n",
			`data: {"error":{"message":"quota exceeded"}}`+"\n\n",
		)
	}))

	_, err := r.Generate(context.Background(), models.GenerateRequest{Prompt: "Hi"}, nil)
	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "quota exceeded", apiErr.Message)
}

func TestRemoteGenerateJSONReply(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.GenerateReply
	}{
		{
			name: "response field",
			body: `{"response":"Hi there","session_id":"s9","title":"Hello"}`,
			want: models.GenerateReply{Response: "Hi there", SessionID: "s9", Title: "Hello"},
		},
		{
			name: "text field with header session",
			body: `{"text":"Hey"}`,
			want: models.GenerateReply{Response: "Hey", SessionID: "hdr"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(services.SessionIDHeader, "hdr")
				fmt.Fprint(w, tt.body)
			}))

			called := false
			reply, err := r.Generate(context.Background(), models.GenerateRequest{Prompt: "x"},
				func(string) { called = true })
			require.NoError(t, err)
			require.False(t, called)
			require.Equal(t, tt.want, reply)
		})
	}
}

func TestRemoteErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "string error", status: http.StatusBadRequest, body: `{"error":"Missing required parameter 'prompt'"}`,
			wantMsg: "Missing required parameter 'prompt'"},
		{name: "object error", status: http.StatusInternalServerError, body: `{"error":{"message":"boom"}}`,
			wantMsg: "boom"},
		{name: "detail", status: http.StatusUnauthorized, body: `{"detail":"Not authenticated"}`,
			wantMsg: "Not authenticated"},
		{name: "no body", status: http.StatusBadGateway, body: ``,
			wantMsg: "Request failed with status 502"},
		{name: "html body", status: http.StatusServiceUnavailable, body: `<html>down</html>`,
			wantMsg: "Request failed with status 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))

			_, err := r.GetHistory(context.Background(), "s1")
			var apiErr *services.APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tt.status, apiErr.StatusCode)
			require.Equal(t, tt.wantMsg, apiErr.Message)
			require.False(t, services.IsCanceled(err))
		})
	}
}

func TestRemoteTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	r, err := services.NewRemote(srv.URL, nil, testLogger())
	require.NoError(t, err)

	_, err = r.ListConversations(context.Background())
	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Zero(t, apiErr.StatusCode)
	require.NotEmpty(t, apiErr.Message)
}

func TestRemoteGenerateCancel(t *testing.T) {
	started := make(chan struct{})
	r := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeFrames(w, `data: {"text":"first"}`+"\n\n")
		close(started)
		<-req.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Generate(ctx, models.GenerateRequest{Prompt: "x"}, nil)
	require.True(t, services.IsCanceled(err))

	var apiErr *services.APIError
	require.False(t, errors.As(err, &apiErr))
}

func TestRemoteHistoryDeleteList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /llm/conversation/{id}/", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, `{"session_id":%q,"history":[{"role":"user","content":"Hi","created_at":"2025-01-01T00:00:00Z"}]}`,
			req.PathValue("id"))
	})
	mux.HandleFunc("DELETE /llm/conversation/{id}/delete/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"success":true,"message":"deleted"}`)
	})
	mux.HandleFunc("GET /llm/conversations/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"conversations":[{"session_id":"a","history":[]},{"history":[]},{"session_id":"b","title":"B","history":[]}]}`)
	})
	r := newRemote(t, mux)
	ctx := context.Background()

	h, err := r.GetHistory(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", h.SessionID)
	require.Len(t, h.History, 1)

	res, err := r.DeleteConversation(ctx, "abc")
	require.NoError(t, err)
	require.True(t, res.Success)

	list, err := r.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b", list[1].SessionID)
}

func TestRemoteSendsCookies(t *testing.T) {
	var sawCookie bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /llm/conversations/", func(w http.ResponseWriter, req *http.Request) {
		if _, err := req.Cookie("sessionid"); err == nil {
			sawCookie = true
		}
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "abc", Path: "/"})
		fmt.Fprint(w, `[]`)
	})
	r := newRemote(t, mux)

	_, err := r.ListConversations(context.Background())
	require.NoError(t, err)
	require.False(t, sawCookie)

	_, err = r.ListConversations(context.Background())
	require.NoError(t, err)
	require.True(t, sawCookie)
}
