package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chat-sync/internal/backend"
	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/MegaGrindStone/chat-sync/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	mu sync.Mutex

	chunks []string
	err    error
	turns  [][]backend.Turn
}

type fakeTitles struct {
	title string
	err   error
}

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBackend(t *testing.T, llm *fakeLLM, titles backend.TitleGenerator) (*httptest.Server, services.Remote) {
	t.Helper()

	store, err := backend.NewStore("file::memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(backend.NewServer(store, llm, titles, nil, testLogger()).Router())
	t.Cleanup(srv.Close)

	remote, err := services.NewRemote(srv.URL, nil, testLogger())
	require.NoError(t, err)
	return srv, remote
}

func TestGenerateStreamsAndStores(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"Hello", " there"}}
	_, remote := newBackend(t, llm, fakeTitles{title: "\"Greeting\"\n"})

	var chunks []string
	reply, err := remote.Generate(context.Background(), models.GenerateRequest{
		Prompt:         "Hi",
		SessionID:      "s1",
		IncludeHistory: true,
	}, func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)

	require.Equal(t, []string{"Hello", " there"}, chunks)
	require.True(t, reply.Streamed)
	require.Equal(t, "Hello there", reply.Response)
	require.Equal(t, "s1", reply.SessionID)
	require.Equal(t, "Greeting", reply.Title)

	h, err := remote.GetHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "Greeting", h.Title)
	require.Len(t, h.History, 2)
	require.Equal(t, "user", h.History[0].Role)
	require.Equal(t, "Hi", h.History[0].Content)
	require.Equal(t, "assistant", h.History[1].Role)
	require.Equal(t, "Hello there", h.History[1].Content)
	require.NotEmpty(t, h.History[0].CreatedAt)
}

func TestGenerateAssignsSessionID(t *testing.T) {
	_, remote := newBackend(t, &fakeLLM{chunks: []string{"ok"}}, nil)

	reply, err := remote.Generate(context.Background(), models.GenerateRequest{Prompt: "Hi"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, reply.SessionID)
	require.Equal(t, "Hi", reply.Title)

	list, err := remote.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, reply.SessionID, list[0].SessionID)
}

func TestGenerateHistory(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"ok"}}
	_, remote := newBackend(t, llm, nil)
	ctx := context.Background()

	_, err := remote.Generate(ctx, models.GenerateRequest{Prompt: "one", SessionID: "s1", IncludeHistory: true}, nil)
	require.NoError(t, err)
	_, err = remote.Generate(ctx, models.GenerateRequest{Prompt: "two", SessionID: "s1", IncludeHistory: true}, nil)
	require.NoError(t, err)
	_, err = remote.Generate(ctx, models.GenerateRequest{Prompt: "three", SessionID: "s1", IncludeHistory: false}, nil)
	require.NoError(t, err)

	turns := llm.calls()
	require.Len(t, turns, 3)
	require.Equal(t, []backend.Turn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "two"},
	}, turns[1])
	require.Equal(t, []backend.Turn{{Role: "user", Content: "three"}}, turns[2])

	h, err := remote.GetHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, h.History, 6)
	require.Equal(t, "one", h.Title)
}

func TestGenerateJSON(t *testing.T) {
	srv, _ := newBackend(t, &fakeLLM{chunks: []string{"a", "b"}}, fakeTitles{title: "T"})

	resp, err := http.Post(srv.URL+"/llm/generate/", "application/json",
		strings.NewReader(`{"prompt":"Hi","session_id":"s9","stream":false}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "s9", resp.Header.Get(backend.SessionIDHeader))

	var got struct {
		Response  string `json:"response"`
		SessionID string `json:"session_id"`
		Title     string `json:"title"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "ab", got.Response)
	require.Equal(t, "s9", got.SessionID)
	require.Equal(t, "T", got.Title)
}

func TestGenerateMissingPrompt(t *testing.T) {
	srv, remote := newBackend(t, &fakeLLM{}, nil)

	resp, err := http.Post(srv.URL+"/llm/generate/", "application/json", strings.NewReader(`{"prompt":"  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Missing required parameter 'prompt'", body["error"])

	_, err = remote.Generate(context.Background(), models.GenerateRequest{}, nil)
	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestGenerateProviderError(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"par"}, err: errors.New("quota exceeded")}
	_, remote := newBackend(t, llm, nil)
	ctx := context.Background()

	_, err := remote.Generate(ctx, models.GenerateRequest{Prompt: "Hi", SessionID: "s1"}, nil)
	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "Error: quota exceeded", apiErr.Message)

	h, err := remote.GetHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, h.History, 1, "a failed reply is not stored")
}

func TestTitleFallback(t *testing.T) {
	prompt := strings.Repeat("word ", 20)
	_, remote := newBackend(t, &fakeLLM{chunks: []string{"ok"}}, fakeTitles{err: errors.New("down")})

	reply, err := remote.Generate(context.Background(), models.GenerateRequest{Prompt: prompt, SessionID: "s1"}, nil)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(reply.Title, "..."))
	require.LessOrEqual(t, len([]rune(reply.Title)), 53)
}

func TestDeleteConversation(t *testing.T) {
	_, remote := newBackend(t, &fakeLLM{chunks: []string{"ok"}}, nil)
	ctx := context.Background()

	_, err := remote.Generate(ctx, models.GenerateRequest{Prompt: "Hi", SessionID: "s1"}, nil)
	require.NoError(t, err)

	res, err := remote.DeleteConversation(ctx, "s1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Contains(t, res.Message, "s1")

	_, err = remote.GetHistory(ctx, "s1")
	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = remote.DeleteConversation(ctx, "s1")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestListMostRecentFirst(t *testing.T) {
	_, remote := newBackend(t, &fakeLLM{chunks: []string{"ok"}}, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a"} {
		_, err := remote.Generate(ctx, models.GenerateRequest{Prompt: "Hi " + id, SessionID: id}, nil)
		require.NoError(t, err)
	}

	list, err := remote.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].SessionID)
	require.Len(t, list[0].History, 4)
	require.Equal(t, "b", list[1].SessionID)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, backend.EstimateTokens(""))
	require.Equal(t, 1, backend.EstimateTokens("hi"))
	require.Equal(t, 3, backend.EstimateTokens("twelve chars"))
}

func (f *fakeLLM) Chat(_ context.Context, turns []backend.Turn) iter.Seq2[string, error] {
	f.mu.Lock()
	f.turns = append(f.turns, slices.Clone(turns))
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeLLM) calls() [][]backend.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.turns)
}

func (f fakeTitles) GenerateTitle(context.Context, string) (string, error) {
	return f.title, f.err
}
