package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/sync/errgroup"
)

// Server serves the chat API: generate, history, delete and list.
type Server struct {
	store  Store
	llm    LLM
	titles TitleGenerator
	tokens Tokenizer

	logger *slog.Logger
}

// SessionIDHeader carries the session id on generate replies.
const SessionIDHeader = "X-Session-Id"

const errLoggerKey = "err"

type generateRequest struct {
	Prompt         string `json:"prompt"`
	SessionID      string `json:"session_id"`
	IncludeHistory *bool  `json:"include_history"`
	Stream         *bool  `json:"stream"`
}

type historyEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type historyResponse struct {
	SessionID string         `json:"session_id"`
	Title     string         `json:"title,omitempty"`
	History   []historyEntry `json:"history"`
}

type streamFrame struct {
	Candidates    []candidate    `json:"candidates,omitempty"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Title         string         `json:"title,omitempty"`
	Error         *frameError    `json:"error,omitempty"`
}

type candidate struct {
	Content candidateContent `json:"content"`
}

type candidateContent struct {
	Parts []part `json:"parts"`
	Role  string `json:"role"`
}

type part struct {
	Text string `json:"text"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type frameError struct {
	Message string `json:"message"`
}

var sessionSSEType = sse.Type("session")

// NewServer creates a Server. titles may be nil, in which case titles are taken from the first prompt.
func NewServer(store Store, llm LLM, titles TitleGenerator, tokens Tokenizer, logger *slog.Logger) Server {
	if tokens == nil {
		tokens = EstimateCounter{}
	}
	return Server{
		store:  store,
		llm:    llm,
		titles: titles,
		tokens: tokens,
		logger: logger.With(slog.String("module", "backend")),
	}
}

// Router returns the gin engine serving the API under /llm.
func (s Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	llm := r.Group("/llm")
	llm.POST("/generate/", s.handleGenerate)
	llm.GET("/conversation/:id/", s.handleHistory)
	llm.DELETE("/conversation/:id/delete/", s.handleDelete)
	llm.GET("/conversations/", s.handleList)

	return r
}

func (s Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("Request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("elapsed", time.Since(start)))
}

func (s Server) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter 'prompt'"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	ctx := c.Request.Context()

	conv, created, err := s.store.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		s.internalError(c, "Failed to generate text", err)
		return
	}

	var turns []Turn
	if !created && (req.IncludeHistory == nil || *req.IncludeHistory) {
		full, err := s.store.Conversation(ctx, req.SessionID)
		if err != nil {
			s.internalError(c, "Failed to generate text", err)
			return
		}
		conv = full
		for _, m := range full.Messages {
			turns = append(turns, Turn{Role: m.Role, Content: m.Content})
		}
	}
	turns = append(turns, Turn{Role: roleUser, Content: req.Prompt})

	if err := s.store.AddMessage(ctx, conv, roleUser, req.Prompt); err != nil {
		s.internalError(c, "Failed to generate text", err)
		return
	}

	var title string
	var titles errgroup.Group
	titles.Go(func() error {
		title = s.title(ctx, conv, req.Prompt)
		return nil
	})

	c.Header(SessionIDHeader, req.SessionID)

	if req.Stream != nil && !*req.Stream {
		s.generateJSON(c, conv, turns, &titles, &title)
		return
	}
	s.generateStream(c, conv, turns, &titles, &title)
}

func (s Server) generateJSON(c *gin.Context, conv Conversation, turns []Turn, titles *errgroup.Group, title *string) {
	ctx := c.Request.Context()

	var sb strings.Builder
	for chunk, err := range s.llm.Chat(ctx, turns) {
		if err != nil {
			_ = titles.Wait()
			s.logger.Error("Failed to generate text",
				slog.String("sessionID", conv.SessionID),
				slog.String(errLoggerKey, err.Error()))
			c.JSON(http.StatusBadGateway, gin.H{"error": "Error: " + err.Error()})
			return
		}
		sb.WriteString(chunk)
	}
	_ = titles.Wait()
	if ctx.Err() != nil {
		return
	}

	s.storeReply(ctx, conv, sb.String())
	c.JSON(http.StatusOK, gin.H{
		"response":   sb.String(),
		"session_id": conv.SessionID,
		"title":      *title,
	})
}

func (s Server) generateStream(c *gin.Context, conv Conversation, turns []Turn, titles *errgroup.Group, title *string) {
	ctx := c.Request.Context()

	sess, err := sse.Upgrade(c.Writer, c.Request)
	if err != nil {
		_ = titles.Wait()
		s.internalError(c, "Failed to start stream", err)
		return
	}

	promptTokens := 0
	for _, t := range turns {
		promptTokens += s.tokens.CountTokens(t.Content)
	}

	var sb strings.Builder
	gone := false
	for chunk, err := range s.llm.Chat(ctx, turns) {
		if err != nil {
			_ = titles.Wait()
			s.logger.Error("Error in streaming",
				slog.String("sessionID", conv.SessionID),
				slog.String(errLoggerKey, err.Error()))
			s.send(sess, false, streamFrame{Error: &frameError{Message: "Error: " + err.Error()}})
			return
		}

		sb.WriteString(chunk)
		replyTokens := s.tokens.CountTokens(sb.String())
		frame := streamFrame{
			Candidates: []candidate{{Content: candidateContent{
				Parts: []part{{Text: chunk}},
				Role:  "model",
			}}},
			UsageMetadata: &usageMetadata{
				PromptTokenCount:     promptTokens,
				CandidatesTokenCount: replyTokens,
				TotalTokenCount:      promptTokens + replyTokens,
			},
		}
		if !s.send(sess, false, frame) {
			gone = true
			break
		}
	}
	_ = titles.Wait()
	if gone || ctx.Err() != nil {
		s.logger.Info("Client went away before the reply completed", slog.String("sessionID", conv.SessionID))
		return
	}

	s.storeReply(ctx, conv, sb.String())
	s.send(sess, true, streamFrame{SessionID: conv.SessionID, Title: *title})
}

// send writes one frame and flushes it. The closing frame goes out as a session event. It reports
// whether the client is still reading.
func (s Server) send(sess *sse.Session, session bool, frame streamFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("Failed to marshal frame", slog.String(errLoggerKey, err.Error()))
		return false
	}
	msg := &sse.Message{}
	if session {
		msg.Type = sessionSSEType
	}
	msg.AppendData(string(data))
	if err := sess.Send(msg); err != nil {
		return false
	}
	return sess.Flush() == nil
}

func (s Server) storeReply(ctx context.Context, conv Conversation, reply string) {
	if reply == "" {
		return
	}
	if err := s.store.AddMessage(ctx, conv, roleAssistant, reply); err != nil {
		s.logger.Error("Failed to store reply",
			slog.String("sessionID", conv.SessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// title returns the stored title of conv, generating and storing one on the first exchange.
func (s Server) title(ctx context.Context, conv Conversation, prompt string) string {
	if conv.Title != "" {
		return conv.Title
	}

	title := ""
	if s.titles != nil {
		generated, err := s.titles.GenerateTitle(ctx, prompt)
		if err != nil {
			s.logger.Warn("Failed to generate title",
				slog.String("sessionID", conv.SessionID),
				slog.String(errLoggerKey, err.Error()))
		}
		title = cleanTitle(generated)
	}
	if title == "" {
		title = fallbackTitle(prompt)
	}

	if err := s.store.SetTitle(ctx, conv, title); err != nil {
		s.logger.Error("Failed to store title",
			slog.String("sessionID", conv.SessionID),
			slog.String(errLoggerKey, err.Error()))
	}
	return title
}

func (s Server) handleHistory(c *gin.Context) {
	id := c.Param("id")
	conv, err := s.store.Conversation(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMessage(id)})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to retrieve conversation history", err)
		return
	}
	c.JSON(http.StatusOK, historyOf(conv))
}

func (s Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	_, err := s.store.Delete(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMessage(id)})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to delete conversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Conversation with session_id '%s' and all its messages deleted successfully", id),
	})
}

func (s Server) handleList(c *gin.Context) {
	convs, err := s.store.List(c.Request.Context())
	if err != nil {
		s.internalError(c, "Failed to list conversations", err)
		return
	}
	res := make([]historyResponse, len(convs))
	for i, conv := range convs {
		res[i] = historyOf(conv)
	}
	c.JSON(http.StatusOK, res)
}

func (s Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, slog.String(errLoggerKey, err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg + ": " + err.Error()})
}

func historyOf(conv Conversation) historyResponse {
	res := historyResponse{
		SessionID: conv.SessionID,
		Title:     conv.Title,
		History:   make([]historyEntry, len(conv.Messages)),
	}
	for i, m := range conv.Messages {
		res.History[i] = historyEntry{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return res
}

func notFoundMessage(id string) string {
	return fmt.Sprintf("Conversation with session_id '%s' not found", id)
}
