package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/state"
	"github.com/tmaxmax/go-sse"
)

// ChatState is the conversation store driven by the UI. Every operation is non-blocking; outcomes show
// up in later snapshots.
type ChatState interface {
	Snapshot() state.Snapshot
	Subscribe(fn func(state.Snapshot)) func()

	SendMessage(text string) bool
	HandleRetry(index int) bool
	CancelResponse()
	SwitchConversation(id string) bool
	DeleteConversationByID(id string) bool
	NewChat()
	LoadAllConversations() bool
	ClearLocalData() bool
}

// Main bridges the browser UI and the conversation store. Commands arrive as JSON requests and every
// state change is pushed to connected clients as a server-sent event carrying the rendered snapshot.
type Main struct {
	sseSrv *sse.Server
	state  ChatState

	published   *atomic.Uint64
	unsubscribe func()

	logger *slog.Logger
}

const (
	stateSSETopic = "state"

	errLoggerKey = "err"
)

var stateSSEType = sse.Type("state")

// NewMain creates a Main and subscribes it to st. Call Shutdown to release the subscription.
func NewMain(st ChatState, logger *slog.Logger) Main {
	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, stateSSETopic},
				}, true
			},
		},
		state:     st,
		published: &atomic.Uint64{},
		logger:    logger.With(slog.String("module", "main")),
	}
	m.unsubscribe = st.Subscribe(m.publish)
	return m
}

// HandleSSE streams state snapshots to the client.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown stops publishing, tells connected clients to close and waits up to 5 seconds for their
// connections to end before forcing them closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()

	e := &sse.Message{Type: sse.Type("close")}
	// SSE requires data on every event.
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// publish pushes snap to every client unless a newer snapshot already went out.
func (m Main) publish(snap state.Snapshot) {
	for {
		last := m.published.Load()
		if snap.Version <= last {
			return
		}
		if m.published.CompareAndSwap(last, snap.Version) {
			break
		}
	}

	data, err := json.Marshal(m.view(snap))
	if err != nil {
		m.logger.Error("Failed to marshal state", slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := &sse.Message{Type: stateSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, stateSSETopic); err != nil {
		m.logger.Error("Failed to publish state",
			slog.Uint64("version", snap.Version),
			slog.String(errLoggerKey, err.Error()))
	}
}
