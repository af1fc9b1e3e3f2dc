// Package state holds the conversation state the chat UI renders and every operation that mutates
// it.
//
// The Store applies changes optimistically in memory, hands slow work to a task queue, and reconciles
// with the remote API and the local store as results arrive. Observers receive immutable snapshots
// after each change.
package state

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/MegaGrindStone/chat-sync/internal/stream"
	"github.com/MegaGrindStone/chat-sync/internal/tasks"
)

// Remote is the backend API as seen by the Store.
type Remote interface {
	Generate(ctx context.Context, req models.GenerateRequest, onChunk func(string)) (models.GenerateReply, error)
	GetHistory(ctx context.Context, sessionID string) (models.History, error)
	DeleteConversation(ctx context.Context, sessionID string) (models.DeleteResult, error)
	ListConversations(ctx context.Context) ([]models.History, error)
}

// LocalStore is the on-device mirror of conversations. Implementations never fail loudly: reads
// return zero values and writes report false.
type LocalStore interface {
	ConversationSummaries(ctx context.Context) []models.ConversationSummary
	FullConversation(ctx context.Context, id string) (models.Record, bool)
	SaveFullConversation(ctx context.Context, id string, summary models.ConversationSummary, msgs []models.Message) bool
	AddMessage(ctx context.Context, id string, msg models.Message) bool
	DeleteMessage(ctx context.Context, id, messageID string) bool
	DeleteConversation(ctx context.Context, id string) bool
	ClearAll(ctx context.Context) bool
}

// Phase is the state of the conversation being viewed.
type Phase int

const (
	// PhaseIdle means nothing is in flight.
	PhaseIdle Phase = iota
	// PhaseSending means a request was issued and no part of the reply has arrived yet.
	PhaseSending
	// PhaseStreaming means the reply is arriving.
	PhaseStreaming
	// PhaseError means the last exchange failed and can be retried.
	PhaseError
)

// Snapshot is an immutable copy of the Store's state.
type Snapshot struct {
	// Version increases with every change, letting observers drop snapshots delivered out of order.
	Version uint64

	SessionID        string
	SessionConfirmed bool
	Messages         []models.Message
	Conversations    []models.ConversationSummary

	Phase         Phase
	IsLoading     bool
	IsStreaming   bool
	StreamContent string
	Error         string
}

// Store is the single source of truth for everything the chat UI renders. It is safe for concurrent
// use; every operation is non-blocking and reports through the state, never by returning errors.
type Store struct {
	remote Remote
	local  LocalStore
	queue  *tasks.Queue
	saver  *tasks.Debouncer

	now       func() time.Time
	synthetic []stream.SyntheticOption

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	version uint64

	// epoch counts exchanges started. A refresh begun in an older epoch may predate messages on
	// screen and is not applied.
	epoch         uint64
	session       models.SessionRef
	messages      []models.Message
	conversations []models.ConversationSummary
	phase         Phase
	loading       int
	err           string
	active        *exchange
	deleted       map[string]bool
	subscribers   map[int]func(Snapshot)
	nextSub       int
}

// Option configures a Store.
type Option func(*Store)

// DefaultSaveDelay is how long the Store waits for further changes before writing a conversation to
// the local store.
const DefaultSaveDelay = 300 * time.Millisecond

// Task priorities. Lower runs first.
const (
	priorityRefresh = iota
	prioritySave
	priorityDelete
	priorityList
)

const errLoggerKey = "err"

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSyntheticStream tunes how replies that arrive in one piece are re-streamed.
func WithSyntheticStream(opts ...stream.SyntheticOption) Option {
	return func(s *Store) {
		s.synthetic = opts
	}
}

// WithSaveDelay sets how long local store writes are debounced.
func WithSaveDelay(d time.Duration) Option {
	return func(s *Store) {
		s.saver = tasks.NewDebouncer(d)
	}
}

// New creates a Store on top of the given collaborators. The queue is shared, not owned: the caller
// stops it.
func New(remote Remote, local LocalStore, queue *tasks.Queue, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		remote:      remote,
		local:       local,
		queue:       queue,
		saver:       tasks.NewDebouncer(DefaultSaveDelay),
		now:         time.Now,
		logger:      logger.With(slog.String("module", "state")),
		deleted:     make(map[string]bool),
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start shows the conversations saved on this device and then asks the remote API for the
// authoritative list. Work started by the Store is cancelled when ctx is.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	saved := s.persistedSummaries(ctx)
	s.update(func() bool {
		s.conversations = saved
		return true
	})
	s.LoadAllConversations()
}

// Reset cancels the response in flight and clears all in-memory state. Pending local writes are
// flushed first so nothing already received is lost.
func (s *Store) Reset() {
	s.CancelResponse()
	s.saver.Flush()
	s.update(func() bool {
		s.session = models.SessionRef{}
		s.messages = nil
		s.conversations = nil
		s.phase = PhaseIdle
		s.err = ""
		return true
	})
}

// Wait blocks until every response, queued task and pending local write has settled. It must not be
// called concurrently with SendMessage or HandleRetry.
func (s *Store) Wait() {
	for {
		s.wg.Wait()
		flushed := s.saver.Flush()
		s.queue.Wait()

		s.mu.Lock()
		idle := s.active == nil
		s.mu.Unlock()
		if flushed == 0 && idle && s.saver.Pending() == 0 && s.queue.Len() == 0 {
			return
		}
	}
}

// Close cancels the response in flight, writes pending changes and stops background work.
func (s *Store) Close() {
	s.CancelResponse()
	s.Wait()
	s.saver.Stop()

	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
}

// ClearLocalData removes every conversation saved on this device. In-memory state is untouched.
func (s *Store) ClearLocalData() bool {
	if n := s.saver.Clear(); n > 0 {
		s.logger.Debug("Dropped pending saves", slog.Int("count", n))
	}
	return s.local.ClearAll(s.context())
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every change. Snapshots may be delivered
// concurrently and out of order; use Version to discard stale ones. The returned function
// unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// update runs fn under the lock and, if fn reports a change, notifies subscribers with the resulting
// snapshot once the lock is released.
func (s *Store) update(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.version++
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:          s.version,
		SessionID:        s.session.ID(),
		SessionConfirmed: s.session.Confirmed(),
		Messages:         slices.Clone(s.messages),
		Conversations:    slices.Clone(s.conversations),
		Phase:            s.phase,
		IsLoading:        s.loading > 0,
		IsStreaming:      s.active != nil,
		Error:            s.err,
	}
	if s.active != nil {
		if i := s.messageIndex(s.active.botID); i >= 0 {
			snap.StreamContent = s.messages[i].Content
		}
	}
	return snap
}

func (s *Store) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctx
}

func (s *Store) setLoading(delta int) {
	s.update(func() bool {
		s.loading += delta
		return true
	})
}

func (s *Store) messageIndex(id string) int {
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
}

func (s *Store) summaryIndex(id string) int {
	return slices.IndexFunc(s.conversations, func(c models.ConversationSummary) bool { return c.ID == id })
}

// persistedSummaries reads the local store, leaving out anything that was never confirmed remotely.
func (s *Store) persistedSummaries(ctx context.Context) []models.ConversationSummary {
	saved := s.local.ConversationSummaries(ctx)
	out := make([]models.ConversationSummary, 0, len(saved))
	for _, c := range saved {
		if !c.LocalOnly() {
			out = append(out, c)
		}
	}
	return out
}
