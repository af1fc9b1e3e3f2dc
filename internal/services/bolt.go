package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB is the durable on-device mirror of conversations. Each conversation is one record, keyed
// by session identifier, holding its summary, its ordered messages and the time it was last
// fetched. A secondary index keyed by inverted update time gives summaries back most recent first.
//
// Every operation is total: a storage failure is logged and the operation returns a zero value, so a
// broken database degrades the client to network-only instead of crashing it.
type BoltDB struct {
	db *bolt.DB

	logger *slog.Logger
}

var (
	conversationsBucket = []byte("conversations")
	recencyBucket       = []byte("recency")

	errNotFound = errors.New("conversation not found")
)

// NewBoltDB opens, or creates with 0600 permissions, the database at path and makes sure the
// required buckets exist.
func NewBoltDB(path string, logger *slog.Logger) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, recencyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{
		db:     db,
		logger: logger.With(slog.String("module", "bolt")),
	}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// recencyKey sorts newest first under bolt's ascending byte order.
func recencyKey(updatedAt time.Time, id string) []byte {
	var ns uint64
	if !updatedAt.IsZero() && updatedAt.Unix() > 0 {
		ns = uint64(updatedAt.UnixNano())
	}
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, math.MaxUint64-ns)
	return append(key, id...)
}

// ConversationSummaries returns every stored summary, most recently updated first.
func (b BoltDB) ConversationSummaries(context.Context) []models.ConversationSummary {
	var summaries []models.ConversationSummary
	err := b.db.View(func(tx *bolt.Tx) error {
		convs := tx.Bucket(conversationsBucket)
		return tx.Bucket(recencyBucket).ForEach(func(_, id []byte) error {
			v := convs.Get(id)
			if v == nil {
				return nil
			}
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal conversation %s: %w", id, err)
			}
			summaries = append(summaries, rec.Summary)
			return nil
		})
	})
	if err != nil {
		b.logger.Error("Failed to read conversation summaries", slog.String(errLoggerKey, err.Error()))
		return nil
	}
	return summaries
}

// FullConversation returns the stored record for id and whether it exists.
func (b BoltDB) FullConversation(_ context.Context, id string) (models.Record, bool) {
	var rec models.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		if !errors.Is(err, errNotFound) {
			b.logger.Error("Failed to read conversation",
				slog.String("id", id),
				slog.String(errLoggerKey, err.Error()))
		}
		return models.Record{}, false
	}
	return rec, true
}

// SaveFullConversation replaces the record for id. The summary's denormalized fields are recomputed
// from msgs. A conversation without messages is local-only and is not written.
func (b BoltDB) SaveFullConversation(
	_ context.Context,
	id string,
	summary models.ConversationSummary,
	msgs []models.Message,
) bool {
	if len(msgs) == 0 {
		b.logger.Debug("Skipping save of local-only conversation", slog.String("id", id))
		return false
	}

	summary.ID = id
	rec := models.Record{
		Summary:     models.Summarize(summary, msgs),
		Messages:    msgs,
		LastFetched: time.Now(),
	}
	return b.update("save conversation", id, func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
}

// AddMessage appends msg to the stored conversation id. Nothing is written if the conversation is
// not stored.
func (b BoltDB) AddMessage(_ context.Context, id string, msg models.Message) bool {
	return b.modify("add message", id, func(msgs []models.Message) ([]models.Message, error) {
		return append(msgs, msg), nil
	})
}

// UpdateMessageContent replaces the content of one message of the stored conversation id.
func (b BoltDB) UpdateMessageContent(_ context.Context, id, messageID, content string) bool {
	return b.modify("update message", id, func(msgs []models.Message) ([]models.Message, error) {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].Content = content
				return msgs, nil
			}
		}
		return nil, fmt.Errorf("message %s not found", messageID)
	})
}

// DeleteMessage removes one message of the stored conversation id. Removing the last message
// removes the conversation, as an empty conversation is local-only.
func (b BoltDB) DeleteMessage(_ context.Context, id, messageID string) bool {
	return b.modify("delete message", id, func(msgs []models.Message) ([]models.Message, error) {
		for i := range msgs {
			if msgs[i].ID == messageID {
				return append(msgs[:i], msgs[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("message %s not found", messageID)
	})
}

// DeleteConversation removes the record for id. Deleting a missing conversation succeeds.
func (b BoltDB) DeleteConversation(_ context.Context, id string) bool {
	return b.update("delete conversation", id, func(tx *bolt.Tx) error {
		return deleteRecord(tx, id)
	})
}

// ClearAll removes every stored conversation.
func (b BoltDB) ClearAll(context.Context) bool {
	return b.update("clear", "", func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, recencyBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// modify read-modify-writes the message list of a stored conversation in one transaction.
func (b BoltDB) modify(
	op, id string,
	fn func([]models.Message) ([]models.Message, error),
) bool {
	return b.update(op, id, func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		msgs, err := fn(rec.Messages)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return deleteRecord(tx, id)
		}
		rec.Messages = msgs
		rec.Summary = models.Summarize(rec.Summary, msgs)
		return putRecord(tx, rec)
	})
}

func (b BoltDB) update(op, id string, fn func(*bolt.Tx) error) bool {
	if err := b.db.Update(fn); err != nil {
		b.logger.Error("Local store operation failed",
			slog.String("op", op),
			slog.String("id", id),
			slog.String(errLoggerKey, err.Error()))
		return false
	}
	return true
}

func getRecord(tx *bolt.Tx, id string) (models.Record, error) {
	v := tx.Bucket(conversationsBucket).Get([]byte(id))
	if v == nil {
		return models.Record{}, errNotFound
	}
	var rec models.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return models.Record{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return rec, nil
}

func putRecord(tx *bolt.Tx, rec models.Record) error {
	// The old index entry must go before the new one is written, otherwise a changed UpdatedAt
	// leaves a stale recency key behind.
	if err := deleteRecord(tx, rec.Summary.ID); err != nil {
		return err
	}

	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	id := []byte(rec.Summary.ID)
	if err := tx.Bucket(conversationsBucket).Put(id, v); err != nil {
		return err
	}
	return tx.Bucket(recencyBucket).Put(recencyKey(rec.Summary.UpdatedAt, rec.Summary.ID), id)
}

func deleteRecord(tx *bolt.Tx, id string) error {
	convs := tx.Bucket(conversationsBucket)
	v := convs.Get([]byte(id))
	if v == nil {
		return nil
	}
	var rec models.Record
	if err := json.Unmarshal(v, &rec); err == nil {
		if err := tx.Bucket(recencyBucket).Delete(recencyKey(rec.Summary.UpdatedAt, id)); err != nil {
			return err
		}
	}
	return convs.Delete([]byte(id))
}
