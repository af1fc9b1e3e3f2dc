package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Conversation is one chat session, keyed by the session id the client sees.
type Conversation struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"uniqueIndex;size:100;not null"`
	Title     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// Message is one turn of a conversation. Role is "user" or "assistant".
type Message struct {
	ID             uint      `gorm:"primaryKey"`
	ConversationID uint      `gorm:"index;not null"`
	Role           string    `gorm:"size:20;not null"`
	Content        string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// Store persists conversations in SQLite through gorm.
type Store struct {
	db *gorm.DB

	logger *slog.Logger
}

// ErrNotFound is returned when no conversation has the requested session id.
var ErrNotFound = errors.New("conversation not found")

// NewStore opens the SQLite database at dsn and migrates the schema. Use "file::memory:" style DSNs
// for an in-memory database.
func NewStore(dsn string, log *slog.Logger) (Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return Store{}, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return Store{}, fmt.Errorf("failed to get connection pool: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps an in-memory database alive.
	sqlDB.SetMaxOpenConns(1)

	// Messages rely on the foreign key cascade.
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return Store{}, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return Store{}, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return Store{
		db:     db,
		logger: log.With(slog.String("module", "backend-store")),
	}, nil
}

// Close closes the underlying connection pool.
func (s Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetOrCreate returns the conversation with sessionID, creating it when missing. The second result
// reports whether it was created.
func (s Store) GetOrCreate(ctx context.Context, sessionID string) (Conversation, bool, error) {
	conv := Conversation{SessionID: sessionID}
	res := s.db.WithContext(ctx).Where(Conversation{SessionID: sessionID}).FirstOrCreate(&conv)
	if res.Error != nil {
		return Conversation{}, false, fmt.Errorf("failed to get or create conversation: %w", res.Error)
	}
	return conv, res.RowsAffected > 0, nil
}

// Conversation returns the conversation with sessionID and its messages in creation order.
func (s Store) Conversation(ctx context.Context, sessionID string) (Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).
		Preload("Messages", orderedMessages).
		Where("session_id = ?", sessionID).
		Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// AddMessage appends a message to conv and marks the conversation as updated.
func (s Store) AddMessage(ctx context.Context, conv Conversation, role, content string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := Message{ConversationID: conv.ID, Role: role, Content: content}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", conv.ID).
			Update("updated_at", time.Now()).Error; err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
}

// SetTitle stores the title of conv.
func (s Store) SetTitle(ctx context.Context, conv Conversation, title string) error {
	err := s.db.WithContext(ctx).Model(&Conversation{}).Where("id = ?", conv.ID).
		UpdateColumn("title", title).Error
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

// Delete removes the conversation and its messages. It returns the number of deleted messages, or
// ErrNotFound.
func (s Store) Delete(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.Where("session_id = ?", sessionID).Take(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		res := tx.Where("conversation_id = ?", conv.ID).Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		count = res.RowsAffected
		return tx.Delete(&conv).Error
	})
	if errors.Is(err, ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.logger.Info("Deleted conversation",
		slog.String("sessionID", sessionID),
		slog.Int64("messages", count))
	return count, nil
}

// List returns every conversation with its messages, most recently updated first.
func (s Store) List(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	err := s.db.WithContext(ctx).
		Preload("Messages", orderedMessages).
		Order("updated_at DESC").Order("id DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func orderedMessages(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC").Order("id ASC")
}
