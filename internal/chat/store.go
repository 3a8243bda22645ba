package chat

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Message is the persisted form of an accepted chat frame. Persistence is a
// collaborator concern; the gateway appends and never reads history.
type Message struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	UserID         string
	Text           *string
	FileURL        *string
	FileName       *string
	CreatedAt      time.Time
}

func (Message) TableName() string {
	return "chat_messages"
}

// Store persists accepted chat messages.
type Store interface {
	Save(ctx context.Context, msg *Message) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Save(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}
