package chat

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/common"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return err
		}
		c.ID = id
	}
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetConversation(ctx context.Context, userID, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertMessage stores m, assigning an id when it has none. A user message
// also touches its conversation (updated_at, and the title while it is empty);
// a conversation row that does not exist is not an error.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return err
		}
		m.ID = id
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		if m.Role != RoleUser {
			return nil
		}

		conv := tx.Model(&Conversation{}).Where("id = ? AND user_id = ?", m.ConversationID, m.UserID)
		if err := conv.Update("updated_at", time.Now()).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ? AND user_id = ? AND title = ?", m.ConversationID, m.UserID, "").
			Update("title", DeriveTitle(m.Content)).Error
	})
}

func (r *Repo) MessageExists(ctx context.Context, id string) (bool, error) {
	var m Message
	err := r.db.WithContext(ctx).Select("id").First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListMessages returns the conversation in chronological order, without
// legacy system rows.
func (r *Repo) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ? AND role <> ?", userID, conversationID, RoleSystem).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
