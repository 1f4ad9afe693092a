package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleSystem only appears in legacy stored rows; it is never listed.
	RoleSystem = "system"
)

type Conversation struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Title     string    `gorm:"type:varchar(255);not null;default:''" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	ConversationID string    `gorm:"type:varchar(64);not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	UserID         string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

const titleMaxRunes = 50

// DeriveTitle turns the first user message into a conversation title.
func DeriveTitle(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(t) <= titleMaxRunes {
		return t
	}
	r := []rune(t)
	return strings.TrimSpace(string(r[:titleMaxRunes])) + "..."
}
