package chat

import (
	"context"
	"time"
)

// PersistJob is a queued message write, consumed by cmd/worker. The message
// id is assigned before publishing so a redelivered job can be detected.
type PersistJob struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	RequestedAt    time.Time `json:"requested_at"`
}

func NewPersistJob(m *Message) PersistJob {
	return PersistJob{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Role:           m.Role,
		Content:        m.Content,
		RequestedAt:    time.Now(),
	}
}

func (j PersistJob) Message() *Message {
	return &Message{
		ID:             j.MessageID,
		ConversationID: j.ConversationID,
		UserID:         j.UserID,
		Role:           j.Role,
		Content:        j.Content,
	}
}

// JobPublisher enqueues serialized persist jobs.
type JobPublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// PersistFromQueue applies a job. A job whose message already exists is a
// redelivery and succeeds without writing.
func (r *Repo) PersistFromQueue(ctx context.Context, j PersistJob) error {
	if j.MessageID != "" {
		exists, err := r.MessageExists(ctx, j.MessageID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	return r.InsertMessage(ctx, j.Message())
}
