package ratelimit

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type RequestEvent struct {
	ID     uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID string    `gorm:"type:varchar(64);not null;index:idx_request_events_user_event_at,priority:1" json:"user_id"`
	Event  string    `gorm:"type:varchar(32);not null;index:idx_request_events_user_event_at,priority:2" json:"event"`
	At     time.Time `gorm:"not null;index:idx_request_events_user_event_at,priority:3" json:"at"`
}

func (RequestEvent) TableName() string { return "request_events" }

// GormLog keeps events in the request_events table.
type GormLog struct {
	db *gorm.DB
}

func NewGormLog(db *gorm.DB) *GormLog {
	return &GormLog{db: db}
}

func (g *GormLog) Count(ctx context.Context, userID, event string, since time.Time) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&RequestEvent{}).
		Where("user_id = ? AND event = ? AND at >= ?", userID, event, since).
		Count(&n).Error
	return n, err
}

func (g *GormLog) Record(ctx context.Context, userID, event string, at time.Time) error {
	return g.db.WithContext(ctx).Create(&RequestEvent{UserID: userID, Event: event, At: at}).Error
}
