package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const EventChatRequest = "chat_request"

// EventLog stores timestamped per-user request events.
type EventLog interface {
	Count(ctx context.Context, userID, event string, since time.Time) (int64, error)
	Record(ctx context.Context, userID, event string, at time.Time) error
}

type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter is a sliding-window usage guard over an EventLog.
//
// The count and the record are separate operations with no lock between
// them, so concurrent bursts from one user can overshoot max slightly.
type Limiter struct {
	log    EventLog
	event  string
	max    int64
	window time.Duration
	logger *zap.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

func NewLimiter(log EventLog, event string, max int, window time.Duration, logger *zap.Logger) *Limiter {
	if max <= 0 {
		max = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		log:    log,
		event:  event,
		max:    int64(max),
		window: window,
		logger: logger.Named("ratelimit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Limiter) Window() time.Duration { return l.window }

// Allow counts userID's events inside the trailing window. When the count is
// below max the request is allowed and an event is recorded in the
// background; the caller never waits for that write.
func (l *Limiter) Allow(ctx context.Context, userID string) Decision {
	now := l.now()
	n, err := l.log.Count(ctx, userID, l.event, now.Add(-l.window))
	if err != nil {
		// soft guard: fail open
		l.logger.Warn("count request events failed", zap.String("user_id", userID), zap.Error(err))
		n = 0
	}
	if n >= l.max {
		return Decision{Allowed: false, Count: n, RetryAfter: l.window}
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.log.Record(wctx, userID, l.event, now); err != nil {
			l.logger.Warn("record request event failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()
	return Decision{Allowed: true, Count: n}
}

// Wait blocks until background records have finished.
func (l *Limiter) Wait() { l.wg.Wait() }
