package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/observability"
	"go.uber.org/zap"
)

// BackgroundWriter submits a write that the caller never waits for.
// Failures are logged, not returned.
type BackgroundWriter interface {
	Submit(ctx context.Context, m *Message)
}

type MessageInserter interface {
	InsertMessage(ctx context.Context, m *Message) error
}

const backgroundWriteTimeout = 10 * time.Second

// AsyncWriter inserts on a detached goroutine.
type AsyncWriter struct {
	store   MessageInserter
	logger  *zap.Logger
	metrics *observability.Metrics
	wg      sync.WaitGroup
}

func NewAsyncWriter(store MessageInserter, logger *zap.Logger, metrics *observability.Metrics) *AsyncWriter {
	return &AsyncWriter{store: store, logger: logger.Named("writer"), metrics: metrics}
}

func (w *AsyncWriter) Submit(ctx context.Context, m *Message) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// the request context ends with the response; the write must not
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundWriteTimeout)
		defer cancel()

		if err := w.store.InsertMessage(wctx, m); err != nil {
			w.metrics.BackgroundWrites.WithLabelValues("error").Inc()
			w.logger.Error("background message write failed",
				zap.String("conversation_id", m.ConversationID),
				zap.String("role", m.Role),
				zap.Int("content_len", len(m.Content)),
				zap.Error(err))
			return
		}
		w.metrics.BackgroundWrites.WithLabelValues("ok").Inc()
	}()
}

// Wait blocks until every submitted write has finished.
func (w *AsyncWriter) Wait() { w.wg.Wait() }

// QueueWriter hands writes to the persistence queue.
type QueueWriter struct {
	pub     JobPublisher
	logger  *zap.Logger
	metrics *observability.Metrics
	wg      sync.WaitGroup
}

func NewQueueWriter(pub JobPublisher, logger *zap.Logger, metrics *observability.Metrics) *QueueWriter {
	return &QueueWriter{pub: pub, logger: logger.Named("writer"), metrics: metrics}
}

func (w *QueueWriter) Submit(ctx context.Context, m *Message) {
	if m.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			w.logger.Error("assign message id failed", zap.Error(err))
			return
		}
		m.ID = id
	}
	body, err := json.Marshal(NewPersistJob(m))
	if err != nil {
		w.logger.Error("marshal persist job failed", zap.Error(err))
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundWriteTimeout)
		defer cancel()

		if err := w.pub.Publish(pctx, body); err != nil {
			w.metrics.BackgroundWrites.WithLabelValues("error").Inc()
			w.logger.Error("publish persist job failed",
				zap.String("message_id", m.ID),
				zap.String("conversation_id", m.ConversationID),
				zap.Error(err))
			return
		}
		w.metrics.BackgroundWrites.WithLabelValues("queued").Inc()
	}()
}

func (w *QueueWriter) Wait() { w.wg.Wait() }
