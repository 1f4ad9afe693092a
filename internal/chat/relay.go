package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/stream"
	"go.uber.org/zap"
)

// FrameWriter emits one SSE frame ("data: <data>\n\n") and flushes it.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

var doneFrame = []byte("[DONE]")

// Relay is one opened upstream stream, ready to be re-emitted.
type Relay struct {
	svc            *Service
	body           io.ReadCloser
	cancel         context.CancelFunc
	conversationID string
	userID         string
	model          string
	opened         time.Time
}

// Run decodes the upstream body and re-frames every payload to w. When the
// upstream ends ([DONE], EOF, a read failure or the client going away) the
// accumulated text, if any, is submitted for background persistence and a
// terminal [DONE] frame is written.
func (r *Relay) Run(ctx context.Context, w FrameWriter) stream.Result {
	s := r.svc
	defer r.cancel()
	defer r.body.Close()

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()
	defer s.metrics.ObserveStream(r.opened)

	firstDelta := true
	var frame bytes.Buffer
	res, err := stream.Pump(ctx, r.body, stream.SinkFunc(func(raw json.RawMessage, delta string) error {
		if delta != "" && firstDelta {
			firstDelta = false
			s.metrics.TimeToFirstDelta.Observe(time.Since(r.opened).Seconds())
		}
		frame.Reset()
		if err := json.Compact(&frame, raw); err != nil {
			return nil
		}
		s.metrics.FramesTotal.Inc()
		return w.WriteFrame(frame.Bytes())
	}))
	if err != nil {
		s.logger.Info("stream ended early",
			zap.String("conversation_id", r.conversationID),
			zap.Int("payloads", res.Payloads),
			zap.Error(err))
	}
	if res.Anomalies > 0 {
		s.metrics.DecodeAnomalies.Add(float64(res.Anomalies))
		s.logger.Debug("dropped unparsable upstream lines",
			zap.String("conversation_id", r.conversationID),
			zap.Int("count", res.Anomalies))
	}

	if content := strings.TrimSpace(res.Content); content != "" {
		s.writer.Submit(ctx, &Message{
			ConversationID: r.conversationID,
			UserID:         r.userID,
			Role:           RoleAssistant,
			Content:        content,
		})
	}

	_ = w.WriteFrame(doneFrame)
	return res
}

// Close releases the upstream without relaying it.
func (r *Relay) Close() {
	r.cancel()
	_ = r.body.Close()
}
