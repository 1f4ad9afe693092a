package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"go.uber.org/zap"
)

// Chat relays one streamed completion. Every failure before the stream opens
// is a JSON error; once the 200 is committed the body is only SSE frames,
// ending with data: [DONE].
func (h *Handler) Chat(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxChatBody))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, chat.MsgInvalidJSON)
		return
	}

	ctx := c.Request.Context()
	relay, err := h.Svc.Open(ctx, body, c.GetHeader("Authorization"))
	if err != nil {
		h.failChat(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		// can't stream
		relay.Close()
		common.Fail(c, http.StatusInternalServerError, chat.MsgGateway)
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()

	res := relay.Run(ctx, newSSEWriter(c.Writer, flusher))
	h.Logger.Debug("stream finished",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.Bool("done", res.Done),
		zap.Int("payloads", res.Payloads),
		zap.Int("content_len", len(res.Content)))
}

func (h *Handler) failChat(c *gin.Context, err error) {
	var e *chat.Error
	if !errors.As(err, &e) {
		h.Logger.Error("chat request failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, chat.MsgGateway)
		return
	}
	if e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfter))
		common.FailRetry(c, e.Status, e.Message, e.RetryAfter)
		return
	}
	common.Fail(c, e.Status, e.Message)
}
