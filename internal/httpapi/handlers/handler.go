package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"go.uber.org/zap"
)

// 1 MiB is far above any realistic conversation payload.
const maxChatBody = 1 << 20

type Handler struct {
	Svc    *chat.Service
	Logger *zap.Logger
}

func NewHandler(svc *chat.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Svc: svc, Logger: logger.Named("http")}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// Preflight answers bare OPTIONS requests; CORS preflights are handled by the
// cors middleware before reaching here.
func (h *Handler) Preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}
