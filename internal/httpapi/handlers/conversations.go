package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"go.uber.org/zap"
)

type createConversationReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, chat.MsgUnauthorized)
		return
	}

	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty body

	conv, err := h.Svc.CreateConversation(c.Request.Context(), uid, req.Title)
	if err != nil {
		h.Logger.Error("create conversation failed", zap.String("user_id", uid), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, "Failed to create conversation")
		return
	}
	common.OK(c, http.StatusCreated, conv)
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, chat.MsgUnauthorized)
		return
	}

	msgs, err := h.Svc.ListMessages(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.Logger.Error("list messages failed", zap.String("user_id", uid), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	common.OK(c, http.StatusOK, gin.H{"messages": msgs})
}
