package chat

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
	chatService "github.com/zhouzirui/bubble-relay/internal/service/chat"
	"github.com/zhouzirui/bubble-relay/internal/service/usage"
	"github.com/zhouzirui/bubble-relay/pkg/utils"
)

// Resetter 清空聊天历史并取消进行中的生成
type Resetter interface {
	Reset(ctx context.Context, chatID string) error
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc  *chatService.Service
	resetter Resetter
	reporter usage.Reporter
}

// New 创建聊天处理器，reporter 可以为 nil
func New(chatSvc *chatService.Service, resetter Resetter, reporter usage.Reporter) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		resetter: resetter,
		reporter: reporter,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/history", h.handleHistory)
	r.Get("/chats/{chatID}/usage", h.handleUsage)
	r.Post("/chats/{chatID}/reset", h.handleReset)
	r.Get("/usage", h.handleTotalUsage)
}

type historyResponse struct {
	ChatID string      `json:"chatId"`
	Limit  int         `json:"limit"`
	Turns  []chat.Turn `json:"turns"`
}

// handleHistory 返回聊天的历史记录
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	turns := h.chatSvc.History(r.Context(), chatID)
	if turns == nil {
		turns = []chat.Turn{}
	}
	utils.RespondJSON(w, http.StatusOK, historyResponse{
		ChatID: chatID,
		Limit:  h.chatSvc.Limit(),
		Turns:  turns,
	})
}

// handleUsage 返回单个聊天的 token 用量
func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "usage statistics unavailable")
		return
	}
	chatID := chi.URLParam(r, "chatID")
	totals, err := h.reporter.ChatUsage(r.Context(), chatID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("failed to query usage")
		utils.RespondError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	utils.RespondJSON(w, http.StatusOK, totals)
}

// handleTotalUsage 返回所有聊天的 token 用量
func (h *Handler) handleTotalUsage(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "usage statistics unavailable")
		return
	}
	totals, err := h.reporter.TotalUsage(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to query total usage")
		utils.RespondError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	utils.RespondJSON(w, http.StatusOK, totals)
}

// handleReset 清空聊天历史
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := h.resetter.Reset(r.Context(), chatID); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to reset chat")
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
