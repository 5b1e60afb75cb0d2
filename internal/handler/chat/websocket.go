package chat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
	"github.com/zhouzirui/bubble-relay/pkg/utils"
)

const (
	readTimeout   = 60 * time.Second
	pingInterval  = 54 * time.Second
	writeTimeout  = 10 * time.Second
	sseHeartbeat  = 15 * time.Second
	maxFrameBytes = 64 << 10
)

// InboundHandler receives the messages typed by chat clients.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg chat.InboundMessage) error
}

// WebSocketHandler WebSocket聊天处理器
type WebSocketHandler struct {
	transport *Transport
	inbound   InboundHandler
	upgrader  websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(transport *Transport, inbound InboundHandler) *WebSocketHandler {
	return &WebSocketHandler{
		transport: transport,
		inbound:   inbound,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket和SSE路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{chatID}", h.handleWebSocket)
	r.Get("/chats/{chatID}/events", h.handleEvents)
}

type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if chatID == "" || userID == "" {
		utils.RespondError(w, http.StatusBadRequest, "chatID and user are required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().Str("chat_id", chatID).Str("user_id", userID).Logger()
	logger.Info().Msg("websocket connected")
	defer logger.Info().Msg("websocket disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames, unsubscribe := h.transport.Subscribe(chatID)
	defer unsubscribe()

	// Replies to the client itself share the writer with chat frames.
	direct := make(chan Frame, 4)
	go h.writeLoop(ctx, cancel, conn, frames, direct)

	direct <- Frame{Type: FrameConnected, ChatID: chatID, Timestamp: time.Now().Unix()}

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var in inboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if in.Type != "text" {
			h.replyError(ctx, direct, chatID, "unsupported frame type: "+in.Type)
			continue
		}
		msg := chat.InboundMessage{
			ChatID:    chatID,
			UserID:    userID,
			Text:      in.Text,
			Timestamp: time.Now().UTC(),
		}
		if err := h.inbound.HandleInbound(ctx, msg); err != nil {
			logger.Warn().Err(err).Msg("failed to handle inbound message")
			h.replyError(ctx, direct, chatID, err.Error())
		}
	}
}

// writeLoop is the only writer of conn.
func (h *WebSocketHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, frames <-chan Frame, direct <-chan Frame) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(frame Frame) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			log.Debug().Err(err).Str("chat_id", frame.ChatID).Msg("websocket write failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case frame, ok := <-frames:
			if !ok || !write(frame) {
				return
			}
		case frame := <-direct:
			if !write(frame) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) replyError(ctx context.Context, direct chan<- Frame, chatID, message string) {
	select {
	case direct <- Frame{Type: FrameError, ChatID: chatID, Text: message, Timestamp: time.Now().Unix()}:
	case <-ctx.Done():
	}
}

// handleEvents 以SSE推送聊天的消息和编辑，供只读客户端使用。
func (h *WebSocketHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	frames, unsubscribe := h.transport.Subscribe(chatID)
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, FrameConnected, Frame{Type: FrameConnected, ChatID: chatID, Timestamp: time.Now().Unix()}); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, frame.Type, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
