package chat

import "time"

// InboundMessage is a chat event received from the transport.
type InboundMessage struct {
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
