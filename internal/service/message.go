package service

import (
	"context"

	"messenger/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MessageService 提供会话历史的分页读取。
type MessageService struct {
	chats *ChatService
}

func NewMessageService(chats *ChatService) *MessageService {
	return &MessageService{chats: chats}
}

// MessagePage 是一页历史消息，Next 为下一页的 before 游标，-1 表示没有更早的消息。
type MessagePage struct {
	ChatID   string           `json:"chatId"`
	Messages []models.Message `json:"messages"`
	Next     int              `json:"next"`
}

// ListByChat 以消息下标为游标向前翻页，按时间升序返回。
// before <= 0 或越界时从最新一条开始；调用者必须是会话参与者。
func (s *MessageService) ListByChat(ctx context.Context, chatID, userID string, limit, before int) (*MessagePage, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	member := false
	for _, p := range chat.Participants {
		if p.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		return nil, Unauthorized()
	}

	end := len(chat.Messages)
	if before > 0 && before < end {
		end = before
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := &MessagePage{ChatID: chatID, Messages: make([]models.Message, 0, end-start), Next: -1}
	page.Messages = append(page.Messages, chat.Messages[start:end]...)
	if start > 0 {
		page.Next = start
	}
	return page, nil
}
