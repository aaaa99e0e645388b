package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"messenger/internal/keymutex"
	"messenger/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatID 由两个参与者 id 确定性地生成，与顺序无关。
func ChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// ChatService 封装会话与消息历史。
// 同一会话的读改写通过 locks 串行化，避免并发发送丢消息。
type ChatService struct {
	db    *gorm.DB
	locks *keymutex.KeyMutex
}

func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{db: db, locks: keymutex.New()}
}

// WithTx 返回绑定到事务的副本，共享同一组会话锁。
func (s *ChatService) WithTx(tx *gorm.DB) *ChatService {
	return &ChatService{db: tx, locks: s.locks}
}

func (s *ChatService) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&chat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("This chat was not found")
		}
		return nil, err
	}
	return &chat, nil
}

// GetUserChats 返回参与者中包含 (userID, userName) 这一对的全部会话。
// 名字过期的会话在改名传播完成前查不到。
func (s *ChatService) GetUserChats(ctx context.Context, userID, userName string) ([]models.Chat, error) {
	var candidates []models.Chat
	if err := s.db.WithContext(ctx).
		Where("participants LIKE ?", "%"+userID+"%").
		Order("created_at").
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	out := make([]models.Chat, 0, len(candidates))
	for _, c := range candidates {
		if c.HasParticipant(userID, userName) {
			out = append(out, c)
		}
	}
	return out, nil
}

// AddChat 按 chatID 原子地查找或创建会话，返回是否新建。
func (s *ChatService) AddChat(ctx context.Context, chatID, userID, receiverID string) (*models.Chat, bool, error) {
	if userID == receiverID {
		return nil, false, BadRequest("You can't start a chat with yourself")
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", []string{userID, receiverID}).Find(&users).Error; err != nil {
		return nil, false, err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	sender, ok1 := names[userID]
	receiver, ok2 := names[receiverID]
	if !ok1 || !ok2 {
		return nil, false, NotFound("Participants not found")
	}

	chat := models.Chat{
		ChatID: chatID,
		Participants: []models.Participant{
			{UserID: userID, UserName: sender},
			{UserID: receiverID, UserName: receiver},
		},
		Messages: []models.Message{},
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&chat)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &chat, true, nil
	}
	existing, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *ChatService) RemoveChat(ctx context.Context, chatID string) error {
	res := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&models.Chat{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NotFound("This chat was not found")
	}
	return nil
}

// SaveMessages 追加消息并返回更新后的会话。
func (s *ChatService) SaveMessages(ctx context.Context, chatID string, msgs []models.Message) (*models.Chat, error) {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	var chat models.Chat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("chat_id = ?", chatID).First(&chat).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return BadRequest("This chat was not found")
			}
			return err
		}
		chat.Messages = append(chat.Messages, msgs...)
		return tx.Model(&chat).Select("messages", "updated_at").Updates(&chat).Error
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// RenameParticipant 把用户在所有会话中的缓存名及其历史消息署名改为 newName。
// 需在事务中调用（见 WithTx），行锁与 SaveMessages 互斥。
func (s *ChatService) RenameParticipant(ctx context.Context, userID, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	chats, err := s.GetUserChats(ctx, userID, oldName)
	if err != nil {
		return err
	}
	for _, c := range chats {
		if err := s.renameInChat(ctx, c.ChatID, userID, oldName, newName); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChatService) renameInChat(ctx context.Context, chatID, userID, oldName, newName string) error {
	var chat models.Chat
	if err := s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("chat_id = ?", chatID).First(&chat).Error; err != nil {
		return err
	}
	for i := range chat.Participants {
		if chat.Participants[i].UserID == userID {
			chat.Participants[i].UserName = newName
		}
	}
	for i := range chat.Messages {
		if chat.Messages[i].Name == oldName {
			chat.Messages[i].Name = newName
		}
	}
	return s.db.WithContext(ctx).Model(&chat).Select("participants", "messages", "updated_at").Updates(&chat).Error
}
