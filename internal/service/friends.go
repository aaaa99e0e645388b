package service

import (
	"context"
	"errors"
	"strings"

	"messenger/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserWithOnlineStatus 是好友列表与搜索结果的条目。
type UserWithOnlineStatus struct {
	UserDTO
	Online bool `json:"online"`
}

// FriendsService 维护单向好友关系：A 加 B 不会修改 B 的列表。
type FriendsService struct {
	db *gorm.DB
}

func NewFriendsService(db *gorm.DB) *FriendsService {
	return &FriendsService{db: db}
}

func (s *FriendsService) findList(ctx context.Context, userID string) (*models.Friends, error) {
	var friends models.Friends
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&friends).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &friends, nil
}

func (s *FriendsService) AddFriend(ctx context.Context, userID, friendID string) ([]string, error) {
	if userID == friendID {
		return nil, BadRequest("You can't add yourself as a friend")
	}
	var friend models.User
	if err := s.db.WithContext(ctx).Where("id = ?", friendID).First(&friend).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("This User was not found")
		}
		return nil, err
	}

	var out []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 旧账号可能没有好友行，先补一行空列表，再加行锁读改写。
		empty := models.Friends{UserID: userID, FriendsList: []string{}}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&empty).Error; err != nil {
			return err
		}
		friends, err := lockList(tx, userID)
		if err != nil {
			return err
		}
		for _, id := range friends.FriendsList {
			if id == friendID {
				return BadRequest("This user is already in friend list")
			}
		}
		friends.FriendsList = append(friends.FriendsList, friendID)
		out = friends.FriendsList
		return tx.Model(friends).Select("friends_list", "updated_at").Updates(friends).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveFriend 不在列表中的 friendID 视为空操作。
func (s *FriendsService) RemoveFriend(ctx context.Context, userID, friendID string) ([]string, error) {
	var kept []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		friends, err := lockList(tx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BadRequest("This user's friends list is empty")
		}
		if err != nil {
			return err
		}
		if len(friends.FriendsList) == 0 {
			return BadRequest("This user's friends list is empty")
		}
		kept = make([]string, 0, len(friends.FriendsList))
		for _, id := range friends.FriendsList {
			if id != friendID {
				kept = append(kept, id)
			}
		}
		friends.FriendsList = kept
		return tx.Model(friends).Select("friends_list", "updated_at").Updates(friends).Error
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

// lockList 在事务内以 FOR UPDATE 读取好友行。
func lockList(tx *gorm.DB, userID string) (*models.Friends, error) {
	var friends models.Friends
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&friends).Error; err != nil {
		return nil, err
	}
	return &friends, nil
}

// GetFriends 解析好友 id，查不到的用户直接丢弃。
func (s *FriendsService) GetFriends(ctx context.Context, userID string) ([]UserWithOnlineStatus, error) {
	friends, err := s.findList(ctx, userID)
	if err != nil {
		return nil, err
	}
	if friends == nil || len(friends.FriendsList) == 0 {
		return []UserWithOnlineStatus{}, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", friends.FriendsList).Find(&users).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	statuses, err := s.onlineStatuses(ctx, friends.FriendsList)
	if err != nil {
		return nil, err
	}
	out := make([]UserWithOnlineStatus, 0, len(users))
	for _, id := range friends.FriendsList {
		u, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, UserWithOnlineStatus{UserDTO: NewUserDTO(u), Online: statuses[id]})
	}
	return out, nil
}

// SearchUsers 按名字做大小写不敏感的子串匹配，排除调用者自己。
func (s *FriendsService) SearchUsers(ctx context.Context, userID, search string) ([]UserWithOnlineStatus, error) {
	pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
	var users []models.User
	if err := s.db.WithContext(ctx).
		Where("id <> ? AND LOWER(name) LIKE ? ESCAPE '\\'", userID, pattern).
		Order("name").
		Find(&users).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	statuses, err := s.onlineStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]UserWithOnlineStatus, 0, len(users))
	for _, u := range users {
		out = append(out, UserWithOnlineStatus{UserDTO: NewUserDTO(u), Online: statuses[u.ID]})
	}
	return out, nil
}

// FriendsOnlineStatuses 返回好友 id 到在线状态的映射，没有状态行的视为离线。
func (s *FriendsService) FriendsOnlineStatuses(ctx context.Context, userID string) (map[string]bool, error) {
	friends, err := s.findList(ctx, userID)
	if err != nil {
		return nil, err
	}
	if friends == nil {
		return map[string]bool{}, nil
	}
	statuses, err := s.onlineStatuses(ctx, friends.FriendsList)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(friends.FriendsList))
	for _, id := range friends.FriendsList {
		out[id] = statuses[id]
	}
	return out, nil
}

func (s *FriendsService) onlineStatuses(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.OnlineStatus
	if err := s.db.WithContext(ctx).Where("user_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.UserID] = r.Online
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
