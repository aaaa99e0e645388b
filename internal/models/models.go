package models

import "time"

const RoleUser = "USER"

type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Name         string    `gorm:"size:30;not null" json:"name"`
	Email        string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	PasswordHash string    `gorm:"size:60;not null" json:"-"`
	Role         string    `gorm:"size:32;not null;default:USER" json:"role"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`

	// 四个附属记录均随 User 级联删除。
	Token        *RefreshToken `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	OnlineStatus *OnlineStatus `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Avatar       *Avatar       `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Friends      *Friends      `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// RefreshToken 每个用户至多一行，新签发的值覆盖旧值。
type RefreshToken struct {
	UserID    string `gorm:"primaryKey;size:36"`
	Token     string `gorm:"column:refresh_token;type:text;not null;index"`
	UpdatedAt time.Time
}

type OnlineStatus struct {
	UserID    string    `gorm:"primaryKey;size:36" json:"userId"`
	Online    bool      `gorm:"not null;default:false" json:"online"`
	UpdatedAt time.Time `gorm:"index" json:"-"`
}

type Avatar struct {
	UserID     string  `gorm:"primaryKey;size:36"`
	AvatarPath *string `gorm:"size:512"`
	UpdatedAt  time.Time
}

// Friends 以序列存储，语义上是集合：无重复、不含自己。
type Friends struct {
	UserID      string   `gorm:"primaryKey;size:36"`
	FriendsList []string `gorm:"serializer:json;type:text"`
	UpdatedAt   time.Time
}

type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type Message struct {
	ChatID  string `json:"chatId"`
	Date    string `json:"date"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Chat 的参与者恒为两人，消息只追加。
type Chat struct {
	ChatID       string        `gorm:"primaryKey;size:128" json:"chatId"`
	Participants []Participant `gorm:"serializer:json;type:text" json:"participants"`
	Messages     []Message     `gorm:"serializer:json;type:text" json:"messages"`
	CreatedAt    time.Time     `json:"-"`
	UpdatedAt    time.Time     `json:"-"`
}

// HasParticipant 精确匹配 (userId, userName) 对。
func (c *Chat) HasParticipant(userID, userName string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID && p.UserName == userName {
			return true
		}
	}
	return false
}
