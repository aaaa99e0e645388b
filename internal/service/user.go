package service

import (
	"context"
	"errors"
	"time"

	"messenger/internal/auth"
	"messenger/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserDTO 是对外输出的用户数据，不含密码哈希。
type UserDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func NewUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

func (d UserDTO) subject() auth.Subject {
	return auth.Subject{ID: d.ID, Name: d.Name, Email: d.Email, Role: d.Role}
}

// AuthResult 是注册、登录、刷新、资料更新的统一返回。
type AuthResult struct {
	User         UserDTO `json:"user"`
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
}

// UserService 封装账号、会话凭证与在线状态相关的业务逻辑。
type UserService struct {
	db     *gorm.DB
	tokens *auth.TokenManager
	chats  *ChatService
}

func NewUserService(db *gorm.DB, tokens *auth.TokenManager, chats *ChatService) *UserService {
	return &UserService{db: db, tokens: tokens, chats: chats}
}

func (s *UserService) findByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// authenticate 校验邮箱与密码，邮箱不存在返回 NotFound，密码错误返回 BadRequest。
func (s *UserService) authenticate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, NotFound("User with this email was not found")
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, BadRequest("Incorrect password")
	}
	return user, nil
}

// issue 签发 token 对并覆盖保存 refresh token。
func (s *UserService) issue(ctx context.Context, tokens *auth.TokenManager, u models.User) (*AuthResult, error) {
	dto := NewUserDTO(u)
	pair, err := tokens.IssueTokens(dto.subject())
	if err != nil {
		return nil, err
	}
	if err := tokens.PersistRefresh(ctx, dto.ID, pair.RefreshToken); err != nil {
		return nil, err
	}
	return &AuthResult{User: dto, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Register 创建用户及其在线状态、头像、好友记录，并签发 token。
func (s *UserService) Register(ctx context.Context, name, email, password string) (*AuthResult, error) {
	existing, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, Conflict("User with the email address " + email + " already exists")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{ID: uuid.NewString(), Name: name, Email: email, PasswordHash: hash, Role: models.RoleUser}

	var result *AuthResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.OnlineStatus{UserID: user.ID, Online: false}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.Avatar{UserID: user.ID}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.Friends{UserID: user.ID, FriendsList: []string{}}).Error; err != nil {
			return err
		}
		r, err := s.issue(ctx, s.tokens.WithDB(tx), user)
		result = r
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发注册同一邮箱时，预检查之后的插入由唯一索引兜底。
		return nil, Conflict("User with the email address " + email + " already exists")
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *UserService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, s.tokens, *user)
}

// Logout 返回是否真的删除了 refresh token，调用方据此区分“已登出”。
func (s *UserService) Logout(ctx context.Context, userID, refreshToken string) (bool, error) {
	if refreshToken == "" {
		return false, Unauthenticated()
	}
	return s.tokens.RevokeRefresh(ctx, userID, refreshToken)
}

// Refresh 轮换 token：两枚都重新签发，旧 refresh token 随即失效。
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, Unauthenticated()
	}
	claims := s.tokens.VerifyRefresh(refreshToken)
	if claims == nil {
		return nil, Unauthenticated()
	}
	stored, err := s.tokens.LookupRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.UserID != claims.UserID {
		return nil, Unauthenticated()
	}
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", claims.UserID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("This user was not found")
		}
		return nil, err
	}
	return s.issue(ctx, s.tokens, user)
}

// GetUserData 直接从 access token 的 claims 还原用户数据。
func (s *UserService) GetUserData(accessToken string) (*UserDTO, error) {
	claims := s.tokens.VerifyAccess(accessToken)
	if claims == nil {
		return nil, Unauthorized()
	}
	return &UserDTO{ID: claims.UserID, Name: claims.Name, Email: claims.Email, Role: claims.Role}, nil
}

// UpdateAccountData 先校验当前密码，再把改名传播到会话，最后提交用户行。
func (s *UserService) UpdateAccountData(ctx context.Context, email, password, newName, newEmail, newPassword string) (*AuthResult, error) {
	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if newEmail != email {
		taken, err := s.findByEmail(ctx, newEmail)
		if err != nil {
			return nil, err
		}
		if taken != nil {
			return nil, Conflict("User with the email address " + newEmail + " already exists")
		}
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}
	res, err := s.updateUser(ctx, *user, map[string]interface{}{
		"name":          newName,
		"email":         newEmail,
		"password_hash": hash,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, Conflict("User with the email address " + newEmail + " already exists")
	}
	return res, err
}

// UpdateUserName 只修改名字，同样传播到会话。
func (s *UserService) UpdateUserName(ctx context.Context, userID, newName string) (*AuthResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("This User was not found")
		}
		return nil, err
	}
	return s.updateUser(ctx, user, map[string]interface{}{"name": newName})
}

func (s *UserService) updateUser(ctx context.Context, user models.User, changes map[string]interface{}) (*AuthResult, error) {
	var result *AuthResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if newName, ok := changes["name"].(string); ok {
			if err := s.chats.WithTx(tx).RenameParticipant(ctx, user.ID, user.Name, newName); err != nil {
				return err
			}
		}
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(changes).Error; err != nil {
			return err
		}
		var updated models.User
		if err := tx.Where("id = ?", user.ID).First(&updated).Error; err != nil {
			return err
		}
		r, err := s.issue(ctx, s.tokens.WithDB(tx), updated)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveAccount 校验密码后删除用户及全部附属记录。
func (s *UserService) RemoveAccount(ctx context.Context, email, password string) error {
	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return err
	}
	return s.RemoveAccountByID(ctx, user.ID)
}

func (s *UserService) RemoveAccountByID(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, satellite := range []interface{}{&models.RefreshToken{}, &models.OnlineStatus{}, &models.Avatar{}, &models.Friends{}} {
			if err := tx.Where("user_id = ?", userID).Delete(satellite).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id = ?", userID).Delete(&models.User{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NotFound("This User was not found")
		}
		return nil
	})
}

func (s *UserService) GetAvatar(ctx context.Context, userID string) (string, error) {
	var avatar models.Avatar
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&avatar).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	if err != nil || avatar.AvatarPath == nil || *avatar.AvatarPath == "" {
		return "", NotFound("This avatar was not found")
	}
	return *avatar.AvatarPath, nil
}

func (s *UserService) UpdateAvatar(ctx context.Context, userID, avatarPath string) error {
	rec := models.Avatar{UserID: userID, AvatarPath: &avatarPath}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"avatar_path", "updated_at"}),
	}).Create(&rec).Error
}

// ChangeOnlineStatus 无条件写入在线状态，仅由 ws.Hub 调用。
func (s *UserService) ChangeOnlineStatus(ctx context.Context, userID string, online bool) error {
	rec := models.OnlineStatus{UserID: userID, Online: online}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"online", "updated_at"}),
	}).Create(&rec).Error
}

// TouchOnlineStatuses 刷新仍有活跃连接的用户的心跳时间。
func (s *UserService) TouchOnlineStatuses(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.OnlineStatus{}).
		Where("user_id IN ?", userIDs).
		Updates(map[string]interface{}{"online": true, "updated_at": time.Now()}).Error
}

// ExpireOnlineStatuses 把 cutoff 之前未刷新的在线记录置为离线，返回受影响的行数。
func (s *UserService) ExpireOnlineStatuses(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.OnlineStatus{}).
		Where("online = ? AND updated_at < ?", true, cutoff).
		Updates(map[string]interface{}{"online": false, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}
