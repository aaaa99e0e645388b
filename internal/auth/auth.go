package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"messenger/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claims 是 access 与 refresh token 共用的载荷。
type Claims struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Subject struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// TokenManager 签发、校验 token，并维护每个用户唯一的 refresh token 记录。
type TokenManager struct {
	db            *gorm.DB
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewTokenManager(db *gorm.DB, accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*TokenManager, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("jwt secret does not exist")
	}
	return &TokenManager{
		db:            db,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

// WithDB 返回共享密钥但使用另一个连接（通常是事务）的副本。
func (m *TokenManager) WithDB(db *gorm.DB) *TokenManager {
	cp := *m
	cp.db = db
	return &cp
}

// SetClock 替换时间来源，测试用。
func (m *TokenManager) SetClock(now func() time.Time) { m.now = now }

func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

func (m *TokenManager) sign(s Subject, secret []byte, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		UserID: s.ID,
		Name:   s.Name,
		Email:  s.Email,
		Role:   s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   s.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// IssueTokens 用两个独立密钥和有效期签发同一组 claims。
func (m *TokenManager) IssueTokens(s Subject) (Tokens, error) {
	at, err := m.sign(s, m.accessSecret, m.accessTTL)
	if err != nil {
		return Tokens{}, err
	}
	rt, err := m.sign(s, m.refreshSecret, m.refreshTTL)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: at, RefreshToken: rt}, nil
}

func (m *TokenManager) parse(tokenStr string, secret []byte) *Claims {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return nil
	}
	return claims
}

// VerifyAccess 校验失败（签名、过期、格式）一律返回 nil。
func (m *TokenManager) VerifyAccess(token string) *Claims { return m.parse(token, m.accessSecret) }

func (m *TokenManager) VerifyRefresh(token string) *Claims { return m.parse(token, m.refreshSecret) }

// PersistRefresh 覆盖用户已有的 refresh token。
func (m *TokenManager) PersistRefresh(ctx context.Context, userID, token string) error {
	rec := models.RefreshToken{UserID: userID, Token: token}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"refresh_token", "updated_at"}),
	}).Create(&rec).Error
}

// RevokeRefresh 删除匹配的记录，返回是否真的删除了一行。
func (m *TokenManager) RevokeRefresh(ctx context.Context, userID, token string) (bool, error) {
	res := m.db.WithContext(ctx).Where("user_id = ? AND refresh_token = ?", userID, token).Delete(&models.RefreshToken{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// LookupRefresh 找不到时返回 nil, nil。
func (m *TokenManager) LookupRefresh(ctx context.Context, token string) (*models.RefreshToken, error) {
	var rec models.RefreshToken
	err := m.db.WithContext(ctx).Where("refresh_token = ?", token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const claimsKey = "claims"

// BearerToken 从 Authorization 头取出 token。
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

// Middleware 拒绝缺失或无效 access token 的请求。
func Middleware(tm *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "User is not authorized"})
			return
		}
		claims := tm.VerifyAccess(token)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "User is not authorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func GetClaims(c *gin.Context) *Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok2 := v.(*Claims); ok2 {
			return claims
		}
	}
	return nil
}
