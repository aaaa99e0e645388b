package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"messenger/internal/auth"
	"messenger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	refreshCookie  = "refreshToken"
	maxAvatarBytes = 5 << 20
)

var avatarTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	users     *service.UserService
	friends   *service.FriendsService
	chats     *service.ChatService
	msgs      *service.MessageService
	tokens    *auth.TokenManager
	avatarDir string
	secure    bool
}

func NewHandler(users *service.UserService, friends *service.FriendsService, chats *service.ChatService,
	msgs *service.MessageService, tokens *auth.TokenManager, avatarDir string, secure bool) *Handler {
	return &Handler{users: users, friends: friends, chats: chats, msgs: msgs, tokens: tokens, avatarDir: avatarDir, secure: secure}
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// writeError 业务错误按 Kind 映射状态码，其余错误只返回通用信息。
func writeError(c *gin.Context, err error) {
	var e *service.Error
	if errors.As(err, &e) {
		c.JSON(e.Kind.Status(), gin.H{"message": e.Message, "errors": []fieldError{}})
		return
	}
	log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"message": "Unexpected error"})
}

// bind 解析 JSON 请求体，校验失败返回 400 与逐字段错误。
func bind(c *gin.Context, req interface{}) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	fields := []fieldError{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields = append(fields, fieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"message": "Validation error", "errors": fields})
	return false
}

// self 要求路径或请求体中的用户 id 与 access token 一致。
func self(c *gin.Context, userID string) bool {
	claims := auth.GetClaims(c)
	if claims == nil || claims.UserID != userID {
		writeError(c, service.Unauthorized())
		return false
	}
	return true
}

func (h *Handler) setRefreshCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(refreshCookie, token, int(h.tokens.RefreshTTL().Seconds()), "/", "", h.secure, true)
}

func (h *Handler) clearRefreshCookie(c *gin.Context) {
	c.SetCookie(refreshCookie, "", -1, "/", "", h.secure, true)
}

func (h *Handler) Registration(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required,max=30"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=8,max=24"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := h.users.Register(c.Request.Context(), strings.TrimSpace(req.Name), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	h.setRefreshCookie(c, res.RefreshToken)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	h.setRefreshCookie(c, res.RefreshToken)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Logout(c *gin.Context) {
	id := c.Param("id")
	if !self(c, id) {
		return
	}
	token, _ := c.Cookie(refreshCookie)
	ok, err := h.users.Logout(c.Request.Context(), id, token)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, service.BadRequest("This User has not logged out"))
		return
	}
	h.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) Refresh(c *gin.Context) {
	token, _ := c.Cookie(refreshCookie)
	res, err := h.users.Refresh(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return
	}
	h.setRefreshCookie(c, res.RefreshToken)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetUserData(c *gin.Context) {
	user, err := h.users.GetUserData(auth.BearerToken(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) UpdateAccountData(c *gin.Context) {
	var req struct {
		OldData struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		} `json:"oldData"`
		NewData struct {
			Name     string `json:"name" binding:"required,max=30"`
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required,min=8,max=24"`
		} `json:"newData"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := h.users.UpdateAccountData(c.Request.Context(), req.OldData.Email, req.OldData.Password,
		strings.TrimSpace(req.NewData.Name), req.NewData.Email, req.NewData.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	h.setRefreshCookie(c, res.RefreshToken)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) UpdateUserName(c *gin.Context) {
	id := c.Param("id")
	if !self(c, id) {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required,max=30"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := h.users.UpdateUserName(c.Request.Context(), id, strings.TrimSpace(req.Name))
	if err != nil {
		writeError(c, err)
		return
	}
	h.setRefreshCookie(c, res.RefreshToken)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RemoveAccount(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.users.RemoveAccount(c.Request.Context(), req.Email, req.Password); err != nil {
		writeError(c, err)
		return
	}
	h.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetAvatar(c *gin.Context) {
	rel, err := h.users.GetAvatar(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.File(filepath.Join(h.avatarDir, filepath.FromSlash(rel)))
}

// UpdateAvatar 替换用户目录下的唯一头像文件。
func (h *Handler) UpdateAvatar(c *gin.Context) {
	id := c.Param("id")
	if !self(c, id) {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAvatarBytes)
	fh, err := c.FormFile("avatar")
	if err != nil {
		writeError(c, service.BadRequest("Avatar file is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	ext, ok := avatarTypes[http.DetectContentType(head[:n])]
	if !ok {
		writeError(c, service.BadRequest("Only png and jpeg images are allowed"))
		return
	}

	dir := filepath.Join(h.avatarDir, filepath.Base(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(c, err)
		return
	}
	name := uuid.NewString() + ext
	if err := c.SaveUploadedFile(fh, filepath.Join(dir, name)); err != nil {
		writeError(c, err)
		return
	}
	rel := filepath.Base(id) + "/" + name
	if err := h.users.UpdateAvatar(c.Request.Context(), id, rel); err != nil {
		_ = os.Remove(filepath.Join(dir, name))
		writeError(c, err)
		return
	}
	// 新文件落盘且入库后才清理旧文件，失败时旧头像仍可用。
	removeSiblings(dir, name)
	c.JSON(http.StatusOK, gin.H{"avatarPath": "/avatars/" + rel})
}

func removeSiblings(dir, keep string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("list avatar dir")
		return
	}
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("remove old avatar")
		}
	}
}

type friendRequest struct {
	UserID   string `json:"userId" binding:"required"`
	FriendID string `json:"friendId" binding:"required"`
}

func (h *Handler) AddFriend(c *gin.Context) {
	var req friendRequest
	if !bind(c, &req) || !self(c, req.UserID) {
		return
	}
	if _, err := h.friends.AddFriend(c.Request.Context(), req.UserID, req.FriendID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RemoveFriend(c *gin.Context) {
	var req friendRequest
	if !bind(c, &req) || !self(c, req.UserID) {
		return
	}
	if _, err := h.friends.RemoveFriend(c.Request.Context(), req.UserID, req.FriendID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetFriends(c *gin.Context) {
	id := c.Param("id")
	if !self(c, id) {
		return
	}
	friends, err := h.friends.GetFriends(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, friends)
}

func (h *Handler) SearchUsers(c *gin.Context) {
	users, err := h.friends.SearchUsers(c.Request.Context(), c.Param("id"), c.Param("search"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// GetUserChats 未传 name 时使用 token 中的用户名做配对。
func (h *Handler) GetUserChats(c *gin.Context) {
	id := c.Param("id")
	if !self(c, id) {
		return
	}
	name := c.Query("name")
	if name == "" {
		name = auth.GetClaims(c).Name
	}
	chats, err := h.chats.GetUserChats(c.Request.Context(), id, name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

// ListMessages 分页读取会话历史。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	before, _ := strconv.Atoi(c.Query("before"))
	page, err := h.msgs.ListByChat(c.Request.Context(), c.Param("chatId"), auth.GetClaims(c).UserID, limit, before)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
