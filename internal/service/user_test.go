package service

import (
	"context"
	"testing"
	"time"

	"messenger/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRegister_CreatesSatelliteRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.users.Register(ctx, "alice", "alice@example.com", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, res.User.ID)
	assert.Equal(t, "alice", res.User.Name)
	assert.Equal(t, models.RoleUser, res.User.Role)

	var status models.OnlineStatus
	require.NoError(t, f.db.Where("user_id = ?", res.User.ID).First(&status).Error)
	assert.False(t, status.Online)

	var avatar models.Avatar
	require.NoError(t, f.db.Where("user_id = ?", res.User.ID).First(&avatar).Error)
	assert.Nil(t, avatar.AvatarPath)

	var friends models.Friends
	require.NoError(t, f.db.Where("user_id = ?", res.User.ID).First(&friends).Error)
	assert.Empty(t, friends.FriendsList)

	rec, err := f.tokens.LookupRefresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, res.User.ID, rec.UserID)

	var user models.User
	require.NoError(t, f.db.Where("id = ?", res.User.ID).First(&user).Error)
	assert.NotEqual(t, "password123", user.PasswordHash)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")

	_, err := f.users.Register(context.Background(), "other", "alice@example.com", "password123")
	requireKind(t, err, KindConflict)
}

// 在插入用户前抢先写入同邮箱的行，模拟两个注册请求都通过了预检查。
func TestRegister_DuplicateEmailRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	raced := false
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:concurrent_register", func(tx *gorm.DB) {
		u, ok := tx.Statement.Dest.(*models.User)
		if !ok || raced {
			return
		}
		raced = true
		rival := models.User{ID: uuid.NewString(), Name: "rival", Email: u.Email, PasswordHash: "x", Role: models.RoleUser}
		require.NoError(t, tx.Session(&gorm.Session{NewDB: true}).Create(&rival).Error)
	}))

	_, err := f.users.Register(context.Background(), "alice", "alice@example.com", "password123")
	requireKind(t, err, KindConflict)

	var count int64
	require.NoError(t, f.db.Model(&models.User{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice")
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		kind     Kind
	}{
		{"unknown email", "nobody@example.com", "password123", KindNotFound},
		{"wrong password", "alice@example.com", "wrong-password", KindBadRequest},
		{"ok", "alice@example.com", "password123", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.users.Login(ctx, tt.email, tt.password)
			if tt.kind != 0 {
				requireKind(t, err, tt.kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, alice.ID, res.User.ID)
			claims := f.tokens.VerifyAccess(res.AccessToken)
			require.NotNil(t, claims)
			assert.Equal(t, alice.ID, claims.UserID)
		})
	}
}

func TestLogin_ReplacesRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.users.Register(ctx, "alice", "alice@example.com", "password123")
	require.NoError(t, err)

	second, err := f.users.Login(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	rec, err := f.tokens.LookupRefresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = f.tokens.LookupRefresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.users.Register(ctx, "alice", "alice@example.com", "password123")
	require.NoError(t, err)

	_, err = f.users.Logout(ctx, res.User.ID, "")
	requireKind(t, err, KindUnauthenticated)

	removed, err := f.users.Logout(ctx, res.User.ID, res.RefreshToken)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.users.Logout(ctx, res.User.ID, res.RefreshToken)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.users.Refresh(ctx, res.RefreshToken)
	requireKind(t, err, KindUnauthenticated)
}

func TestRefresh_Rotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.users.Register(ctx, "alice", "alice@example.com", "password123")
	require.NoError(t, err)

	rotated, err := f.users.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, res.User, rotated.User)
	assert.NotEqual(t, res.RefreshToken, rotated.RefreshToken)

	_, err = f.users.Refresh(ctx, res.RefreshToken)
	requireKind(t, err, KindUnauthenticated)

	_, err = f.users.Refresh(ctx, "garbage")
	requireKind(t, err, KindUnauthenticated)

	_, err = f.users.Refresh(ctx, rotated.AccessToken)
	requireKind(t, err, KindUnauthenticated)
}

func TestGetUserData(t *testing.T) {
	f := newFixture(t)
	res, err := f.users.Register(context.Background(), "alice", "alice@example.com", "password123")
	require.NoError(t, err)

	got, err := f.users.GetUserData(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User, *got)

	_, err = f.users.GetUserData(res.RefreshToken)
	requireKind(t, err, KindUnauthorized)
}

func TestUpdateUserName_PropagatesToChats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	chatID := ChatID(alice.ID, bob.ID)
	_, _, err := f.chats.AddChat(ctx, chatID, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = f.chats.SaveMessages(ctx, chatID, []models.Message{
		{ChatID: chatID, Date: "1", Name: "alice", Message: "hi"},
		{ChatID: chatID, Date: "2", Name: "bob", Message: "hey"},
	})
	require.NoError(t, err)

	res, err := f.users.UpdateUserName(ctx, alice.ID, "alicia")
	require.NoError(t, err)
	assert.Equal(t, "alicia", res.User.Name)
	claims := f.tokens.VerifyAccess(res.AccessToken)
	require.NotNil(t, claims)
	assert.Equal(t, "alicia", claims.Name)

	stale, err := f.chats.GetUserChats(ctx, alice.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, stale)

	chats, err := f.chats.GetUserChats(ctx, alice.ID, "alicia")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "alicia", chats[0].Messages[0].Name)
	assert.Equal(t, "bob", chats[0].Messages[1].Name)

	_, err = f.users.UpdateUserName(ctx, "missing", "x")
	requireKind(t, err, KindNotFound)
}

func TestUpdateUserName_LeavesOtherChatsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")
	// 另一个同名用户。
	other, err := f.users.Register(ctx, "alice", "alice.other@example.com", "password123")
	require.NoError(t, err)
	namesake := other.User

	own := ChatID(alice.ID, bob.ID)
	_, _, err = f.chats.AddChat(ctx, own, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = f.chats.SaveMessages(ctx, own, []models.Message{{ChatID: own, Date: "1", Name: "alice", Message: "mine"}})
	require.NoError(t, err)

	foreign := ChatID(carol.ID, namesake.ID)
	_, _, err = f.chats.AddChat(ctx, foreign, carol.ID, namesake.ID)
	require.NoError(t, err)
	before, err := f.chats.SaveMessages(ctx, foreign, []models.Message{
		{ChatID: foreign, Date: "1", Name: "alice", Message: "not alice's"},
		{ChatID: foreign, Date: "2", Name: "carol", Message: "reply"},
	})
	require.NoError(t, err)

	_, err = f.users.UpdateUserName(ctx, alice.ID, "alicia")
	require.NoError(t, err)

	after, err := f.chats.GetChat(ctx, foreign)
	require.NoError(t, err)
	assert.Equal(t, before.Participants, after.Participants)
	assert.Equal(t, before.Messages, after.Messages)

	mine, err := f.chats.GetChat(ctx, own)
	require.NoError(t, err)
	assert.Equal(t, "alicia", mine.Messages[0].Name)
}

func TestUpdateAccountData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice")
	f.register(t, "bob")

	_, err := f.users.UpdateAccountData(ctx, "alice@example.com", "wrong-password", "alicia", "alicia@example.com", "newpassword1")
	requireKind(t, err, KindBadRequest)

	_, err = f.users.UpdateAccountData(ctx, "alice@example.com", "password123", "alicia", "bob@example.com", "newpassword1")
	requireKind(t, err, KindConflict)

	res, err := f.users.UpdateAccountData(ctx, "alice@example.com", "password123", "alicia", "alicia@example.com", "newpassword1")
	require.NoError(t, err)
	assert.Equal(t, "alicia", res.User.Name)
	assert.Equal(t, "alicia@example.com", res.User.Email)

	_, err = f.users.Login(ctx, "alicia@example.com", "newpassword1")
	require.NoError(t, err)
	_, err = f.users.Login(ctx, "alice@example.com", "password123")
	requireKind(t, err, KindNotFound)
}

func TestRemoveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	_, err := f.friends.AddFriend(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	err = f.users.RemoveAccount(ctx, "alice@example.com", "wrong-password")
	requireKind(t, err, KindBadRequest)

	require.NoError(t, f.users.RemoveAccount(ctx, "alice@example.com", "password123"))

	for _, m := range []interface{}{&models.User{}, &models.RefreshToken{}, &models.OnlineStatus{}, &models.Avatar{}, &models.Friends{}} {
		var count int64
		col := "user_id"
		if _, ok := m.(*models.User); ok {
			col = "id"
		}
		require.NoError(t, f.db.Model(m).Where(col+" = ?", alice.ID).Count(&count).Error)
		assert.Zero(t, count, "%T", m)
	}

	err = f.users.RemoveAccountByID(ctx, alice.ID)
	requireKind(t, err, KindNotFound)
}

func TestAvatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")

	_, err := f.users.GetAvatar(ctx, alice.ID)
	requireKind(t, err, KindNotFound)

	require.NoError(t, f.users.UpdateAvatar(ctx, alice.ID, "/avatars/a/1.png"))
	require.NoError(t, f.users.UpdateAvatar(ctx, alice.ID, "/avatars/a/2.png"))
	path, err := f.users.GetAvatar(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "/avatars/a/2.png", path)
}

func TestOnlineStatus_TouchAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	require.NoError(t, f.users.ChangeOnlineStatus(ctx, alice.ID, true))
	require.NoError(t, f.users.ChangeOnlineStatus(ctx, bob.ID, true))

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&models.OnlineStatus{}).Where("user_id IN ?", []string{alice.ID, bob.ID}).
		UpdateColumn("updated_at", stale).Error)

	// alice 仍有连接，心跳刷新后不应被清理。
	require.NoError(t, f.users.TouchOnlineStatuses(ctx, []string{alice.ID}))

	n, err := f.users.ExpireOnlineStatuses(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	statuses, err := f.friends.onlineStatuses(ctx, []string{alice.ID, bob.ID})
	require.NoError(t, err)
	assert.True(t, statuses[alice.ID])
	assert.False(t, statuses[bob.ID])
}
