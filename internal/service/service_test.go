package service

import (
	"context"
	"testing"
	"time"

	"messenger/internal/auth"
	"messenger/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	tokens  *auth.TokenManager
	users   *UserService
	chats   *ChatService
	friends *FriendsService
	msgs    *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewDB(t)
	tm, err := auth.NewTokenManager(gdb, "access-secret", "refresh-secret", 12*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	chats := NewChatService(gdb)
	return &fixture{
		db:      gdb,
		tokens:  tm,
		users:   NewUserService(gdb, tm, chats),
		chats:   chats,
		friends: NewFriendsService(gdb),
		msgs:    NewMessageService(chats),
	}
}

func (f *fixture) register(t *testing.T, name string) UserDTO {
	t.Helper()
	res, err := f.users.Register(context.Background(), name, name+"@example.com", "password123")
	require.NoError(t, err)
	return res.User
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}
