package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"messenger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFriend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	_, err := f.friends.AddFriend(ctx, alice.ID, alice.ID)
	requireKind(t, err, KindBadRequest)

	_, err = f.friends.AddFriend(ctx, alice.ID, "ghost")
	requireKind(t, err, KindNotFound)

	list, err := f.friends.AddFriend(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ID}, list)

	list, err = f.friends.AddFriend(ctx, alice.ID, carol.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ID, carol.ID}, list)

	_, err = f.friends.AddFriend(ctx, alice.ID, bob.ID)
	requireKind(t, err, KindBadRequest)

	// 好友关系是单向的。
	back, err := f.friends.GetFriends(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestAddFriend_WithoutFriendsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	require.NoError(t, f.db.Where("user_id = ?", alice.ID).Delete(&models.Friends{}).Error)

	_, err := f.friends.RemoveFriend(ctx, alice.ID, bob.ID)
	requireKind(t, err, KindBadRequest)

	list, err := f.friends.AddFriend(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ID}, list)
}

func TestFriends_ConcurrentUpdatesKeepEveryChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	stale := f.register(t, "stale")
	_, err := f.friends.AddFriend(ctx, alice.ID, stale.ID)
	require.NoError(t, err)

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.register(t, fmt.Sprintf("user%d", i)).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, n+1)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.friends.AddFriend(ctx, alice.ID, id)
			errs <- err
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.friends.RemoveFriend(ctx, alice.ID, stale.ID)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	friends, err := f.friends.GetFriends(ctx, alice.ID)
	require.NoError(t, err)
	got := make([]string, 0, len(friends))
	for _, u := range friends {
		got = append(got, u.ID)
	}
	assert.ElementsMatch(t, ids, got)
}

func TestRemoveFriend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	_, err := f.friends.RemoveFriend(ctx, alice.ID, bob.ID)
	requireKind(t, err, KindBadRequest)

	_, err = f.friends.AddFriend(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	list, err := f.friends.RemoveFriend(ctx, alice.ID, carol.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ID}, list)

	list, err = f.friends.RemoveFriend(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.friends.RemoveFriend(ctx, alice.ID, bob.ID)
	requireKind(t, err, KindBadRequest)
}

func TestGetFriends_OnlineAndDangling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	_, err := f.friends.AddFriend(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = f.friends.AddFriend(ctx, alice.ID, carol.ID)
	require.NoError(t, err)
	require.NoError(t, f.users.ChangeOnlineStatus(ctx, bob.ID, true))
	require.NoError(t, f.users.RemoveAccountByID(ctx, carol.ID))

	friends, err := f.friends.GetFriends(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, bob.ID, friends[0].ID)
	assert.Equal(t, "bob", friends[0].Name)
	assert.True(t, friends[0].Online)

	statuses, err := f.friends.FriendsOnlineStatuses(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{bob.ID: true, carol.ID: false}, statuses)

	empty, err := f.friends.FriendsOnlineStatuses(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSearchUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	f.register(t, "Alina")
	f.register(t, "bob")
	f.register(t, "al%ce")

	tests := []struct {
		search string
		want   []string
	}{
		{"AL", []string{"Alina", "al%ce"}},
		{"ob", []string{"bob"}},
		{"%", []string{"al%ce"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.search, func(t *testing.T) {
			users, err := f.friends.SearchUsers(ctx, alice.ID, tt.search)
			require.NoError(t, err)
			var names []string
			for _, u := range users {
				names = append(names, u.Name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}
