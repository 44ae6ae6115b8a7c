// Package storetest — общий набор проверок для реализаций storage.Store.
// Запускается для хранилища в памяти и для PostgreSQL (если задан TEST_DATABASE_URL).
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Factory возвращает пустое хранилище с лимитом limit сообщений на чат.
type Factory func(t *testing.T, limit int) storage.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t, 100)) })
	t.Run("search", func(t *testing.T) { testSearch(t, newStore(t, 100)) })
	t.Run("private dedup", func(t *testing.T) { testPrivateDedup(t, newStore(t, 100)) })
	t.Run("private unknown partner", func(t *testing.T) { testPrivateUnknownPartner(t, newStore(t, 100)) })
	t.Run("group", func(t *testing.T) { testGroup(t, newStore(t, 100)) })
	t.Run("add member", func(t *testing.T) { testAddMember(t, newStore(t, 100)) })
	t.Run("add member denials", func(t *testing.T) { testAddMemberDenials(t, newStore(t, 100)) })
	t.Run("retention", func(t *testing.T) { testRetention(t, newStore(t, 3)) })
	t.Run("concurrent retention", func(t *testing.T) { testConcurrentRetention(t, newStore(t, 10)) })
	t.Run("chat list order", func(t *testing.T) { testChatListOrder(t, newStore(t, 100)) })
}

// User регистрирует пользователя с уникальным суффиксом, чтобы тесты не мешали друг другу в общей БД.
func User(t *testing.T, s storage.Store, name string) *model.User {
	t.Helper()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     name + "_" + uuid.New().String()[:8],
		PasswordHash: "x",
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := User(t, s, "alice")

	got, err := s.GetUserByUsername(ctx, u.Username)
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Username, got.Username)

	dup := &model.User{ID: uuid.New().String(), Username: u.Username, PasswordHash: "y"}
	require.ErrorIs(t, s.CreateUser(ctx, dup), storage.ErrAlreadyExists)

	_, err = s.GetUserByUsername(ctx, "nobody_"+uuid.New().String())
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUserByID(ctx, uuid.New().String())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testSearch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tag := uuid.New().String()[:6]
	mk := func(name string) *model.User {
		u := &model.User{ID: uuid.New().String(), Username: name, PasswordHash: "x"}
		require.NoError(t, s.CreateUser(ctx, u))
		return u
	}
	me := mk("me" + tag)
	mk("Bob" + tag)
	mk("bobby" + tag)
	mk("carol" + tag)

	got, err := s.SearchUsers(ctx, me.ID, strings.ToUpper("bob"+tag), 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Bob"+tag, got[0].Username)

	got, err = s.SearchUsers(ctx, me.ID, tag, 50)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, u := range got {
		require.NotEqual(t, me.ID, u.ID)
	}
	require.Equal(t, "Bob"+tag, got[0].Username)

	got, err = s.SearchUsers(ctx, me.ID, tag, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func testPrivateDedup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := User(t, s, "alice")
	b := User(t, s, "bob")

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		created int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, partner := a.ID, b.ID
			if i%2 == 1 {
				req, partner = b.ID, a.ID
			}
			c, isNew, err := s.CreateOrGetPrivate(ctx, req, partner)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[c.ID] = struct{}{}
			if isNew {
				created++
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, ids, 1)
	require.Equal(t, 1, created)

	for id := range ids {
		c, err := s.GetChat(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.ChatTypePrivate, c.ChatType)
		members, err := s.GetMembers(ctx, id)
		require.NoError(t, err)
		require.ElementsMatch(t, []model.UserPublic{a.ToPublic(), b.ToPublic()}, members)
	}
}

func testPrivateUnknownPartner(t *testing.T, s storage.Store) {
	a := User(t, s, "alice")
	_, _, err := s.CreateOrGetPrivate(context.Background(), a.ID, uuid.New().String())
	require.ErrorIs(t, err, storage.ErrUserNotFound)

	chats, err := s.ListUserChats(context.Background(), a.ID)
	require.NoError(t, err)
	require.Empty(t, chats)
}

func testGroup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := User(t, s, "alice")
	c, err := s.CreateGroup(ctx, owner.ID, "Team")
	require.NoError(t, err)
	require.Equal(t, model.ChatTypeGroup, c.ChatType)
	require.Equal(t, "Team", c.Name)

	members, err := s.GetMembers(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []model.UserPublic{owner.ToPublic()}, members)

	ok, err := s.IsMember(ctx, c.ID, owner.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.GetChat(ctx, uuid.New().String())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testAddMember(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := User(t, s, "alice")
	bob := User(t, s, "bob")
	c, err := s.CreateGroup(ctx, alice.ID, "Team")
	require.NoError(t, err)

	res, err := s.AddMember(ctx, c.ID, alice.ID, bob.Username)
	require.NoError(t, err)
	require.Equal(t, bob.ToPublic(), res.Target)
	require.Equal(t, alice.ToPublic(), res.Actor)
	require.Equal(t, c.ID, res.Chat.ID)
	require.True(t, res.SystemMessage.IsSystem())
	require.Equal(t, model.MemberAddedText(alice.Username, bob.Username), res.SystemMessage.Text)

	ok, err := s.IsMember(ctx, c.ID, bob.ID)
	require.NoError(t, err)
	require.True(t, ok)

	history, err := s.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, res.SystemMessage.ID, history[0].ID)

	_, err = s.AddMember(ctx, c.ID, alice.ID, bob.Username)
	require.ErrorIs(t, err, storage.ErrAlreadyMember)
}

func testAddMemberDenials(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := User(t, s, "alice")
	bob := User(t, s, "bob")
	eve := User(t, s, "eve")
	group, err := s.CreateGroup(ctx, alice.ID, "Team")
	require.NoError(t, err)
	private, _, err := s.CreateOrGetPrivate(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	cases := []struct {
		name      string
		chatID    string
		requester string
		target    string
		want      error
	}{
		{"outsider", group.ID, eve.ID, bob.Username, storage.ErrNotMember},
		{"unknown target", group.ID, alice.ID, "ghost_" + uuid.New().String(), storage.ErrUserNotFound},
		{"private chat", private.ID, alice.ID, eve.Username, storage.ErrNotGroup},
		{"unknown chat", uuid.New().String(), alice.ID, bob.Username, storage.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.AddMember(ctx, tc.chatID, tc.requester, tc.target)
			require.ErrorIs(t, err, tc.want)
		})
	}

	members, err := s.GetMembers(ctx, group.ID)
	require.NoError(t, err)
	require.Equal(t, []model.UserPublic{alice.ToPublic()}, members)
	history, err := s.History(ctx, group.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	members, err = s.GetMembers(ctx, private.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func testRetention(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := User(t, s, "alice")
	c, err := s.CreateGroup(ctx, alice.ID, "Log")
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		m, err := s.AppendMessage(ctx, &model.Message{
			ChatID:     c.ID,
			SenderID:   alice.ID,
			SenderName: alice.Username,
			Text:       fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		require.NotEmpty(t, m.ID)
		require.False(t, m.CreatedAt.IsZero())
	}

	history, err := s.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "m3", history[0].Text)
	require.Equal(t, "m4", history[1].Text)
	require.Equal(t, "m5", history[2].Text)
	for i := 1; i < len(history); i++ {
		require.True(t, history[i-1].Before(&history[i]))
	}
}

func testConcurrentRetention(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := User(t, s, "alice")
	c, err := s.CreateGroup(ctx, alice.ID, "Flood")
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, &model.Message{
				ChatID: c.ID, SenderID: alice.ID, SenderName: alice.Username, Text: fmt.Sprint(i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := s.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i := 1; i < len(history); i++ {
		require.True(t, history[i-1].Before(&history[i]))
	}
}

func testChatListOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := User(t, s, "alice")
	bob := User(t, s, "bob")
	first, err := s.CreateGroup(ctx, alice.ID, "First")
	require.NoError(t, err)
	second, _, err := s.CreateOrGetPrivate(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, &model.Message{ChatID: first.ID, SenderID: alice.ID, SenderName: alice.Username, Text: "hi"})
	require.NoError(t, err)

	list, err := s.ListUserChats(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].Chat.ID)
	require.NotNil(t, list[0].LastMessage)
	require.Equal(t, "hi", list[0].LastMessage.Text)
	require.Equal(t, second.ID, list[1].Chat.ID)
	require.Nil(t, list[1].LastMessage)
	require.Len(t, list[1].Members, 2)

	list, err = s.ListUserChats(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, second.ID, list[0].Chat.ID)
}

// Message — текстовое сообщение от имени тестового отправителя.
func Message(chatID, text string) *model.Message {
	return &model.Message{ChatID: chatID, SenderID: "tester", SenderName: "tester", Text: text}
}
