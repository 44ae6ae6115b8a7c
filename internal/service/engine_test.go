package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/broadcast"
	"github.com/chatcore/internal/credential"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/protocol"
	"github.com/chatcore/internal/session"
	"github.com/chatcore/internal/storage/memory"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// recordingTransport складывает события по соединениям вместо записи в сокет.
type recordingTransport struct {
	mu     sync.Mutex
	frames map[string][]protocol.Event
}

func (r *recordingTransport) Send(connID string, ev protocol.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[connID] = append(r.frames[connID], ev)
	return true
}

// take возвращает и очищает накопленные события соединения.
func (r *recordingTransport) take(connID string) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.frames[connID]
	delete(r.frames, connID)
	return out
}

type harness struct {
	t      *testing.T
	store  *memory.Store
	tr     *recordingTransport
	engine *Engine
}

func newHarness(t *testing.T, limit, loginAttempts int) *harness {
	t.Helper()
	store := memory.NewStore(limit)
	reg := session.NewRegistry()
	tr := &recordingTransport{frames: map[string][]protocol.Event{}}
	engine := NewEngine(store, reg, broadcast.NewRouter(reg, tr),
		credential.NewBcrypt(bcrypt.MinCost),
		memory.NewLimiter(loginAttempts, time.Minute),
		Config{SearchLimit: 50, RequestTimeout: time.Second})
	return &harness{t: t, store: store, tr: tr, engine: engine}
}

func (h *harness) do(connID string, typ protocol.EventType, payload any) {
	h.t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(h.t, err)
	raw, err := json.Marshal(protocol.Envelope{Type: typ, Payload: p})
	require.NoError(h.t, err)
	h.engine.Handle(context.Background(), connID, raw)
}

// login открывает соединение и входит; возвращает пользователя из login_success.
func (h *harness) login(connID, username, password string) model.UserPublic {
	h.t.Helper()
	h.engine.Connect(connID)
	h.do(connID, protocol.EventLogin, map[string]string{"username": username, "password": password})
	evs := h.tr.take(connID)
	ev := find(h.t, evs, protocol.EventLoginSuccess)
	find(h.t, evs, protocol.EventChatList)
	return ev.Payload.(protocol.LoginSuccessPayload).User
}

func find(t *testing.T, evs []protocol.Event, typ protocol.EventType) protocol.Event {
	t.Helper()
	for _, ev := range evs {
		if ev.Type == typ {
			return ev
		}
	}
	require.Failf(t, "event not found", "want %s in %v", typ, types(evs))
	return protocol.Event{}
}

func count(evs []protocol.Event, typ protocol.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func types(evs []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func requireError(t *testing.T, evs []protocol.Event, want *apperr.Error) {
	t.Helper()
	ev := find(t, evs, protocol.EventError)
	p := ev.Payload.(protocol.ErrorPayload)
	require.Equal(t, want.Kind, p.Kind)
	require.Equal(t, want.Reason, p.Reason)
}

func chatList(t *testing.T, evs []protocol.Event) []model.ChatSummary {
	t.Helper()
	var last protocol.Event
	for _, ev := range evs {
		if ev.Type == protocol.EventChatList {
			last = ev
		}
	}
	require.Equal(t, protocol.EventChatList, last.Type, "no chat_list in %v", types(evs))
	return last.Payload.(protocol.ChatListPayload).Chats
}

func TestPrivateChatScenario(t *testing.T) {
	h := newHarness(t, 100, 100)
	alice := h.login("a1", "alice", "secret")

	h.do("a1", protocol.EventSearchUsers, map[string]string{"query": "bob"})
	res := find(t, h.tr.take("a1"), protocol.EventSearchResults).Payload.(protocol.SearchResultsPayload)
	require.Empty(t, res.Users)

	bob := h.login("b1", "bob", "hunter2")
	h.do("a1", protocol.EventSearchUsers, map[string]string{"query": "bo"})
	res = find(t, h.tr.take("a1"), protocol.EventSearchResults).Payload.(protocol.SearchResultsPayload)
	require.Equal(t, []model.UserPublic{bob}, res.Users)

	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "private", "partnerId": bob.ID})
	aliceEvs := h.tr.take("a1")
	opened := find(t, aliceEvs, protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	require.Equal(t, model.ChatTypePrivate, opened.ChatType)
	require.Equal(t, "bob", opened.Name)

	aliceList := chatList(t, aliceEvs)
	require.Len(t, aliceList, 1)
	require.Equal(t, "bob", aliceList[0].Chat.Name)
	bobList := chatList(t, h.tr.take("b1"))
	require.Len(t, bobList, 1)
	require.Equal(t, opened.ID, bobList[0].Chat.ID)
	require.Equal(t, "alice", bobList[0].Chat.Name)

	h.do("b1", protocol.EventCreateChat, map[string]string{"type": "private", "partnerId": alice.ID})
	again := find(t, h.tr.take("b1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	require.Equal(t, opened.ID, again.ID)
	require.Equal(t, "alice", again.Name)
	aliceAgain := h.tr.take("a1")
	require.Equal(t, []protocol.EventType{protocol.EventChatList}, types(aliceAgain))
	require.Equal(t, opened.ID, chatList(t, aliceAgain)[0].Chat.ID)

	h.do("a1", protocol.EventJoinChat, map[string]string{"chatId": opened.ID})
	hist := find(t, h.tr.take("a1"), protocol.EventChatHistory).Payload.(protocol.ChatHistoryPayload)
	require.Empty(t, hist.Messages)
	require.Len(t, hist.Members, 2)
	h.do("b1", protocol.EventJoinChat, map[string]string{"chatId": opened.ID})
	h.tr.take("b1")

	h.do("a1", protocol.EventSendMessage, map[string]string{"chatId": opened.ID, "text": "  hi bob  "})
	for _, conn := range []string{"a1", "b1"} {
		evs := h.tr.take(conn)
		msg := find(t, evs, protocol.EventNewMessage).Payload.(protocol.NewMessagePayload).Message
		require.Equal(t, "hi bob", msg.Text)
		require.Equal(t, alice.ID, msg.SenderID)
		require.Equal(t, "alice", msg.SenderName)
		list := chatList(t, evs)
		require.NotNil(t, list[0].LastMessage)
		require.Equal(t, "hi bob", list[0].LastMessage.Text)
	}
}

func TestLoginRules(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.login("a1", "alice", "secret")

	h.engine.Connect("a2")
	h.do("a2", protocol.EventLogin, map[string]string{"username": "alice", "password": "wrong"})
	requireError(t, h.tr.take("a2"), apperr.InvalidCredentials())

	h.do("a2", protocol.EventSearchUsers, map[string]string{"query": "al"})
	requireError(t, h.tr.take("a2"), apperr.NotAuthenticated())

	h.do("a2", protocol.EventLogin, map[string]string{"username": "alice", "password": "secret"})
	ok := find(t, h.tr.take("a2"), protocol.EventLoginSuccess).Payload.(protocol.LoginSuccessPayload)
	require.False(t, ok.IsNewAccount)

	h.do("a2", protocol.EventLogin, map[string]string{"username": "bob", "password": "x"})
	requireError(t, h.tr.take("a2"), apperr.AlreadyAuthenticated())
	_, err := h.store.GetUserByUsername(context.Background(), "bob")
	require.Error(t, err)
}

func TestNewAccountFlag(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.engine.Connect("c1")
	h.do("c1", protocol.EventLogin, map[string]string{"username": "zoe", "password": "pw"})
	p := find(t, h.tr.take("c1"), protocol.EventLoginSuccess).Payload.(protocol.LoginSuccessPayload)
	require.True(t, p.IsNewAccount)
	require.Equal(t, "zoe", p.User.Username)
}

func TestLoginAttemptsLimited(t *testing.T) {
	h := newHarness(t, 100, 2)
	h.login("c0", "alice", "pw")

	h.engine.Connect("c1")
	h.do("c1", protocol.EventLogin, map[string]string{"username": "alice", "password": "guess"})
	requireError(t, h.tr.take("c1"), apperr.InvalidCredentials())
	h.do("c1", protocol.EventLogin, map[string]string{"username": "alice", "password": "guess2"})
	requireError(t, h.tr.take("c1"), apperr.InvalidCredentials())

	h.do("c1", protocol.EventLogin, map[string]string{"username": "alice", "password": "pw"})
	requireError(t, h.tr.take("c1"), apperr.TooManyAttempts())

	h.engine.Connect("c2")
	h.do("c2", protocol.EventLogin, map[string]string{"username": "bob", "password": "pw"})
	find(t, h.tr.take("c2"), protocol.EventLoginSuccess)
}

func TestSuccessfulLoginsDoNotExhaustLimit(t *testing.T) {
	h := newHarness(t, 100, 3)
	h.login("c0", "alice", "pw")
	for i := 1; i <= 5; i++ {
		conn := fmt.Sprint("c", i)
		h.login(conn, "alice", "pw")
	}

	h.engine.Connect("c6")
	h.do("c6", protocol.EventLogin, map[string]string{"username": "alice", "password": "wrong"})
	requireError(t, h.tr.take("c6"), apperr.InvalidCredentials())
	h.do("c6", protocol.EventLogin, map[string]string{"username": "alice", "password": "pw"})
	find(t, h.tr.take("c6"), protocol.EventLoginSuccess)
}

func TestConcurrentRegistrationSameName(t *testing.T) {
	h := newHarness(t, 100, 100)
	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conn := fmt.Sprint("c", i)
		h.engine.Connect(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.do(conn, protocol.EventLogin, map[string]string{"username": "dup", "password": "same"})
		}()
	}
	wg.Wait()

	ids := map[string]struct{}{}
	newAccounts := 0
	for i := 0; i < n; i++ {
		p := find(t, h.tr.take(fmt.Sprint("c", i)), protocol.EventLoginSuccess).Payload.(protocol.LoginSuccessPayload)
		ids[p.User.ID] = struct{}{}
		if p.IsNewAccount {
			newAccounts++
		}
	}
	require.Len(t, ids, 1)
	require.Equal(t, 1, newAccounts)
}

func TestGroupScenario(t *testing.T) {
	h := newHarness(t, 100, 100)
	alice := h.login("a1", "alice", "pw")
	bob := h.login("b1", "bob", "pw")
	h.login("c1", "carol", "pw")

	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "group", "groupName": " Team "})
	team := find(t, h.tr.take("a1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	require.Equal(t, "Team", team.Name)
	require.Equal(t, model.ChatTypeGroup, team.ChatType)

	h.do("a1", protocol.EventJoinChat, map[string]string{"chatId": team.ID})
	h.tr.take("a1")

	h.do("a1", protocol.EventAddMember, map[string]string{"chatId": team.ID, "username": "bob"})
	aliceEvs := h.tr.take("a1")
	sys := find(t, aliceEvs, protocol.EventNewMessage).Payload.(protocol.NewMessagePayload).Message
	require.True(t, sys.IsSystem())
	require.Equal(t, model.MemberAddedText("alice", "bob"), sys.Text)
	added := find(t, aliceEvs, protocol.EventMemberAdded).Payload.(protocol.MemberAddedPayload)
	require.Equal(t, protocol.MemberAddedPayload{
		ChatID: team.ID, ChatName: "Team", UserID: bob.ID, Username: "bob", ActorName: "alice",
	}, added)
	require.Len(t, chatList(t, aliceEvs)[0].Members, 2)

	bobEvs := h.tr.take("b1")
	find(t, bobEvs, protocol.EventMemberAdded)
	bobList := chatList(t, bobEvs)
	require.Len(t, bobList, 1)
	require.Equal(t, team.ID, bobList[0].Chat.ID)
	require.Equal(t, 0, count(bobEvs, protocol.EventNewMessage))

	h.do("a1", protocol.EventAddMember, map[string]string{"chatId": team.ID, "username": "bob"})
	requireError(t, h.tr.take("a1"), apperr.AlreadyMember())

	h.do("a1", protocol.EventAddMember, map[string]string{"chatId": team.ID, "username": "ghost"})
	requireError(t, h.tr.take("a1"), apperr.UserNotFound())

	h.do("b1", protocol.EventJoinChat, map[string]string{"chatId": team.ID})
	hist := find(t, h.tr.take("b1"), protocol.EventChatHistory).Payload.(protocol.ChatHistoryPayload)
	require.Len(t, hist.Messages, 1)
	require.ElementsMatch(t, []model.UserPublic{alice, bob}, hist.Members)
}

func TestOutsiderIsDeniedWithoutMutation(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.login("a1", "alice", "pw")
	h.login("e1", "eve", "pw")

	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "group", "groupName": "Secret"})
	chat := find(t, h.tr.take("a1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	h.do("a1", protocol.EventJoinChat, map[string]string{"chatId": chat.ID})
	h.tr.take("a1")

	h.do("e1", protocol.EventSendMessage, map[string]string{"chatId": chat.ID, "text": "let me in"})
	requireError(t, h.tr.take("e1"), apperr.NotAMember())
	h.do("e1", protocol.EventJoinChat, map[string]string{"chatId": chat.ID})
	requireError(t, h.tr.take("e1"), apperr.NotAMember())
	h.do("e1", protocol.EventAddMember, map[string]string{"chatId": chat.ID, "username": "eve"})
	requireError(t, h.tr.take("e1"), apperr.NotAMember())
	h.do("e1", protocol.EventJoinChat, map[string]string{"chatId": "no-such-chat"})
	requireError(t, h.tr.take("e1"), apperr.NotAMember())

	require.Empty(t, h.tr.take("a1"))
	history, err := h.store.History(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	members, err := h.store.GetMembers(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestCreateChatRejections(t *testing.T) {
	h := newHarness(t, 100, 100)
	alice := h.login("a1", "alice", "pw")
	bob := h.login("b1", "bob", "pw")

	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "private", "partnerId": alice.ID})
	requireError(t, h.tr.take("a1"), apperr.SelfChat())

	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "private", "partnerId": "nobody"})
	requireError(t, h.tr.take("a1"), apperr.PartnerNotFound())

	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "private", "partnerId": bob.ID})
	private := find(t, h.tr.take("a1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	h.do("a1", protocol.EventAddMember, map[string]string{"chatId": private.ID, "username": "bob"})
	requireError(t, h.tr.take("a1"), apperr.NotGroup())

	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "group"})
	group := find(t, h.tr.take("a1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	require.Equal(t, model.DefaultGroupName, group.Name)

	h.store.InjectFault(errors.New("disk full"))
	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "group", "groupName": "Lost"})
	requireError(t, h.tr.take("a1"), apperr.CreateFailed(nil))
}

func TestSendValidationAndStorageFault(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.login("a1", "alice", "pw")
	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "group", "groupName": "Log"})
	chat := find(t, h.tr.take("a1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	h.do("a1", protocol.EventJoinChat, map[string]string{"chatId": chat.ID})
	h.tr.take("a1")

	h.do("a1", protocol.EventSendMessage, map[string]string{"chatId": chat.ID, "text": "   "})
	requireError(t, h.tr.take("a1"), apperr.EmptyMessage())

	h.store.InjectFault(errors.New("tx aborted"))
	h.do("a1", protocol.EventSendMessage, map[string]string{"chatId": chat.ID, "text": "lost"})
	evs := h.tr.take("a1")
	requireError(t, evs, apperr.Storage(nil))
	require.Zero(t, count(evs, protocol.EventNewMessage))

	h.do("a1", protocol.EventSendMessage, map[string]string{"chatId": chat.ID, "attachmentRef": "files/cat.png"})
	msg := find(t, h.tr.take("a1"), protocol.EventNewMessage).Payload.(protocol.NewMessagePayload).Message
	require.Equal(t, "files/cat.png", msg.AttachmentRef)
	require.Empty(t, msg.Text)
}

func TestRetentionThroughEngine(t *testing.T) {
	h := newHarness(t, 3, 100)
	h.login("a1", "alice", "pw")
	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "group", "groupName": "Log"})
	chat := find(t, h.tr.take("a1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat

	for i := 1; i <= 5; i++ {
		h.do("a1", protocol.EventSendMessage, map[string]string{"chatId": chat.ID, "text": fmt.Sprint("m", i)})
	}
	h.tr.take("a1")
	h.do("a1", protocol.EventJoinChat, map[string]string{"chatId": chat.ID})
	hist := find(t, h.tr.take("a1"), protocol.EventChatHistory).Payload.(protocol.ChatHistoryPayload)
	require.Len(t, hist.Messages, 3)
	require.Equal(t, []string{"m3", "m4", "m5"}, []string{hist.Messages[0].Text, hist.Messages[1].Text, hist.Messages[2].Text})
}

func TestJoinStateIsPerConnection(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.login("phone", "alice", "pw")
	h.login("laptop", "alice", "pw")

	h.do("phone", protocol.EventCreateChat, map[string]string{"type": "group", "groupName": "A"})
	a := find(t, h.tr.take("phone"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	require.Len(t, chatList(t, h.tr.take("laptop")), 1)

	h.do("phone", protocol.EventJoinChat, map[string]string{"chatId": a.ID})
	h.tr.take("phone")
	h.do("phone", protocol.EventSendMessage, map[string]string{"chatId": a.ID, "text": "note"})

	phone := h.tr.take("phone")
	laptop := h.tr.take("laptop")
	require.Equal(t, 1, count(phone, protocol.EventNewMessage))
	require.Zero(t, count(laptop, protocol.EventNewMessage))
	require.NotEmpty(t, chatList(t, laptop))
}

func TestConcurrentPrivateCreateThroughEngine(t *testing.T) {
	h := newHarness(t, 100, 100)
	alice := h.login("a1", "alice", "pw")
	bob := h.login("b1", "bob", "pw")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.do("a1", protocol.EventCreateChat, map[string]string{"type": "private", "partnerId": bob.ID})
	}()
	go func() {
		defer wg.Done()
		h.do("b1", protocol.EventCreateChat, map[string]string{"type": "private", "partnerId": alice.ID})
	}()
	wg.Wait()

	a := find(t, h.tr.take("a1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	b := find(t, h.tr.take("b1"), protocol.EventOpenChatForce).Payload.(protocol.OpenChatForcePayload).Chat
	require.Equal(t, a.ID, b.ID)

	list, err := h.store.ListUserChats(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSearchEdgeCases(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.login("a1", "alice", "pw")
	for i := 0; i < 60; i++ {
		h.engine.Connect(fmt.Sprint("x", i))
		h.do(fmt.Sprint("x", i), protocol.EventLogin, map[string]string{"username": fmt.Sprintf("user%02d", i), "password": "pw"})
	}

	h.do("a1", protocol.EventSearchUsers, map[string]string{"query": "   "})
	res := find(t, h.tr.take("a1"), protocol.EventSearchResults).Payload.(protocol.SearchResultsPayload)
	require.Empty(t, res.Users)

	h.do("a1", protocol.EventSearchUsers, map[string]string{"query": "USER"})
	res = find(t, h.tr.take("a1"), protocol.EventSearchResults).Payload.(protocol.SearchResultsPayload)
	require.Len(t, res.Users, model.MaxSearchResults)
	require.Equal(t, "user00", res.Users[0].Username)

	h.do("a1", protocol.EventSearchUsers, map[string]string{"query": "ali"})
	res = find(t, h.tr.take("a1"), protocol.EventSearchResults).Payload.(protocol.SearchResultsPayload)
	require.Empty(t, res.Users)
}

func TestMalformedFrameGetsError(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.engine.Connect("c1")
	h.engine.Handle(context.Background(), "c1", []byte("{nope"))
	requireError(t, h.tr.take("c1"), apperr.BadRequest(""))

	h.do("c1", protocol.EventRequestChatList, struct{}{})
	requireError(t, h.tr.take("c1"), apperr.NotAuthenticated())
}

func TestDisconnectStopsDelivery(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.login("a1", "alice", "pw")
	h.login("a2", "alice", "pw")
	h.engine.Disconnect("a2")

	h.do("a1", protocol.EventRequestChatList, struct{}{})
	find(t, h.tr.take("a1"), protocol.EventChatList)
	h.do("a1", protocol.EventCreateChat, map[string]string{"type": "group", "groupName": "G"})
	require.Empty(t, h.tr.take("a2"))
}

func TestChatLocksAreReleased(t *testing.T) {
	l := newChatLocks()
	var wg sync.WaitGroup
	shared := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("chat")
			shared++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 20, shared)
	require.Zero(t, l.size())
}
