// Package service — движок чата: вход, поиск, чаты, сообщения и рассылка событий.
// Каждый входящий кадр обрабатывается как отдельная единица работы;
// ошибки уходят только соединению, которое прислало запрос.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/broadcast"
	"github.com/chatcore/internal/credential"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/protocol"
	"github.com/chatcore/internal/session"
	"github.com/chatcore/internal/storage"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Config struct {
	SearchLimit    int
	RequestTimeout time.Duration
}

type Engine struct {
	store    storage.Store
	registry *session.Registry
	pub      broadcast.Publisher
	hasher   credential.Hasher
	limiter  storage.LoginLimiter
	guard    *Guard
	locks    *chatLocks
	cfg      Config
}

// NewEngine: limiter может быть nil — тогда попытки входа не ограничиваются.
func NewEngine(
	store storage.Store,
	registry *session.Registry,
	pub broadcast.Publisher,
	hasher credential.Hasher,
	limiter storage.LoginLimiter,
	cfg Config,
) *Engine {
	if cfg.SearchLimit <= 0 || cfg.SearchLimit > model.MaxSearchResults {
		cfg.SearchLimit = model.MaxSearchResults
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Engine{
		store:    store,
		registry: registry,
		pub:      pub,
		hasher:   hasher,
		limiter:  limiter,
		guard:    NewGuard(store),
		locks:    newChatLocks(),
		cfg:      cfg,
	}
}

// Connect регистрирует новое соединение как неаутентифицированное.
func (e *Engine) Connect(connID string) {
	e.registry.Open(connID)
}

// Disconnect убирает соединение из всех каналов. Сохранённые данные не трогаются.
func (e *Engine) Disconnect(connID string) {
	e.registry.Close(connID)
}

// Handle разбирает кадр и выполняет запрос. Паника внутри запроса не роняет соединение.
func (e *Engine) Handle(ctx context.Context, connID string, raw []byte) {
	var typ protocol.EventType
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("engine: panic in %s conn=%s: %v", typ, connID, r)
			e.pub.ToConn(connID, protocol.Error(typ, fmt.Errorf("panic: %v", r)))
		}
	}()
	req, typ, err := protocol.Decode(raw)
	if err != nil {
		e.pub.ToConn(connID, protocol.Error(typ, err))
		return
	}
	if err := e.Dispatch(ctx, connID, req); err != nil {
		e.reportError(connID, typ, err)
	}
}

func (e *Engine) reportError(connID string, typ protocol.EventType, err error) {
	if apperr.KindOf(err) == apperr.KindStorage {
		logger.Errorf("engine: %s conn=%s: %v", typ, connID, err)
	} else {
		logger.Debugf("engine: %s conn=%s rejected: %v", typ, connID, err)
	}
	e.pub.ToConn(connID, protocol.Error(typ, err))
}

// Dispatch выполняет уже проверенный запрос от имени соединения.
func (e *Engine) Dispatch(ctx context.Context, connID string, req protocol.Request) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	sess, ok := e.registry.Get(connID)
	if !ok {
		return apperr.NotAuthenticated()
	}
	if r, ok := req.(protocol.LoginRequest); ok {
		return e.Login(ctx, sess, r)
	}
	if !sess.Authenticated() {
		return apperr.NotAuthenticated()
	}

	switch r := req.(type) {
	case protocol.SearchUsersRequest:
		return e.Search(ctx, sess, r)
	case protocol.CreateChatRequest:
		return e.CreateChat(ctx, sess, r)
	case protocol.JoinChatRequest:
		return e.Join(ctx, sess, r)
	case protocol.SendMessageRequest:
		return e.Send(ctx, sess, r)
	case protocol.AddMemberRequest:
		return e.AddMember(ctx, sess, r)
	case protocol.RequestChatListRequest:
		return e.ChatList(ctx, sess)
	default:
		return apperr.BadRequest("Неизвестный тип события")
	}
}

// Login — вход с авторегистрацией: неизвестное имя создаёт аккаунт с этим паролем.
func (e *Engine) Login(ctx context.Context, sess session.Session, req protocol.LoginRequest) error {
	defer logger.DeferLogDuration("engine.Login", time.Now())()
	if sess.Authenticated() {
		return apperr.AlreadyAuthenticated()
	}
	if len(req.Password) > credential.MaxPasswordBytes {
		return apperr.TooLong("password")
	}
	if e.limiter != nil {
		allowed, err := e.limiter.CheckLoginRate(ctx, req.Username)
		if err != nil {
			logger.Warnf("engine: login limiter: %v", err)
		} else if !allowed {
			return apperr.TooManyAttempts()
		}
	}

	user, isNew, err := e.findOrRegister(ctx, req.Username, req.Password)
	if err != nil {
		return err
	}
	if err := e.registry.Bind(sess.ConnID, user.ID, user.Username); err != nil {
		if errors.Is(err, session.ErrAlreadyBound) {
			return apperr.AlreadyAuthenticated()
		}
		return apperr.NotAuthenticated()
	}
	if e.limiter != nil {
		if err := e.limiter.Reset(ctx, req.Username); err != nil {
			logger.Warnf("engine: login limiter reset: %v", err)
		}
	}
	if isNew {
		logger.Infof("engine: new account %s", user.Username)
	}

	e.pub.ToConn(sess.ConnID, protocol.LoginSuccess(user.ToPublic(), isNew))
	e.pushChatListToConn(ctx, sess.ConnID, user.ID)
	return nil
}

// findOrRegister: при гонке двух регистраций одного имени проигравший читает строку победителя
// и проверяет пароль уже по ней.
func (e *Engine) findOrRegister(ctx context.Context, username, password string) (*model.User, bool, error) {
	user, err := e.store.GetUserByUsername(ctx, username)
	if err == nil {
		return user, false, e.verify(user, password)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, apperr.Storage(err)
	}

	hash, err := e.hasher.Hash(password)
	if errors.Is(err, credential.ErrPasswordTooLong) {
		return nil, false, apperr.TooLong("password")
	}
	if err != nil {
		return nil, false, apperr.Storage(err)
	}
	user = &model.User{ID: uuid.New().String(), Username: username, PasswordHash: hash}
	err = e.store.CreateUser(ctx, user)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, false, apperr.Storage(err)
	}
	user, err = e.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, false, apperr.Storage(err)
	}
	return user, false, e.verify(user, password)
}

func (e *Engine) verify(user *model.User, password string) error {
	ok, err := e.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		logger.Warnf("engine: verify password user=%s: %v", user.ID, err)
		return apperr.InvalidCredentials()
	}
	if !ok {
		return apperr.InvalidCredentials()
	}
	return nil
}

// Search — только чтение; сбой хранилища отдаёт пустой список, а не ошибку.
func (e *Engine) Search(ctx context.Context, sess session.Session, req protocol.SearchUsersRequest) error {
	defer logger.DeferLogDuration("engine.Search", time.Now())()
	query := protocol.NormalizeQuery(req.Query)
	if query == "" {
		e.pub.ToConn(sess.ConnID, protocol.SearchResults(nil))
		return nil
	}
	users, err := e.store.SearchUsers(ctx, sess.UserID, query, e.cfg.SearchLimit)
	if err != nil {
		logger.Errorf("engine: search user=%s: %v", sess.UserID, err)
		users = nil
	}
	e.pub.ToConn(sess.ConnID, protocol.SearchResults(users))
	return nil
}

func (e *Engine) CreateChat(ctx context.Context, sess session.Session, req protocol.CreateChatRequest) error {
	defer logger.DeferLogDuration("engine.CreateChat", time.Now())()
	if req.ChatType == model.ChatTypePrivate {
		return e.createPrivate(ctx, sess, req.PartnerID)
	}
	return e.createGroup(ctx, sess, req.GroupName)
}

func (e *Engine) createPrivate(ctx context.Context, sess session.Session, partnerID string) error {
	if partnerID == sess.UserID {
		return apperr.SelfChat()
	}
	chat, created, err := e.store.CreateOrGetPrivate(ctx, sess.UserID, partnerID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return apperr.PartnerNotFound()
	}
	if err != nil {
		return apperr.CreateFailed(err)
	}
	members, err := e.store.GetMembers(ctx, chat.ID)
	if err != nil {
		logger.Errorf("engine: members of chat=%s: %v", chat.ID, err)
	}
	view := *chat
	view.Name = displayName(*chat, members, sess.UserID)

	e.pub.ToConn(sess.ConnID, protocol.OpenChatForce(view))
	e.pushChatList(ctx, sess.UserID)
	e.pushChatList(ctx, partnerID)
	if created {
		logger.Debugf("engine: private chat %s created by %s", chat.ID, sess.UserID)
	}
	return nil
}

func (e *Engine) createGroup(ctx context.Context, sess session.Session, name string) error {
	if name == "" {
		name = model.DefaultGroupName
	}
	chat, err := e.store.CreateGroup(ctx, sess.UserID, name)
	if err != nil {
		return apperr.CreateFailed(err)
	}
	e.pub.ToConn(sess.ConnID, protocol.OpenChatForce(*chat))
	e.pushChatList(ctx, sess.UserID)
	return nil
}

// Join переключает живой канал соединения на чат и отдаёт историю.
// Блокировка чата не даёт новому сообщению попасть между историей и подпиской.
func (e *Engine) Join(ctx context.Context, sess session.Session, req protocol.JoinChatRequest) error {
	defer logger.DeferLogDuration("engine.Join", time.Now())()
	if err := e.guard.AssertMember(ctx, req.ChatID, sess.UserID); err != nil {
		return err
	}

	unlock := e.locks.Lock(req.ChatID)
	defer unlock()

	details, err := storage.LoadDetails(ctx, e.store, req.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.ChatNotFound()
	}
	if err != nil {
		return apperr.Storage(err)
	}
	if _, err := e.registry.Join(sess.ConnID, req.ChatID); err != nil {
		return apperr.NotAuthenticated()
	}
	details.Chat.Name = displayName(details.Chat, details.Members, sess.UserID)
	e.pub.ToConn(sess.ConnID, protocol.ChatHistory(details))
	return nil
}

// Send сохраняет сообщение и рассылает его подключённым к чату.
// Запись и рассылка идут под блокировкой чата, поэтому все видят сообщения в порядке сохранения.
func (e *Engine) Send(ctx context.Context, sess session.Session, req protocol.SendMessageRequest) error {
	defer logger.DeferLogDuration("engine.Send", time.Now())()
	if req.Text == "" && req.AttachmentRef == "" {
		return apperr.EmptyMessage()
	}
	if err := e.guard.AssertMember(ctx, req.ChatID, sess.UserID); err != nil {
		return err
	}

	unlock := e.locks.Lock(req.ChatID)
	msg, err := e.store.AppendMessage(ctx, &model.Message{
		ChatID:        req.ChatID,
		SenderID:      sess.UserID,
		SenderName:    sess.Username,
		Text:          req.Text,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.ChatNotFound()
		}
		return apperr.Storage(err)
	}
	e.pub.ToChat(req.ChatID, protocol.NewMessage(*msg))
	unlock()

	e.pushChatListToMembers(ctx, req.ChatID)
	return nil
}

func (e *Engine) AddMember(ctx context.Context, sess session.Session, req protocol.AddMemberRequest) error {
	defer logger.DeferLogDuration("engine.AddMember", time.Now())()
	if err := e.guard.AssertMember(ctx, req.ChatID, sess.UserID); err != nil {
		return err
	}

	unlock := e.locks.Lock(req.ChatID)
	res, err := e.store.AddMember(ctx, req.ChatID, sess.UserID, req.Username)
	if err != nil {
		unlock()
		return addMemberError(err)
	}
	added := protocol.MemberAdded(protocol.MemberAddedPayload{
		ChatID:    res.Chat.ID,
		ChatName:  res.Chat.Name,
		UserID:    res.Target.ID,
		Username:  res.Target.Username,
		ActorName: res.Actor.Username,
	})
	e.pub.ToChat(req.ChatID, protocol.NewMessage(res.SystemMessage))
	e.pub.ToChat(req.ChatID, added)
	unlock()

	e.pub.ToUser(res.Target.ID, added)
	e.pushChatListToMembers(ctx, req.ChatID)
	return nil
}

func addMemberError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.ChatNotFound()
	case errors.Is(err, storage.ErrNotGroup):
		return apperr.NotGroup()
	case errors.Is(err, storage.ErrNotMember):
		return apperr.NotAMember()
	case errors.Is(err, storage.ErrUserNotFound):
		return apperr.UserNotFound()
	case errors.Is(err, storage.ErrAlreadyMember):
		return apperr.AlreadyMember()
	default:
		return apperr.Storage(err)
	}
}

func (e *Engine) ChatList(ctx context.Context, sess session.Session) error {
	list, err := e.listFor(ctx, sess.UserID)
	if err != nil {
		return apperr.Storage(err)
	}
	e.pub.ToConn(sess.ConnID, protocol.ChatList(list))
	return nil
}

func (e *Engine) listFor(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	list, err := e.store.ListUserChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Chat.Name = displayName(list[i].Chat, list[i].Members, userID)
	}
	return list, nil
}

// pushChatList* вызываются после коммита; ошибка только логируется, инициатор уже получил ответ.
func (e *Engine) pushChatList(ctx context.Context, userID string) {
	list, err := e.listFor(ctx, userID)
	if err != nil {
		logger.Errorf("engine: chat list user=%s: %v", userID, err)
		return
	}
	e.pub.ToUser(userID, protocol.ChatList(list))
}

func (e *Engine) pushChatListToConn(ctx context.Context, connID, userID string) {
	list, err := e.listFor(ctx, userID)
	if err != nil {
		logger.Errorf("engine: chat list user=%s: %v", userID, err)
		return
	}
	e.pub.ToConn(connID, protocol.ChatList(list))
}

func (e *Engine) pushChatListToMembers(ctx context.Context, chatID string) {
	members, err := e.store.GetMembers(ctx, chatID)
	if err != nil {
		logger.Errorf("engine: members of chat=%s: %v", chatID, err)
		return
	}
	for _, id := range lo.Map(members, func(u model.UserPublic, _ int) string { return u.ID }) {
		e.pushChatList(ctx, id)
	}
}

// displayName: личный чат каждый участник видит под именем собеседника.
func displayName(c model.Chat, members []model.UserPublic, viewerID string) string {
	if c.ChatType != model.ChatTypePrivate {
		return c.Name
	}
	if other, ok := lo.Find(members, func(u model.UserPublic) bool { return u.ID != viewerID }); ok {
		return other.Username
	}
	return c.Name
}
