package storage

import (
	"context"
	"errors"

	"github.com/chatcore/internal/model"
)

// Ошибки хранилища общие для всех реализаций (PostgreSQL и in-memory).
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUserNotFound  = errors.New("user not found")
	ErrAlreadyMember = errors.New("already a member")
	ErrNotMember     = errors.New("not a member")
	ErrNotGroup      = errors.New("not a group chat")
)

// Directory — пользователи: поиск по имени и id, регистрация.
type Directory interface {
	// CreateUser возвращает ErrAlreadyExists, если имя занято.
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	// SearchUsers ищет подстроку без учёта регистра, исключая excludeID, сортирует по имени.
	SearchUsers(ctx context.Context, excludeID, query string, limit int) ([]model.UserPublic, error)
}

// AddMemberResult — что записано одной транзакцией при добавлении участника.
type AddMemberResult struct {
	Chat          model.Chat
	Member        model.ChatMember
	Target        model.UserPublic
	Actor         model.UserPublic
	SystemMessage model.Message
}

// ChatRepository — чаты и участники.
type ChatRepository interface {
	// CreateGroup создаёт группу и единственного участника-владельца атомарно.
	CreateGroup(ctx context.Context, ownerID, name string) (*model.Chat, error)
	// CreateOrGetPrivate возвращает единственный личный чат пары (в любом порядке),
	// создавая его вместе с обоими участниками, если его ещё нет. created=false — чат уже был.
	// Неизвестный partnerID — ErrUserNotFound.
	CreateOrGetPrivate(ctx context.Context, requesterID, partnerID string) (chat *model.Chat, created bool, err error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	GetMembers(ctx context.Context, chatID string) ([]model.UserPublic, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	// AddMember проверяет, что чат — группа и requester в нём состоит, находит target по имени,
	// добавляет участника и пишет системное сообщение в одной транзакции.
	AddMember(ctx context.Context, chatID, requesterID, targetUsername string) (*AddMemberResult, error)
	// ListUserChats — чаты пользователя с участниками и последним сообщением, свежие первыми.
	ListUserChats(ctx context.Context, userID string) ([]model.ChatSummary, error)
}

// MessageStore — сообщения с ограничением числа хранимых на чат.
type MessageStore interface {
	// AppendMessage сохраняет сообщение и удаляет самые старые сверх лимита в одной транзакции.
	// ID, CreatedAt и Seq заполняются хранилищем.
	AppendMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	// History — сообщения чата по возрастанию (CreatedAt, Seq).
	History(ctx context.Context, chatID string) ([]model.Message, error)
}

// Store — весь набор возможностей, который движок чата получает снаружи.
type Store interface {
	Directory
	ChatRepository
	MessageStore
}

// LoginLimiter ограничивает частоту попыток входа на одно имя пользователя.
// Реализации: redis.Client, memory.Limiter.
type LoginLimiter interface {
	CheckLoginRate(ctx context.Context, username string) (allowed bool, err error)
	// Reset сбрасывает счётчик после успешного входа: в окно идут только неудачи.
	Reset(ctx context.Context, username string) error
	Close() error
}
