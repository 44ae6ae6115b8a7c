package model

import "time"

type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

const (
	// MaxChatNameLen — лимит длины названия группы после обрезки пробелов.
	MaxChatNameLen = 128
	// DefaultGroupName используется, если название группы не задано.
	DefaultGroupName = "Новая группа"
)

type Chat struct {
	ID        string    `json:"id"`
	ChatType  ChatType  `json:"chatType"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatMember struct {
	ChatID   string    `json:"chatId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ChatSummary — элемент списка чатов пользователя.
type ChatSummary struct {
	Chat        Chat         `json:"chat"`
	Members     []UserPublic `json:"members"`
	LastMessage *Message     `json:"lastMessage,omitempty"`
}

// ChatDetails — чат целиком: участники и вся сохранённая история (отдаётся при join).
type ChatDetails struct {
	Chat     Chat         `json:"chat"`
	Members  []UserPublic `json:"members"`
	Messages []Message    `json:"messages"`
}

// PairKey упорядочивает пару пользователей так, чтобы (a, b) и (b, a) давали один ключ.
func PairKey(a, b string) (low, high string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// LastActivity — время последнего сообщения, либо создания чата, если сообщений нет.
func (s ChatSummary) LastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.Chat.CreatedAt
}
