package protocol

import (
	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/model"
)

type LoginSuccessPayload struct {
	User         model.UserPublic `json:"user"`
	IsNewAccount bool             `json:"isNewAccount"`
}

type ChatListPayload struct {
	Chats []model.ChatSummary `json:"chats"`
}

type SearchResultsPayload struct {
	Users []model.UserPublic `json:"users"`
}

type OpenChatForcePayload struct {
	Chat model.Chat `json:"chat"`
}

type ChatHistoryPayload struct {
	Chat     model.Chat         `json:"chat"`
	Members  []model.UserPublic `json:"members"`
	Messages []model.Message    `json:"messages"`
}

type NewMessagePayload struct {
	Message model.Message `json:"message"`
}

type MemberAddedPayload struct {
	ChatID    string `json:"chatId"`
	ChatName  string `json:"chatName"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	ActorName string `json:"actorName"`
}

// ErrorPayload уходит только запросившему соединению.
type ErrorPayload struct {
	Request EventType     `json:"request,omitempty"`
	Kind    apperr.Kind   `json:"kind"`
	Reason  apperr.Reason `json:"reason"`
	Message string        `json:"message"`
}

func LoginSuccess(u model.UserPublic, isNew bool) Event {
	return Event{Type: EventLoginSuccess, Payload: LoginSuccessPayload{User: u, IsNewAccount: isNew}}
}

func ChatList(chats []model.ChatSummary) Event {
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	return Event{Type: EventChatList, Payload: ChatListPayload{Chats: chats}}
}

func SearchResults(users []model.UserPublic) Event {
	if users == nil {
		users = []model.UserPublic{}
	}
	return Event{Type: EventSearchResults, Payload: SearchResultsPayload{Users: users}}
}

func OpenChatForce(c model.Chat) Event {
	return Event{Type: EventOpenChatForce, Payload: OpenChatForcePayload{Chat: c}}
}

func ChatHistory(d *model.ChatDetails) Event {
	return Event{Type: EventChatHistory, Payload: ChatHistoryPayload{Chat: d.Chat, Members: d.Members, Messages: d.Messages}}
}

func NewMessage(m model.Message) Event {
	return Event{Type: EventNewMessage, Payload: NewMessagePayload{Message: m}}
}

func MemberAdded(p MemberAddedPayload) Event {
	return Event{Type: EventMemberAdded, Payload: p}
}

// Error превращает любую ошибку в кадр error; непредвиденные ошибки скрываются за StorageError.
func Error(request EventType, err error) Event {
	ae := apperr.From(err)
	return Event{Type: EventError, Payload: ErrorPayload{
		Request: request,
		Kind:    ae.Kind,
		Reason:  ae.Reason,
		Message: ae.Message,
	}}
}
