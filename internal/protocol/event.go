// Package protocol описывает кадры WebSocket: {"type": "...", "payload": {...}}.
package protocol

import "encoding/json"

type EventType string

// Входящие события.
const (
	EventLogin           EventType = "login"
	EventSearchUsers     EventType = "search_users"
	EventCreateChat      EventType = "create_chat"
	EventJoinChat        EventType = "join_chat"
	EventSendMessage     EventType = "send_message"
	EventAddMember       EventType = "add_member_request"
	EventRequestChatList EventType = "request_chat_list"
)

// Исходящие события.
const (
	EventLoginSuccess  EventType = "login_success"
	EventChatList      EventType = "chat_list"
	EventSearchResults EventType = "search_results"
	EventOpenChatForce EventType = "open_chat_force"
	EventChatHistory   EventType = "chat_history"
	EventNewMessage    EventType = "new_message"
	EventMemberAdded   EventType = "member_added"
	EventError         EventType = "error"
)

// Envelope — входящий кадр до разбора payload.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event — исходящий кадр. Payload сериализуется при записи в соединение.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}
