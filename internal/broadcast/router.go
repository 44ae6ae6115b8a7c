// Package broadcast доставляет исходящие события адресатам:
// одному соединению, личному каналу пользователя или живому каналу чата.
package broadcast

import (
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/protocol"
	"github.com/chatcore/internal/session"
)

// Transport кладёт событие в очередь отправки соединения.
// false — соединение неизвестно или закрыто (медленный клиент).
type Transport interface {
	Send(connID string, ev protocol.Event) bool
}

// Publisher — исходящая сторона движка чата.
type Publisher interface {
	ToConn(connID string, ev protocol.Event)
	ToUser(userID string, ev protocol.Event)
	ToChat(chatID string, ev protocol.Event)
}

type Router struct {
	registry  *session.Registry
	transport Transport
}

var _ Publisher = (*Router)(nil)

func NewRouter(registry *session.Registry, transport Transport) *Router {
	return &Router{registry: registry, transport: transport}
}

func (r *Router) ToConn(connID string, ev protocol.Event) {
	if !r.transport.Send(connID, ev) {
		logger.Debugf("broadcast: drop %s to conn=%s", ev.Type, connID)
	}
}

// ToUser отправляет во все соединения пользователя (личный канал).
func (r *Router) ToUser(userID string, ev protocol.Event) {
	for _, connID := range r.registry.UserConns(userID) {
		r.ToConn(connID, ev)
	}
}

// ToChat отправляет соединениям, которые сейчас подключены к чату.
func (r *Router) ToChat(chatID string, ev protocol.Event) {
	for _, connID := range r.registry.ChatConns(chatID) {
		r.ToConn(connID, ev)
	}
}
