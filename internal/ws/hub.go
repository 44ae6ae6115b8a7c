package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/protocol"
)

var (
	ErrTooManyConnections = errors.New("ws: connection limit reached")
	ErrHubClosed          = errors.New("ws: hub is shut down")
	ErrDuplicateConn      = errors.New("ws: connection id already registered")
)

// Handler получает кадры соединения. Реализация — движок чата.
type Handler interface {
	Connect(connID string)
	Handle(ctx context.Context, connID string, raw []byte)
	Disconnect(connID string)
}

// Hub держит открытые соединения по connID и доставляет им события.
// Регистрация синхронная: ответ на первый кадр не может обогнать Register.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	maxConns   int
	closed     bool
	unregister chan *Client
	stopping   chan struct{}
	done       chan struct{}
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]*Client),
		maxConns:   maxConns,
		unregister: make(chan *Client, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Done закрывается после остановки Run и закрытия всех соединений.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	// Сетевой I/O вне мьютекса.
	close(h.stopping)
	h.mu.Lock()
	h.closed = true
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	logger.Infof("ws: hub stopped, closed %d connections", len(all))
}

// Register добавляет клиента. При ошибке соединение закрывает вызывающий.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if len(h.clients) >= h.maxConns {
		logger.Errorf("ws connection limit reached (%d), rejecting conn=%s", h.maxConns, c.connID)
		return ErrTooManyConnections
	}
	if _, ok := h.clients[c.connID]; ok {
		return ErrDuplicateConn
	}
	h.clients[c.connID] = c
	return nil
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	cur, ok := h.clients[c.connID]
	if ok && cur == c {
		delete(h.clients, c.connID)
	}
	h.mu.Unlock()
	c.Close()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send ставит событие в очередь соединения. false — соединения нет или оно закрыто как медленное.
func (h *Hub) Send(connID string, ev protocol.Event) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.sendToClient(c, ev)
}

func (h *Hub) sendToClient(c *Client, ev protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		// Буфер отправки полон: медленного клиента закрываем.
		logger.Errorf("ws send buffer full, closing slow client conn=%s", c.connID)
		c.Close()
		return false
	}
}
