package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize = 8192
	defaultSendBufSize    = 256
)

// Options — лимиты одного соединения.
type Options struct {
	SendBufferSize int
	MaxMessageSize int64
}

// bufPool — буферы для JSON-кодирования в writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client — одно WebSocket-соединение.
// Жизненный цикл: NewClient -> Hub.Register -> Start -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub     *Hub
	handler Handler
	conn    *websocket.Conn
	connID  string
	send    chan protocol.Event
	maxSize int64

	// done — неблокирующая проверка в sendToClient.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, handler Handler, conn *websocket.Conn, connID string, opts Options) *Client {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &Client{
		hub:     hub,
		handler: handler,
		conn:    conn,
		connID:  connID,
		send:    make(chan protocol.Event, opts.SendBufferSize),
		maxSize: opts.MaxMessageSize,
		done:    make(chan struct{}),
	}
}

func (c *Client) ConnID() string { return c.connID }

// Start сообщает обработчику о новом соединении и запускает обе помпы.
// Кадры читаются и обрабатываются по одному, в порядке прихода.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.handler.Connect(c.connID)
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *Client) Wait() {
	c.wg.Wait()
}

// Close можно вызывать многократно из любой горутины.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// ReadMessage и WriteMessage вернут ошибку, обе помпы завершатся.
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.handler.Disconnect(c.connID)
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.maxSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline conn=%s: %v", c.connID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error conn=%s: %v", c.connID, err)
			}
			return
		}
		c.handler.Handle(ctx, c.connID, raw)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline conn=%s: %v", c.connID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ev protocol.Event) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Errorf("ws set write deadline conn=%s: %v", c.connID, err)
		return false
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		logger.Errorf("ws marshal %s conn=%s: %v", ev.Type, c.connID, err)
		return true
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}
