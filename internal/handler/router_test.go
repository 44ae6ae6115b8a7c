package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatcore/internal/broadcast"
	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/credential"
	"github.com/chatcore/internal/fileserver"
	"github.com/chatcore/internal/service"
	"github.com/chatcore/internal/session"
	"github.com/chatcore/internal/storage/memory"
	"github.com/chatcore/internal/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		CORSAllowedOrigins: "*",
		WSSendBufferSize:   64,
		WSMaxMessageSize:   8192,
		MaxUploadSize:      1 << 20,
		Chat:               config.ChatConfig{MessageLimitPerChat: 100, SearchLimit: 50},
	}
	store := memory.NewStore(cfg.Chat.MessageLimitPerChat)
	reg := session.NewRegistry()
	hub := ws.NewHub(100)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	engine := service.NewEngine(store, reg, broadcast.NewRouter(reg, hub),
		credential.NewBcrypt(bcrypt.MinCost), memory.NewLimiter(100, time.Minute),
		service.Config{SearchLimit: cfg.Chat.SearchLimit, RequestTimeout: 5 * time.Second})

	srv := httptest.NewServer(NewRouter(Deps{
		Config: cfg,
		Hub:    hub,
		Engine: engine,
		Files:  fileserver.New(t.TempDir(), cfg.MaxUploadSize),
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return srv
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(typ string, payload any) {
	c.t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(frame{Type: typ, Payload: p}))
}

// expect читает кадры, пропуская другие типы, пока не придёт кадр typ, и разбирает payload в dst.
func (c *wsClient) expect(typ string, dst any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type != typ {
			continue
		}
		if dst != nil {
			require.NoError(c.t, json.Unmarshal(f.Payload, dst))
		}
		return
	}
}

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type chatJSON struct {
	ID       string `json:"id"`
	ChatType string `json:"chatType"`
	Name     string `json:"name"`
}

func (c *wsClient) login(name string) userJSON {
	c.t.Helper()
	c.send("login", map[string]string{"username": name, "password": "pw-" + name})
	var ok struct {
		User         userJSON `json:"user"`
		IsNewAccount bool     `json:"isNewAccount"`
	}
	c.expect("login_success", &ok)
	require.True(c.t, ok.IsNewAccount)
	c.expect("chat_list", nil)
	return ok.User
}

func upload(t *testing.T, srv *httptest.Server, name string, content []byte) fileserver.Stored {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/files/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stored fileserver.Stored
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	return stored
}

func TestChatOverWebSocket(t *testing.T) {
	srv := newTestServer(t)
	alice := dial(t, srv)
	bob := dial(t, srv)
	aliceUser := alice.login("alice")
	bobUser := bob.login("bob")

	alice.send("search_users", map[string]string{"query": "BO"})
	var found struct {
		Users []userJSON `json:"users"`
	}
	alice.expect("search_results", &found)
	require.Equal(t, []userJSON{bobUser}, found.Users)

	alice.send("create_chat", map[string]string{"type": "private", "partnerId": bobUser.ID})
	var opened struct {
		Chat chatJSON `json:"chat"`
	}
	alice.expect("open_chat_force", &opened)
	require.Equal(t, "bob", opened.Chat.Name)

	var bobList struct {
		Chats []struct {
			Chat chatJSON `json:"chat"`
		} `json:"chats"`
	}
	bob.expect("chat_list", &bobList)
	require.Len(t, bobList.Chats, 1)
	require.Equal(t, "alice", bobList.Chats[0].Chat.Name)

	var history struct {
		Messages []json.RawMessage `json:"messages"`
	}
	alice.send("join_chat", map[string]string{"chatId": opened.Chat.ID})
	alice.expect("chat_history", &history)
	require.Empty(t, history.Messages)
	bob.send("join_chat", map[string]string{"chatId": opened.Chat.ID})
	bob.expect("chat_history", nil)

	stored := upload(t, srv, "notes.txt", []byte("shopping list"))
	require.Equal(t, "text/plain; charset=utf-8", stored.MimeType)

	alice.send("send_message", map[string]string{"chatId": opened.Chat.ID, "text": "see file", "attachmentRef": stored.Reference})
	var got struct {
		Message struct {
			SenderID      string `json:"senderId"`
			SenderName    string `json:"senderName"`
			Text          string `json:"text"`
			AttachmentRef string `json:"attachmentRef"`
		} `json:"message"`
	}
	bob.expect("new_message", &got)
	require.Equal(t, aliceUser.ID, got.Message.SenderID)
	require.Equal(t, "alice", got.Message.SenderName)
	require.Equal(t, "see file", got.Message.Text)
	require.Equal(t, stored.Reference, got.Message.AttachmentRef)

	resp, err := http.Get(srv.URL + "/api/files/" + got.Message.AttachmentRef + "?name=notes.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "shopping list", string(data))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")
}

func TestUnauthenticatedFrameIsRejected(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.send("join_chat", map[string]string{"chatId": "x"})
	var e struct {
		Request string `json:"request"`
		Kind    string `json:"kind"`
		Reason  string `json:"reason"`
	}
	c.expect("error", &e)
	require.Equal(t, "join_chat", e.Request)
	require.Equal(t, "auth", e.Kind)
	require.Equal(t, "not_authenticated", e.Reason)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	c.expect("error", &e)
	require.Equal(t, "bad_request", e.Reason)
}

func TestHealthAndLimits(t *testing.T) {
	srv := newTestServer(t)
	dial(t, srv)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var h struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
		}
		return json.NewDecoder(resp.Body).Decode(&h) == nil && h.Status == "ok" && h.Connections == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/config/limits")
	require.NoError(t, err)
	defer resp.Body.Close()
	var limits LimitsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&limits))
	require.Equal(t, 100, limits.MessageLimitPerChat)
	require.Equal(t, 2000, limits.MaxTextLength)
}

func TestUploadRejectsExecutable(t *testing.T) {
	srv := newTestServer(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "run.sh")
	require.NoError(t, err)
	_, _ = part.Write([]byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/files/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}
