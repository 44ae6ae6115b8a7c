// Package session хранит состояние соединений: кто вошёл через соединение
// и к какому чату оно сейчас подключено.
package session

import (
	"errors"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrAlreadyBound      = errors.New("connection already bound to a user")
)

// Session — состояние одного соединения. Переход Unauthenticated -> Authenticated однократный.
type Session struct {
	ConnID       string
	UserID       string
	Username     string
	JoinedChatID string
}

func (s Session) Authenticated() bool { return s.UserID != "" }

// Registry — соединения и два вида каналов доставки:
// личный (все соединения пользователя) и живой канал чата (соединения, открывшие этот чат).
// Состояние join у каждого соединения своё, даже у соединений одного пользователя.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	byChat   map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		byChat:   make(map[string]map[string]struct{}),
	}
}

// Open регистрирует новое неаутентифицированное соединение.
func (r *Registry) Open(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connID]; !ok {
		r.sessions[connID] = &Session{ConnID: connID}
	}
}

// Bind привязывает пользователя к соединению и добавляет соединение в личный канал пользователя.
func (r *Registry) Bind(connID, userID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if s.Authenticated() {
		return ErrAlreadyBound
	}
	s.UserID = userID
	s.Username = username
	add(r.byUser, userID, connID)
	return nil
}

func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Join переводит соединение в живой канал chatID, покидая предыдущий. Возвращает предыдущий чат.
func (r *Registry) Join(connID, chatID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	prev := s.JoinedChatID
	if prev == chatID {
		return prev, nil
	}
	if prev != "" {
		remove(r.byChat, prev, connID)
	}
	s.JoinedChatID = chatID
	add(r.byChat, chatID, connID)
	return prev, nil
}

// Close удаляет соединение из всех каналов. Повторный вызов безопасен.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return
	}
	if s.UserID != "" {
		remove(r.byUser, s.UserID, connID)
	}
	if s.JoinedChatID != "" {
		remove(r.byChat, s.JoinedChatID, connID)
	}
	delete(r.sessions, connID)
}

// UserConns — соединения личного канала пользователя.
func (r *Registry) UserConns(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser[userID])
}

// ChatConns — соединения, подключённые к живому каналу чата.
func (r *Registry) ChatConns(chatID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byChat[chatID])
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func add(m map[string]map[string]struct{}, key, connID string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[connID] = struct{}{}
}

func remove(m map[string]map[string]struct{}, key, connID string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m, key)
	}
}
