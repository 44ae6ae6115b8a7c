package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type pair struct{ low, high string }

// Store — хранилище чата в памяти процесса (режим -memory и тесты).
// Все записи сериализуются одним мьютексом, поэтому проверка и вставка атомарны.
type Store struct {
	mu    sync.RWMutex
	limit int
	now   func() time.Time
	last  time.Time
	seq   int64
	fault error

	users    map[string]*model.User
	byName   map[string]string
	chats    map[string]*model.Chat
	pairs    map[pair]string
	members  map[string][]model.ChatMember
	messages map[string][]model.Message
}

var _ storage.Store = (*Store)(nil)

// NewStore создаёт пустое хранилище; limit — сколько сообщений хранится в одном чате.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 100
	}
	return &Store{
		limit:    limit,
		now:      time.Now,
		users:    make(map[string]*model.User),
		byName:   make(map[string]string),
		chats:    make(map[string]*model.Chat),
		pairs:    make(map[pair]string),
		members:  make(map[string][]model.ChatMember),
		messages: make(map[string][]model.Message),
	}
}

// InjectFault заставляет следующую пишущую операцию вернуть err без изменений в данных.
func (s *Store) InjectFault(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

func (s *Store) takeFault() error {
	err := s.fault
	s.fault = nil
	return err
}

// stamp выдаёт строго возрастающее время записи. Вызывать под s.mu.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if _, ok := s.byName[u.Username]; ok {
		return storage.ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.stamp()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byName[u.Username] = u.ID
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) SearchUsers(ctx context.Context, excludeID, query string, limit int) ([]model.UserPublic, error) {
	q := strings.ToLower(query)
	if q == "" || limit <= 0 {
		return []model.UserPublic{}, nil
	}
	s.mu.RLock()
	found := make([]model.UserPublic, 0, 8)
	for _, u := range s.users {
		if u.ID != excludeID && strings.Contains(strings.ToLower(u.Username), q) {
			found = append(found, u.ToPublic())
		}
	}
	s.mu.RUnlock()
	sort.Slice(found, func(i, j int) bool { return found[i].Username < found[j].Username })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (s *Store) CreateGroup(ctx context.Context, ownerID, name string) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}
	if _, ok := s.users[ownerID]; !ok {
		return nil, storage.ErrUserNotFound
	}
	now := s.stamp()
	c := &model.Chat{ID: uuid.New().String(), ChatType: model.ChatTypeGroup, Name: name, CreatedAt: now}
	s.chats[c.ID] = c
	s.members[c.ID] = []model.ChatMember{{ChatID: c.ID, UserID: ownerID, JoinedAt: now}}
	cp := *c
	return &cp, nil
}

func (s *Store) CreateOrGetPrivate(ctx context.Context, requesterID, partnerID string) (*model.Chat, bool, error) {
	low, high := model.PairKey(requesterID, partnerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, false, err
	}
	partner, ok := s.users[partnerID]
	if !ok {
		return nil, false, storage.ErrUserNotFound
	}
	if _, ok := s.users[requesterID]; !ok {
		return nil, false, storage.ErrUserNotFound
	}
	if id, ok := s.pairs[pair{low, high}]; ok {
		cp := *s.chats[id]
		return &cp, false, nil
	}
	now := s.stamp()
	c := &model.Chat{ID: uuid.New().String(), ChatType: model.ChatTypePrivate, Name: partner.Username, CreatedAt: now}
	s.chats[c.ID] = c
	s.pairs[pair{low, high}] = c.ID
	s.members[c.ID] = []model.ChatMember{
		{ChatID: c.ID, UserID: requesterID, JoinedAt: now},
		{ChatID: c.ID, UserID: partnerID, JoinedAt: now},
	}
	cp := *c
	return &cp, true, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetMembers(ctx context.Context, chatID string) ([]model.UserPublic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.membersOf(chatID), nil
}

// membersOf вызывать под s.mu.
func (s *Store) membersOf(chatID string) []model.UserPublic {
	return lo.FilterMap(s.members[chatID], func(m model.ChatMember, _ int) (model.UserPublic, bool) {
		u, ok := s.users[m.UserID]
		if !ok {
			return model.UserPublic{}, false
		}
		return u.ToPublic(), true
	})
}

func (s *Store) isMember(chatID, userID string) bool {
	return lo.ContainsBy(s.members[chatID], func(m model.ChatMember) bool { return m.UserID == userID })
}

func (s *Store) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isMember(chatID, userID), nil
}

func (s *Store) AddMember(ctx context.Context, chatID, requesterID, targetUsername string) (*storage.AddMemberResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}
	c, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if c.ChatType != model.ChatTypeGroup {
		return nil, storage.ErrNotGroup
	}
	if !s.isMember(chatID, requesterID) {
		return nil, storage.ErrNotMember
	}
	targetID, ok := s.byName[targetUsername]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	if s.isMember(chatID, targetID) {
		return nil, storage.ErrAlreadyMember
	}
	actor := s.users[requesterID].ToPublic()
	target := s.users[targetID].ToPublic()

	member := model.ChatMember{ChatID: chatID, UserID: targetID, JoinedAt: s.stamp()}
	s.members[chatID] = append(s.members[chatID], member)
	msg := s.appendLocked(model.Message{
		ChatID:     chatID,
		SenderID:   model.SystemSenderID,
		SenderName: model.SystemSenderName,
		Text:       model.MemberAddedText(actor.Username, target.Username),
	})
	return &storage.AddMemberResult{
		Chat:          *c,
		Member:        member,
		Target:        target,
		Actor:         actor,
		SystemMessage: msg,
	}, nil
}

func (s *Store) ListUserChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	s.mu.RLock()
	out := make([]model.ChatSummary, 0, 8)
	for id, c := range s.chats {
		if !s.isMember(id, userID) {
			continue
		}
		sum := model.ChatSummary{Chat: *c, Members: s.membersOf(id)}
		if msgs := s.messages[id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	s.mu.RUnlock()
	sortSummaries(out)
	return out, nil
}

// sortSummaries — свежая активность первой; равные времена по id чата, чтобы порядок был стабильным.
func sortSummaries(out []model.ChatSummary) {
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity(), out[j].LastActivity()
		if ai.Equal(aj) {
			return out[i].Chat.ID < out[j].Chat.ID
		}
		return ai.After(aj)
	})
}

func (s *Store) AppendMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}
	if _, ok := s.chats[m.ChatID]; !ok {
		return nil, storage.ErrNotFound
	}
	saved := s.appendLocked(*m)
	return &saved, nil
}

// appendLocked добавляет сообщение в конец истории и срезает самые старые сверх лимита.
func (s *Store) appendLocked(m model.Message) model.Message {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = s.stamp()
	s.seq++
	m.Seq = s.seq
	msgs := append(s.messages[m.ChatID], m)
	if over := len(msgs) - s.limit; over > 0 {
		msgs = append([]model.Message(nil), msgs[over:]...)
	}
	s.messages[m.ChatID] = msgs
	return m
}

func (s *Store) History(ctx context.Context, chatID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message{}, s.messages[chatID]...), nil
}

func (s *Store) Close() error { return nil }
