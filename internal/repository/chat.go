package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const chatCols = `id, chat_type, name, created_at`

type ChatRepository struct {
	pool  *pgxpool.Pool
	limit int
}

// NewChatRepository: limit нужен для системных сообщений, которые пишутся вместе с участником.
func NewChatRepository(pool *pgxpool.Pool, limit int) *ChatRepository {
	return &ChatRepository{pool: pool, limit: limit}
}

func scanChat(s interface{ Scan(dest ...any) error }, c *model.Chat) error {
	return s.Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedAt)
}

func (r *ChatRepository) CreateGroup(ctx context.Context, ownerID, name string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateGroup", time.Now())()
	c := &model.Chat{ID: uuid.New().String(), ChatType: model.ChatTypeGroup, Name: name}
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO chats (id, chat_type, name) VALUES ($1, $2, $3) RETURNING created_at`,
			c.ID, c.ChatType, c.Name,
		).Scan(&c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, c.ID, ownerID)
		if isForeignKeyViolation(err) {
			return storage.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chatRepo.CreateGroup: %w", err)
	}
	return c, nil
}

// CreateOrGetPrivate опирается на уникальный индекс (pair_low, pair_high):
// из двух одновременных вставок одна ждёт другую и получает DO NOTHING, после чего читает готовый чат.
func (r *ChatRepository) CreateOrGetPrivate(ctx context.Context, requesterID, partnerID string) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.CreateOrGetPrivate", time.Now())()
	low, high := model.PairKey(requesterID, partnerID)
	var (
		c       model.Chat
		created bool
	)
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var partnerName string
		err := tx.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, partnerID).Scan(&partnerName)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("get partner: %w", err)
		}

		c = model.Chat{ID: uuid.New().String(), ChatType: model.ChatTypePrivate, Name: partnerName}
		err = tx.QueryRow(ctx,
			`INSERT INTO chats (id, chat_type, name, pair_low, pair_high)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (pair_low, pair_high) DO NOTHING
			 RETURNING created_at`,
			c.ID, c.ChatType, c.Name, low, high,
		).Scan(&c.CreatedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			err = tx.QueryRow(ctx,
				`SELECT `+chatCols+` FROM chats WHERE pair_low = $1 AND pair_high = $2`, low, high,
			).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedAt)
			if err != nil {
				return fmt.Errorf("get existing pair: %w", err)
			}
			return nil
		case isForeignKeyViolation(err):
			return storage.ErrUserNotFound
		case err != nil:
			return fmt.Errorf("insert pair: %w", err)
		}

		created = true
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_members (chat_id, user_id, joined_at)
			 VALUES ($1, $2, $4), ($1, $3, $4)`,
			c.ID, requesterID, partnerID, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert pair members: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("chatRepo.CreateOrGetPrivate: %w", err)
	}
	return &c, created, nil
}

func (r *ChatRepository) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := scanChat(r.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE id = $1`, chatID), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) GetMembers(ctx context.Context, chatID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("chat.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username
		 FROM chat_members cm
		 JOIN users u ON u.id = cm.user_id
		 WHERE cm.chat_id = $1
		 ORDER BY cm.joined_at, cm.id`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 8)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers rows: %w", err)
	}
	return users, nil
}

func (r *ChatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsMember: %w", err)
	}
	return exists, nil
}

// AddMember: строка чата блокируется первой, поэтому проверки и вставка не пересекаются
// с параллельным добавлением того же участника или записью сообщений.
func (r *ChatRepository) AddMember(ctx context.Context, chatID, requesterID, targetUsername string) (*storage.AddMemberResult, error) {
	defer logger.DeferLogDuration("chat.AddMember", time.Now())()
	res := &storage.AddMemberResult{}
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := scanChat(tx.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE id = $1 FOR UPDATE`, chatID), &res.Chat)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock chat: %w", err)
		}
		if res.Chat.ChatType != model.ChatTypeGroup {
			return storage.ErrNotGroup
		}

		err = tx.QueryRow(ctx,
			`SELECT u.id, u.username FROM chat_members cm JOIN users u ON u.id = cm.user_id
			 WHERE cm.chat_id = $1 AND cm.user_id = $2`, chatID, requesterID,
		).Scan(&res.Actor.ID, &res.Actor.Username)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("get actor: %w", err)
		}

		err = tx.QueryRow(ctx, `SELECT id, username FROM users WHERE username = $1`, targetUsername).
			Scan(&res.Target.ID, &res.Target.Username)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("get target: %w", err)
		}

		res.Member = model.ChatMember{ChatID: chatID, UserID: res.Target.ID}
		err = tx.QueryRow(ctx,
			`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)
			 ON CONFLICT (chat_id, user_id) DO NOTHING
			 RETURNING joined_at`, chatID, res.Target.ID,
		).Scan(&res.Member.JoinedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrAlreadyMember
		}
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}

		res.SystemMessage = model.Message{
			ChatID:     chatID,
			SenderID:   model.SystemSenderID,
			SenderName: model.SystemSenderName,
			Text:       model.MemberAddedText(res.Actor.Username, res.Target.Username),
		}
		return appendTx(ctx, tx, &res.SystemMessage, r.limit)
	})
	if err != nil {
		return nil, fmt.Errorf("chatRepo.AddMember: %w", err)
	}
	return res, nil
}

// ListUserChats собирает список за два запроса: чаты с последним сообщением (LATERAL) и участники всех этих чатов.
func (r *ChatRepository) ListUserChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	defer logger.DeferLogDuration("chat.ListUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.chat_type, c.name, c.created_at,
		        lm.id, lm.sender_id, lm.sender_name, lm.text, lm.attachment_ref, lm.created_at, lm.seq
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id AND cm.user_id = $1
		 LEFT JOIN LATERAL (
		     SELECT id, sender_id, sender_name, text, attachment_ref, created_at, seq
		     FROM messages WHERE chat_id = c.id
		     ORDER BY created_at DESC, seq DESC
		     LIMIT 1
		 ) lm ON true
		 ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id COLLATE "C"`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListUserChats query: %w", err)
	}
	defer rows.Close()

	summaries := make([]model.ChatSummary, 0, 16)
	index := make(map[string]int)
	for rows.Next() {
		var (
			s                           model.ChatSummary
			msgID, senderID, senderName *string
			text, attachmentRef         *string
			msgCreatedAt                *time.Time
			seq                         *int64
		)
		if err := rows.Scan(&s.Chat.ID, &s.Chat.ChatType, &s.Chat.Name, &s.Chat.CreatedAt,
			&msgID, &senderID, &senderName, &text, &attachmentRef, &msgCreatedAt, &seq); err != nil {
			return nil, fmt.Errorf("chatRepo.ListUserChats scan: %w", err)
		}
		if msgID != nil {
			s.LastMessage = &model.Message{
				ID:            *msgID,
				ChatID:        s.Chat.ID,
				SenderID:      *senderID,
				SenderName:    *senderName,
				Text:          *text,
				AttachmentRef: *attachmentRef,
				CreatedAt:     *msgCreatedAt,
				Seq:           *seq,
			}
		}
		s.Members = []model.UserPublic{}
		index[s.Chat.ID] = len(summaries)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ListUserChats rows: %w", err)
	}
	if len(summaries) == 0 {
		return summaries, nil
	}

	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.Chat.ID)
	}
	mrows, err := r.pool.Query(ctx,
		`SELECT cm.chat_id, u.id, u.username
		 FROM chat_members cm
		 JOIN users u ON u.id = cm.user_id
		 WHERE cm.chat_id = ANY($1)
		 ORDER BY cm.chat_id, cm.joined_at, cm.id`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListUserChats members query: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var (
			chatID string
			u      model.UserPublic
		)
		if err := mrows.Scan(&chatID, &u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("chatRepo.ListUserChats members scan: %w", err)
		}
		i := index[chatID]
		summaries[i].Members = append(summaries[i].Members, u)
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ListUserChats members rows: %w", err)
	}
	return summaries, nil
}
