package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageCols = `id, chat_id, sender_id, sender_name, text, attachment_ref, created_at, seq`

type MessageRepository struct {
	pool  *pgxpool.Pool
	limit int
}

func NewMessageRepository(pool *pgxpool.Pool, limit int) *MessageRepository {
	return &MessageRepository{pool: pool, limit: limit}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Text, &m.AttachmentRef, &m.CreatedAt, &m.Seq)
}

// AppendMessage пишет сообщение и срезает историю до лимита в одной транзакции.
func (r *MessageRepository) AppendMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	saved := *m
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		return appendTx(ctx, tx, &saved, r.limit)
	})
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append: %w", err)
	}
	return &saved, nil
}

// appendTx блокирует строку чата (FOR UPDATE), так что вставки и обрезка в одном чате идут строго по очереди.
// created_at и seq назначает БД.
func appendTx(ctx context.Context, tx pgx.Tx, m *model.Message, limit int) error {
	var locked string
	err := tx.QueryRow(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, m.ChatID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock chat: %w", err)
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, sender_name, text, attachment_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, seq`,
		m.ID, m.ChatID, m.SenderID, m.SenderName, m.Text, m.AttachmentRef,
	).Scan(&m.CreatedAt, &m.Seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM messages WHERE id IN (
		     SELECT id FROM messages WHERE chat_id = $1
		     ORDER BY created_at DESC, seq DESC
		     OFFSET $2)`,
		m.ChatID, limit,
	)
	if err != nil {
		return fmt.Errorf("trim messages: %w", err)
	}
	return nil
}

// History — вся сохранённая история чата по возрастанию (created_at, seq).
func (r *MessageRepository) History(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages WHERE chat_id = $1 ORDER BY created_at, seq`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, r.limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return messages, nil
}
