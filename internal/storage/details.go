package storage

import (
	"context"

	"github.com/chatcore/internal/model"
)

// LoadDetails собирает чат, его участников и всю сохранённую историю (для join).
func LoadDetails(ctx context.Context, s Store, chatID string) (*model.ChatDetails, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	members, err := s.GetMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.History(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &model.ChatDetails{Chat: *c, Members: members, Messages: messages}, nil
}
