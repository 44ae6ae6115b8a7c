package service

import (
	"context"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/storage"
)

// Guard проверяет членство перед любым действием с чатом. При отказе ничего не меняется.
type Guard struct {
	chats storage.ChatRepository
}

func NewGuard(chats storage.ChatRepository) *Guard {
	return &Guard{chats: chats}
}

// AssertMember: неизвестный чат тоже даёт NotAMember, чтобы по ответу нельзя было узнать, существует ли чат.
func (g *Guard) AssertMember(ctx context.Context, chatID, userID string) error {
	ok, err := g.chats.IsMember(ctx, chatID, userID)
	if err != nil {
		return apperr.Storage(err)
	}
	if !ok {
		return apperr.NotAMember()
	}
	return nil
}
