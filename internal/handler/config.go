package handler

import (
	"net/http"

	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/model"
)

// ConfigHandler отдаёт публичные лимиты, чтобы клиент проверял ввод до отправки.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type LimitsResponse struct {
	MessageLimitPerChat int   `json:"messageLimitPerChat"`
	MaxTextLength       int   `json:"maxTextLength"`
	MaxUsernameLength   int   `json:"maxUsernameLength"`
	MaxGroupNameLength  int   `json:"maxGroupNameLength"`
	MaxSearchResults    int   `json:"maxSearchResults"`
	MaxUploadSize       int64 `json:"maxUploadSize"`
}

// GetLimits — без авторизации.
func (h *ConfigHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LimitsResponse{
		MessageLimitPerChat: h.cfg.Chat.MessageLimitPerChat,
		MaxTextLength:       model.MaxTextLen,
		MaxUsernameLength:   model.MaxUsernameLen,
		MaxGroupNameLength:  model.MaxChatNameLen,
		MaxSearchResults:    h.cfg.Chat.SearchLimit,
		MaxUploadSize:       h.cfg.MaxUploadSize,
	})
}
