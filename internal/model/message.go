package model

import "time"

const (
	MaxTextLen          = 2000
	MaxAttachmentRefLen = 512

	// SystemSenderID — зарезервированный отправитель служебных сообщений («alice добавил bob»).
	SystemSenderID   = "system"
	SystemSenderName = "Система"
)

// Message упорядочивается по (CreatedAt, Seq): Seq — счётчик вставки, разрешает равные времена.
type Message struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chatId"`
	SenderID      string    `json:"senderId"`
	SenderName    string    `json:"senderName"`
	Text          string    `json:"text,omitempty"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Seq           int64     `json:"seq"`
}

func (m *Message) IsSystem() bool {
	return m.SenderID == SystemSenderID
}

// Before сообщает, идёт ли m раньше other в истории чата.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Seq < other.Seq
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// MemberAddedText — текст системного сообщения о добавлении участника.
func MemberAddedText(actor, target string) string {
	return actor + " добавил(а) " + target
}
