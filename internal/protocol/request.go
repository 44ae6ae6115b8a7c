package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/model"
	"github.com/go-playground/validator/v10"
)

// Request — разобранный и проверенный входящий запрос. Конкретный тип определяется полем type кадра.
type Request interface {
	Type() EventType
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type SearchUsersRequest struct {
	Query string `json:"query"`
}

type CreateChatRequest struct {
	ChatType  model.ChatType `json:"type" validate:"required,oneof=private group"`
	PartnerID string         `json:"partnerId" validate:"required_if=ChatType private"`
	GroupName string         `json:"groupName" validate:"max=128"`
}

type JoinChatRequest struct {
	ChatID string `json:"chatId" validate:"required"`
}

type SendMessageRequest struct {
	ChatID        string `json:"chatId" validate:"required"`
	Text          string `json:"text" validate:"required_without=AttachmentRef,max=2000"`
	AttachmentRef string `json:"attachmentRef" validate:"max=512"`
}

type AddMemberRequest struct {
	ChatID   string `json:"chatId" validate:"required"`
	Username string `json:"username" validate:"required,max=64"`
}

type RequestChatListRequest struct{}

func (LoginRequest) Type() EventType           { return EventLogin }
func (SearchUsersRequest) Type() EventType     { return EventSearchUsers }
func (CreateChatRequest) Type() EventType      { return EventCreateChat }
func (JoinChatRequest) Type() EventType        { return EventJoinChat }
func (SendMessageRequest) Type() EventType     { return EventSendMessage }
func (AddMemberRequest) Type() EventType       { return EventAddMember }
func (RequestChatListRequest) Type() EventType { return EventRequestChatList }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode разбирает кадр в конкретный запрос: строки обрезаются, затем проверяются ограничения.
// Вторым значением возвращается тип события (если его удалось прочитать) для ответа об ошибке.
func Decode(raw []byte) (Request, EventType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", apperr.BadRequest("Некорректный формат сообщения")
	}

	var req Request
	switch env.Type {
	case EventLogin:
		var r LoginRequest
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, env.Type, err
		}
		r.Username = strings.TrimSpace(r.Username)
		req = r
	case EventSearchUsers:
		var r SearchUsersRequest
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, env.Type, err
		}
		r.Query = NormalizeQuery(r.Query)
		req = r
	case EventCreateChat:
		var r CreateChatRequest
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, env.Type, err
		}
		r.PartnerID = strings.TrimSpace(r.PartnerID)
		r.GroupName = strings.TrimSpace(r.GroupName)
		req = r
	case EventJoinChat:
		var r JoinChatRequest
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, env.Type, err
		}
		r.ChatID = strings.TrimSpace(r.ChatID)
		req = r
	case EventSendMessage:
		var r SendMessageRequest
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, env.Type, err
		}
		r.ChatID = strings.TrimSpace(r.ChatID)
		r.Text = strings.TrimSpace(r.Text)
		r.AttachmentRef = strings.TrimSpace(r.AttachmentRef)
		req = r
	case EventAddMember:
		var r AddMemberRequest
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, env.Type, err
		}
		r.ChatID = strings.TrimSpace(r.ChatID)
		r.Username = strings.TrimSpace(r.Username)
		req = r
	case EventRequestChatList:
		req = RequestChatListRequest{}
	default:
		return nil, env.Type, apperr.BadRequest("Неизвестный тип события")
	}

	if err := validate.Struct(req); err != nil {
		return nil, env.Type, validationError(err)
	}
	return req, env.Type, nil
}

func unmarshalPayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return apperr.BadRequest("Некорректные данные запроса")
	}
	return nil
}

// NormalizeQuery обрезает пробелы и ограничивает запрос поиска model.MaxSearchQueryLen символами.
func NormalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if r := []rune(q); len(r) > model.MaxSearchQueryLen {
		q = strings.TrimSpace(string(r[:model.MaxSearchQueryLen]))
	}
	return q
}

func validationError(err error) *apperr.Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.BadRequest("Некорректные данные запроса")
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "max":
		return apperr.TooLong(fe.Field())
	case "required_without":
		return apperr.EmptyMessage()
	default:
		return apperr.BadRequest("Некорректное поле: " + fe.Field())
	}
}
