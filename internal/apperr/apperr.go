// Package apperr описывает ошибки, которые движок чата возвращает инициатору запроса.
// Каждая ошибка имеет вид (Kind), причину (Reason) и короткое сообщение для пользователя.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage"
)

type Reason string

const (
	ReasonInvalidCredentials   Reason = "invalid_credentials"
	ReasonNotAuthenticated     Reason = "not_authenticated"
	ReasonAlreadyAuthenticated Reason = "already_authenticated"
	ReasonNotAMember           Reason = "not_a_member"

	ReasonUser    Reason = "user"
	ReasonPartner Reason = "partner"
	ReasonChat    Reason = "chat"

	ReasonBadRequest      Reason = "bad_request"
	ReasonEmptyMessage    Reason = "empty_message"
	ReasonTooLong         Reason = "too_long"
	ReasonSelfChat        Reason = "self_chat"
	ReasonTooManyAttempts Reason = "too_many_attempts"

	ReasonAlreadyMember Reason = "already_member"
	ReasonNotGroup      Reason = "not_group"
	ReasonCreateFailed  Reason = "create_failed"

	ReasonTransaction Reason = "transaction"
)

// Error — ошибка, адресованная только инициатору запроса.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по Kind и Reason, чтобы errors.Is(err, apperr.NotAMember()) работал для любых экземпляров.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

func New(kind Kind, reason Reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

// Wrap возвращает копию с причиной-ошибкой внутри.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// From извлекает *Error из цепочки; любая другая ошибка считается сбоем хранилища.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Storage(err)
}

func KindOf(err error) Kind {
	return From(err).Kind
}
