package apperr

func InvalidCredentials() *Error {
	return New(KindAuth, ReasonInvalidCredentials, "Неверное имя пользователя или пароль")
}

func NotAuthenticated() *Error {
	return New(KindAuth, ReasonNotAuthenticated, "Сначала войдите в систему")
}

func AlreadyAuthenticated() *Error {
	return New(KindAuth, ReasonAlreadyAuthenticated, "Вы уже вошли в систему")
}

func NotAMember() *Error {
	return New(KindAuth, ReasonNotAMember, "Вы не участник этого чата")
}

func UserNotFound() *Error {
	return New(KindNotFound, ReasonUser, "Пользователь не найден")
}

func PartnerNotFound() *Error {
	return New(KindNotFound, ReasonPartner, "Собеседник не найден")
}

func ChatNotFound() *Error {
	return New(KindNotFound, ReasonChat, "Чат не найден")
}

func BadRequest(msg string) *Error {
	return New(KindValidation, ReasonBadRequest, msg)
}

func EmptyMessage() *Error {
	return New(KindValidation, ReasonEmptyMessage, "Пустое сообщение")
}

func TooLong(field string) *Error {
	return New(KindValidation, ReasonTooLong, "Слишком длинное значение: "+field)
}

func SelfChat() *Error {
	return New(KindValidation, ReasonSelfChat, "Нельзя создать чат с самим собой")
}

func TooManyAttempts() *Error {
	return New(KindValidation, ReasonTooManyAttempts, "Слишком много попыток входа, попробуйте позже")
}

func AlreadyMember() *Error {
	return New(KindConflict, ReasonAlreadyMember, "Пользователь уже в группе")
}

func NotGroup() *Error {
	return New(KindConflict, ReasonNotGroup, "Добавлять участников можно только в группу")
}

func CreateFailed(err error) *Error {
	return New(KindConflict, ReasonCreateFailed, "Не удалось создать чат").Wrap(err)
}

func Storage(err error) *Error {
	return New(KindStorage, ReasonTransaction, "Ошибка сервера, попробуйте ещё раз").Wrap(err)
}
